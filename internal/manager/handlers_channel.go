package manager

import (
	"fmt"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/pkg/crypto"
)

// handleDownstreamMessage dispatches a message arriving from the
// Downstream Server: OpenStandardMiningChannel, OpenExtendedMiningChannel,
// UpdateChannel, SubmitSharesStandard/Extended, CloseChannel.
func (m *Manager) handleDownstreamMessage(in Inbound) ([]Outbound, error) {
	switch p := in.Payload.(type) {
	case *sv2.SetupConnection:
		return m.recordDownstreamSetup(in.Downstream, p)
	case *sv2.OpenStandardMiningChannel:
		return m.openStandardChannel(in.Downstream, p)
	case *sv2.OpenExtendedMiningChannel:
		return m.openExtendedChannel(in.Downstream, p)
	case *sv2.UpdateChannel:
		return m.updateChannel(p)
	case *sv2.CloseChannel:
		return m.closeChannel(p)
	case *sv2.SubmitSharesStandard:
		return m.submitShares(channel.ChannelId(p.ChannelId), p, nil)
	case *sv2.SubmitSharesExtended:
		return m.submitShares(channel.ChannelId(p.ChannelId), &p.SubmitSharesStandard, p.Extranonce2)
	case downstreamDisconnected:
		return m.teardownDownstream(channel.DownstreamId(p))
	default:
		return nil, LogOnly(fmt.Errorf("manager: unhandled downstream payload %T", p))
	}
}

// downstreamDisconnected signals a connection drop; the Downstream Server
// submits it so the manager can release channels under its own lock
// instead of mutating shared maps from the accept-loop goroutine.
type downstreamDisconnected channel.DownstreamId

// DownstreamDisconnected builds the payload a Downstream Server submits on
// connection loss. The concrete type stays unexported since nothing outside
// the dispatch loop's own switch needs to inspect it.
func DownstreamDisconnected(id channel.DownstreamId) interface{} {
	return downstreamDisconnected(id)
}

// recordDownstreamSetup stashes the FlagRequiresStandardJobs bit from a
// downstream's SetupConnection so later job distribution knows whether this
// connection's group must be fanned individual NewMiningJobs instead of one
// shared NewExtendedMiningJob broadcast.
func (m *Manager) recordDownstreamSetup(ds channel.DownstreamId, p *sv2.SetupConnection) ([]Outbound, error) {
	m.data.DownstreamStdJobs[ds] = p.Flags&sv2.FlagRequiresStandardJobs != 0
	return nil, nil
}

func (m *Manager) groupForDownstream(ds channel.DownstreamId) *channelGroupAlloc {
	d := m.data
	groupId, ok := d.DownstreamGroup[ds]
	if ok {
		return &channelGroupAlloc{id: groupId, isNew: false}
	}
	groupId = d.ChannelIds.NextChannelId()
	d.GroupChannels[groupId] = channel.NewGroupChannel(groupId, ds, d.CurrentServer)
	d.DownstreamGroup[ds] = groupId
	return &channelGroupAlloc{id: groupId, isNew: true}
}

type channelGroupAlloc struct {
	id    channel.ChannelId
	isNew bool
}

// parkIfUpstreamNotReady defers a downstream open-channel request while the
// role's upstream channel is not yet connected. The first parked request on
// a channel-less upstream also triggers the single aggregated
// OpenExtendedMiningChannel this role opens upstream; everything parked is
// replayed by onUpstreamChannelOpened once the Success arrives.
func (m *Manager) parkIfUpstreamNotReady(ds channel.DownstreamId, req interface{}, userIdentity string, nominalHashrate float32, maxTarget [32]byte) (bool, []Outbound) {
	d := m.data
	if d.Role == RolePool || d.UpstreamState == UpstreamConnected {
		return false, nil
	}

	d.PendingDownstreamRequests = append(d.PendingDownstreamRequests, PendingOpen{Downstream: ds, Request: req})
	if d.UpstreamState != UpstreamNoChannel {
		return true, nil
	}

	d.UpstreamState = UpstreamPending
	return true, []Outbound{ToUpstream(&sv2.OpenExtendedMiningChannel{
		RequestId:         uint32(d.RequestIds.NextRequestId()),
		UserIdentity:      userIdentity,
		NominalHashrate:   nominalHashrate,
		MaxTarget:         maxTarget,
		MinExtranonceSize: uint16(d.Geometry.Range1Len + d.Geometry.Range2Len),
	})}
}

func (m *Manager) openStandardChannel(ds channel.DownstreamId, req *sv2.OpenStandardMiningChannel) ([]Outbound, error) {
	d := m.data

	if parked, out := m.parkIfUpstreamNotReady(ds, req, req.UserIdentity, req.NominalHashrate, req.MaxTarget); parked {
		return out, nil
	}

	group := m.groupForDownstream(ds)
	id := d.ChannelIds.NextChannelId()
	ch := channel.NewChannel(id, ds, d.CurrentServer, channel.KindStandard, req.UserIdentity, req.NominalHashrate, d.clampToUpstreamTarget(req.MaxTarget))
	ch.GroupChannelId = group.id
	ch.RequiresStandardJobs = d.DownstreamStdJobs[ds]
	d.Channels[id] = ch
	d.GroupChannels[group.id].Add(id)
	channelsOpen.WithLabelValues("standard").Inc()

	resp := &sv2.OpenStandardMiningChannelSuccess{
		RequestId:        req.RequestId,
		ChannelId:        uint32(id),
		Target:           ch.Target,
		ExtranoncePrefix: ch.ExtranoncePrefix,
		GroupChannelId:   uint32(group.id),
	}
	out := []Outbound{ToDownstream(ds, resp)}

	if lastJob := m.catchUpJobFor(group.id); lastJob != nil && d.CurrentTip != nil {
		ch.AddJob(lastJob)
		std := m.jobFactory.BuildStandard(lastJob.JobId, &jobfactory.ExtendedJob{
			JobId:      lastJob.JobId,
			MerklePath: lastJob.MerklePath,
			Version:    lastJob.Version,
		})
		out = append(out,
			ToDownstream(ds, &sv2.NewMiningJob{
				ChannelId:  uint32(id),
				JobId:      uint32(std.JobId),
				Version:    std.Version,
				MerklePath: std.MerklePath,
			}),
			ToDownstream(ds, &sv2.SetNewPrevHash{
				ChannelId: uint32(id),
				JobId:     uint32(lastJob.JobId),
				PrevHash:  d.CurrentTip.PrevHash,
				MinNTime:  d.CurrentTip.MinNTime,
				NBits:     d.CurrentTip.NBits,
			}),
		)
	}

	return out, nil
}

func (m *Manager) openExtendedChannel(ds channel.DownstreamId, req *sv2.OpenExtendedMiningChannel) ([]Outbound, error) {
	d := m.data

	if parked, out := m.parkIfUpstreamNotReady(ds, req, req.UserIdentity, req.NominalHashrate, req.MaxTarget); parked {
		return out, nil
	}

	geometry := d.Geometry
	geometry.Range2Len = int(req.MinExtranonceSize)
	if err := geometry.Validate(); err != nil {
		return nil, DisconnectOne(ds, err)
	}

	group := m.groupForDownstream(ds)
	id := d.ChannelIds.NextChannelId()
	ch := channel.NewChannel(id, ds, d.CurrentServer, channel.KindExtended, req.UserIdentity, req.NominalHashrate, d.clampToUpstreamTarget(req.MaxTarget))
	ch.Geometry = geometry
	ch.GroupChannelId = group.id
	ch.RequiresStandardJobs = d.DownstreamStdJobs[ds]
	ch.ExtranoncePrefix = allocateExtranoncePrefix(d, id)
	d.Channels[id] = ch
	d.GroupChannels[group.id].Add(id)
	channelsOpen.WithLabelValues("extended").Inc()

	resp := &sv2.OpenExtendedMiningChannelSuccess{
		RequestId:        req.RequestId,
		ChannelId:        uint32(id),
		Target:           ch.Target,
		ExtranoncePrefix: ch.ExtranoncePrefix,
		ExtranonceSize:   uint16(geometry.Range1Len + geometry.Range2Len),
		GroupChannelId:   uint32(group.id),
	}
	out := []Outbound{ToDownstream(ds, resp)}

	if lastJob := m.catchUpJobFor(group.id); lastJob != nil && d.CurrentTip != nil {
		ch.AddJob(lastJob)
		out = append(out,
			ToDownstream(ds, &sv2.NewExtendedMiningJob{
				ChannelId:        uint32(id),
				JobId:            uint32(lastJob.JobId),
				Version:          lastJob.Version,
				CoinbaseTxPrefix: lastJob.CoinbaseTxPrefix,
				CoinbaseTxSuffix: lastJob.CoinbaseTxSuffix,
				MerklePath:       lastJob.MerklePath,
			}),
			ToDownstream(ds, &sv2.SetNewPrevHash{
				ChannelId: uint32(id),
				JobId:     uint32(lastJob.JobId),
				PrevHash:  d.CurrentTip.PrevHash,
				MinNTime:  d.CurrentTip.MinNTime,
				NBits:     d.CurrentTip.NBits,
			}),
		)
	}

	return out, nil
}

// allocateExtranoncePrefix derives a deterministic range_0||range_1 prefix
// for a new channel from its id, so every channel's engine-owned search
// space is disjoint without needing a separate counter to persist.
func allocateExtranoncePrefix(d *Data, id channel.ChannelId) []byte {
	if d.Geometry.Range1Len == 0 {
		return nil
	}
	prefix := make([]byte, d.Geometry.Range1Len)
	v := uint32(id)
	for i := 0; i < d.Geometry.Range1Len && i < 4; i++ {
		prefix[d.Geometry.Range1Len-1-i] = byte(v >> (8 * i))
	}
	return prefix
}

// updateChannel applies a downstream's revised hashrate and/or max target.
// Either field may arrive zero-valued when the sender only changes the
// other (a vardiff retarget carries no hashrate, a hashrate report no
// target), so zero means "unchanged" rather than "reset". A new max target
// also re-derives the validation target, clamped to what the upstream
// accepts.
func (m *Manager) updateChannel(req *sv2.UpdateChannel) ([]Outbound, error) {
	d := m.data
	ch, ok := d.Channels[channel.ChannelId(req.ChannelId)]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: UpdateChannel for unknown channel %d", req.ChannelId))
	}
	if req.NominalHashrate > 0 {
		ch.NominalHashrate = req.NominalHashrate
	}
	var zero [32]byte
	if req.MaxTarget != zero {
		ch.MaxTarget = req.MaxTarget
		ch.Target = d.clampToUpstreamTarget(req.MaxTarget)
	}
	return nil, nil
}

func (m *Manager) closeChannel(req *sv2.CloseChannel) ([]Outbound, error) {
	d := m.data
	id := channel.ChannelId(req.ChannelId)
	ch, ok := d.Channels[id]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: CloseChannel for unknown channel %d", req.ChannelId))
	}
	delete(d.Channels, id)
	if ch.GroupChannelId != 0 {
		if g, ok := d.GroupChannels[ch.GroupChannelId]; ok {
			g.Remove(id)
			if g.Empty() {
				delete(d.GroupChannels, ch.GroupChannelId)
				delete(d.DownstreamGroup, ch.Downstream)
			}
		}
	}
	if ch.Kind == channel.KindStandard {
		channelsOpen.WithLabelValues("standard").Dec()
	} else {
		channelsOpen.WithLabelValues("extended").Dec()
	}
	return nil, nil
}

// teardownDownstream closes every channel belonging to a disconnected
// downstream connection, including its group channel if one was allocated.
func (m *Manager) teardownDownstream(ds channel.DownstreamId) ([]Outbound, error) {
	d := m.data
	for _, ch := range d.ChannelsForDownstream(ds) {
		delete(d.Channels, ch.Id)
		if ch.Kind == channel.KindStandard {
			channelsOpen.WithLabelValues("standard").Dec()
		} else {
			channelsOpen.WithLabelValues("extended").Dec()
		}
	}
	if groupId, ok := d.DownstreamGroup[ds]; ok {
		delete(d.GroupChannels, groupId)
		delete(d.DownstreamGroup, ds)
	}
	return nil, nil
}

// lastExtendedJobFor returns the most recent extended job sent to a group,
// stashed on the group's member channels, so a newly opened standard or
// extended channel can be caught up immediately instead of waiting for the next
// NewTemplate.
func (m *Manager) lastExtendedJobFor(group channel.ChannelId) *channel.ActiveJob {
	for _, ch := range m.data.ChannelsInGroup(group) {
		if job, ok := ch.Job(ch.LastJobId); ok {
			return job
		}
	}
	return nil
}

// catchUpJobFor returns the job a freshly opened channel must be primed
// with: the group's shared job if one exists, otherwise a job rebuilt from
// the template the current chain tip activated. The rebuild covers the case
// of a whole new downstream connection (a brand-new, memberless group)
// arriving between templates, which would otherwise mine nothing until the
// next NewTemplate.
func (m *Manager) catchUpJobFor(group channel.ChannelId) *channel.ActiveJob {
	if job := m.lastExtendedJobFor(group); job != nil {
		return job
	}
	d := m.data
	if d.CurrentTip == nil {
		return nil
	}
	tmpl, ok := d.Templates[d.CurrentTip.TemplateId]
	if !ok {
		return nil
	}
	jobId := d.JobIds.NextJobId()
	ext, err := m.jobFactory.BuildExtended(jobId, toFactoryTemplate(tmpl), d.Geometry, tmpl.CoinbasePrefix)
	if err != nil {
		return nil
	}
	return &channel.ActiveJob{
		JobId:            jobId,
		TemplateId:       tmpl.Id,
		Version:          ext.Version,
		PrevHash:         d.CurrentTip.PrevHash,
		MinNTime:         d.CurrentTip.MinNTime,
		NBits:            d.CurrentTip.NBits,
		CoinbaseTxPrefix: ext.CoinbaseTxPrefix,
		CoinbaseTxSuffix: ext.CoinbaseTxSuffix,
		MerklePath:       ext.MerklePath,
		CreatedAt:        d.CurrentTip.ActivatedAt,
	}
}

// clampToUpstreamTarget caps a requested max target at the target the
// upstream granted this role's own channel, so no downstream ever mines at
// a lower difficulty than the upstream will accept.
func (d *Data) clampToUpstreamTarget(requested [32]byte) [32]byte {
	var zero [32]byte
	if d.Role == RolePool || d.UpstreamTarget == zero {
		return requested
	}
	if crypto.CompareHashes(d.UpstreamTarget[:], requested[:]) < 0 {
		return d.UpstreamTarget
	}
	return requested
}
