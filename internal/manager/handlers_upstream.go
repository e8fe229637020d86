package manager

import (
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/sv2"

	"go.uber.org/zap"
)

// handleUpstreamMessage dispatches messages arriving from the Upstream
// Client: job/prev-hash propagation the JDC or Translator must relay
// downstream, and share acks/errors echoed back from the real upstream.
func (m *Manager) handleUpstreamMessage(payload interface{}) ([]Outbound, error) {
	switch p := payload.(type) {
	case *sv2.OpenExtendedMiningChannelSuccess:
		return m.onUpstreamChannelOpened(p)
	case *sv2.OpenStandardMiningChannelSuccess:
		// This role only ever opens extended channels upstream; a standard
		// grant means the upstream is not honoring the protocol contract.
		return nil, Fallback(fmt.Errorf("manager: upstream granted a standard channel (id %d)", p.ChannelId))
	case *sv2.OpenMiningChannelError:
		return nil, Fallback(fmt.Errorf("manager: upstream rejected channel open: %s", p.Reason))
	case *sv2.CloseChannel:
		return nil, Fallback(fmt.Errorf("manager: upstream closed channel %d: %s", p.ChannelId, p.Reason))
	case *sv2.SetExtranoncePrefix:
		return m.onUpstreamExtranoncePrefix(p)
	case *sv2.NewExtendedMiningJob:
		return m.onUpstreamExtendedJob(p)
	case *sv2.SetNewPrevHash:
		return m.onUpstreamPrevHash(p)
	case *sv2.SetTarget:
		return m.onUpstreamSetTarget(p)
	case *sv2.SubmitSharesSuccess:
		return m.onUpstreamSharesSuccess(p)
	case *sv2.SubmitSharesError:
		return m.onUpstreamSharesError(p)
	case *sv2.SetCustomMiningJobSuccess:
		return m.onCustomJobSuccess(p)
	case *sv2.SetCustomMiningJobError:
		return m.onCustomJobError(p)
	default:
		return nil, LogOnly(fmt.Errorf("manager: unhandled upstream payload %T", p))
	}
}

// onUpstreamChannelOpened completes this role's upstream channel handshake:
// it records the granted channel id, extranonce prefix, and target, then
// replays every downstream open-channel request that parked while the
// upstream was pending. An extranonce grant too small to carve out the
// engine's own search space plus the downstream-delegated range is an
// integrity failure the Fallback Coordinator must rotate away from, not a
// per-downstream disconnect.
func (m *Manager) onUpstreamChannelOpened(p *sv2.OpenExtendedMiningChannelSuccess) ([]Outbound, error) {
	d := m.data
	d.UpstreamChannelId = channel.ChannelId(p.ChannelId)
	d.UpstreamExtranoncePrefix = p.ExtranoncePrefix
	d.UpstreamExtranonceSize = p.ExtranonceSize
	d.UpstreamTarget = p.Target
	d.Geometry.Range0Len = len(p.ExtranoncePrefix)

	if int(p.ExtranonceSize) < d.Geometry.Range1Len+d.Geometry.Range2Len {
		return nil, Fallback(fmt.Errorf("manager: upstream extranonce size %d cannot fit engine range %d + delegated range %d",
			p.ExtranonceSize, d.Geometry.Range1Len, d.Geometry.Range2Len))
	}
	if err := d.Geometry.Validate(); err != nil {
		return nil, Fallback(err)
	}

	d.UpstreamState = UpstreamConnected

	pending := d.PendingDownstreamRequests
	d.PendingDownstreamRequests = nil

	var out []Outbound
	for _, po := range pending {
		var replayed []Outbound
		var err error
		switch req := po.Request.(type) {
		case *sv2.OpenStandardMiningChannel:
			replayed, err = m.openStandardChannel(po.Downstream, req)
		case *sv2.OpenExtendedMiningChannel:
			replayed, err = m.openExtendedChannel(po.Downstream, req)
		}
		if err != nil {
			m.logger.Warn("replaying parked channel open failed", zap.Uint32("downstream", uint32(po.Downstream)), zap.Error(err))
			continue
		}
		out = append(out, replayed...)
	}
	return out, nil
}

// onUpstreamExtranoncePrefix re-bases the upstream-assigned prefix. Open
// downstream channels keep their already-derived prefixes (shares against
// old jobs stay verifiable); channels opened from here on derive from the
// new base.
func (m *Manager) onUpstreamExtranoncePrefix(p *sv2.SetExtranoncePrefix) ([]Outbound, error) {
	d := m.data
	d.UpstreamExtranoncePrefix = p.ExtranoncePrefix
	d.Geometry.Range0Len = len(p.ExtranoncePrefix)
	if err := d.Geometry.Validate(); err != nil {
		return nil, Fallback(err)
	}
	return nil, nil
}

// onUpstreamExtendedJob is the JDC/Translator side of receiving work from
// its own upstream (Pool or JDC). It re-homes the job under every locally
// opened channel: each group channel (one per downstream connection, holding
// its standard and extended channels) gets one broadcast job, and any
// extended channel outside a group gets the job addressed to it directly.
func (m *Manager) onUpstreamExtendedJob(p *sv2.NewExtendedMiningJob) ([]Outbound, error) {
	d := m.data
	active := &channel.ActiveJob{
		JobId:            channel.JobId(p.JobId),
		Version:          p.Version,
		CoinbaseTxPrefix: p.CoinbaseTxPrefix,
		CoinbaseTxSuffix: p.CoinbaseTxSuffix,
		MerklePath:       p.MerklePath,
		IsFuture:         p.MinNTime == nil,
		CreatedAt:        time.Now(),
	}
	if d.CurrentTip != nil {
		active.PrevHash = d.CurrentTip.PrevHash
		active.NBits = d.CurrentTip.NBits
	}

	out := make([]Outbound, 0, len(d.GroupChannels)+len(d.Channels))

	for groupId, group := range d.GroupChannels {
		members := d.ChannelsInGroup(groupId)
		if len(members) == 0 {
			continue
		}
		for _, ch := range members {
			ch.AddJob(active)
		}
		out = append(out, ToGroup(groupId, &sv2.NewExtendedMiningJob{
			ChannelId:        uint32(group.Id),
			JobId:            p.JobId,
			Version:          p.Version,
			CoinbaseTxPrefix: p.CoinbaseTxPrefix,
			CoinbaseTxSuffix: p.CoinbaseTxSuffix,
			MerklePath:       p.MerklePath,
		}))
	}

	for _, ch := range d.Channels {
		if ch.Kind != channel.KindExtended || ch.GroupChannelId != 0 {
			continue
		}
		ch.AddJob(active)
		out = append(out, ToDownstream(ch.Downstream, &sv2.NewExtendedMiningJob{
			ChannelId:        uint32(ch.Id),
			JobId:            p.JobId,
			Version:          p.Version,
			CoinbaseTxPrefix: p.CoinbaseTxPrefix,
			CoinbaseTxSuffix: p.CoinbaseTxSuffix,
			MerklePath:       p.MerklePath,
		}))
	}
	return out, nil
}

func (m *Manager) onUpstreamPrevHash(p *sv2.SetNewPrevHash) ([]Outbound, error) {
	d := m.data
	d.CurrentTip = &ChainTip{
		PrevHash:    p.PrevHash,
		MinNTime:    p.MinNTime,
		NBits:       p.NBits,
		ActivatedAt: time.Now(),
	}

	out := make([]Outbound, 0, len(d.GroupChannels)+len(d.Channels))
	for groupId, group := range d.GroupChannels {
		for _, ch := range d.ChannelsInGroup(groupId) {
			ch.PruneJobsBefore(time.Now().Add(-2 * time.Minute))
		}
		out = append(out, ToGroup(groupId, &sv2.SetNewPrevHash{
			ChannelId: uint32(group.Id),
			JobId:     p.JobId,
			PrevHash:  p.PrevHash,
			MinNTime:  p.MinNTime,
			NBits:     p.NBits,
		}))
	}
	for _, ch := range d.Channels {
		if ch.Kind != channel.KindExtended || ch.GroupChannelId != 0 {
			continue
		}
		ch.PruneJobsBefore(time.Now().Add(-2 * time.Minute))
		out = append(out, ToDownstream(ch.Downstream, &sv2.SetNewPrevHash{
			ChannelId: uint32(ch.Id),
			JobId:     p.JobId,
			PrevHash:  p.PrevHash,
			MinNTime:  p.MinNTime,
			NBits:     p.NBits,
		}))
	}
	return out, nil
}

// onUpstreamSetTarget applies an upstream difficulty ceiling. Propagation to
// downstream channels is gated on PropagateUpstreamTarget: when unset, the
// upstream's own channel (not any one downstream channel) absorbs the
// tightened target and per-channel vardiff keeps governing downstream
// targets independently. When set, every downstream channel whose effective
// target actually changes gets its own SetTarget.
func (m *Manager) onUpstreamSetTarget(p *sv2.SetTarget) ([]Outbound, error) {
	d := m.data
	d.UpstreamTarget = p.MaxTarget
	if !d.PropagateUpstreamTarget {
		return nil, nil
	}

	out := make([]Outbound, 0, len(d.Channels))
	for _, ch := range d.Channels {
		if ch.Target == p.MaxTarget {
			continue
		}
		ch.Target = p.MaxTarget
		out = append(out, ToDownstream(ch.Downstream, &sv2.SetTarget{
			ChannelId: uint32(ch.Id),
			MaxTarget: p.MaxTarget,
		}))
	}
	return out, nil
}

func (m *Manager) onUpstreamSharesSuccess(p *sv2.SubmitSharesSuccess) ([]Outbound, error) {
	ch, ok := m.data.Channels[channel.ChannelId(p.ChannelId)]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: SubmitSharesSuccess for unknown channel %d", p.ChannelId))
	}
	return []Outbound{ToDownstream(ch.Downstream, p)}, nil
}

func (m *Manager) onUpstreamSharesError(p *sv2.SubmitSharesError) ([]Outbound, error) {
	ch, ok := m.data.Channels[channel.ChannelId(p.ChannelId)]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: SubmitSharesError for unknown channel %d", p.ChannelId))
	}
	return []Outbound{ToDownstream(ch.Downstream, p)}, nil
}

// onCustomJobSuccess confirms a declared job was accepted and applied to the
// upstream channel. It records the template->job mapping so later share
// resubmission can be traced back to the template that produced it, and
// evicts every other in-flight declaration for the same template: the
// upstream only ever applies one job per template, so a stale concurrent
// declaration for the same template can no longer be confirmed.
func (m *Manager) onCustomJobSuccess(p *sv2.SetCustomMiningJobSuccess) ([]Outbound, error) {
	d := m.data
	reqId := channel.RequestId(p.RequestId)
	dj, ok := d.DeclaredJobs[reqId]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: SetCustomMiningJobSuccess for unknown request %d", p.RequestId))
	}
	dj.Confirmed = true
	jobId := channel.JobId(p.JobId)
	d.TemplateIdToUpstreamJobId[dj.TemplateId] = jobId
	d.UpstreamActiveJobId = jobId

	for id, other := range d.DeclaredJobs {
		if id != reqId && other.TemplateId == dj.TemplateId {
			delete(d.DeclaredJobs, id)
		}
	}
	return nil, nil
}

func (m *Manager) onCustomJobError(p *sv2.SetCustomMiningJobError) ([]Outbound, error) {
	d := m.data
	delete(d.DeclaredJobs, channel.RequestId(p.RequestId))
	// The custom job was rejected: the JDS/upstream can no longer be trusted
	// to apply this role's declared work, so the Fallback Coordinator must
	// rotate away from it rather than silently keep submitting declarations
	// that will also be rejected.
	return nil, Fallback(fmt.Errorf("manager: custom mining job rejected: %s", p.Reason))
}
