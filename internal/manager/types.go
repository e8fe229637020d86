// Package manager implements the Channel Manager: the single coarse-locked
// dispatch loop shared by the Pool, Job Declarator Client, and Translator
// roles, plus its Job Factory collaborator.
package manager

import (
	"time"

	"github.com/sv2pool/engine/internal/channel"
)

// Template is one block template received from the Template Source.
type Template struct {
	Id                    channel.TemplateId
	Future                bool
	Version               uint32
	CoinbaseTxVersion     uint32
	CoinbasePrefix        []byte
	CoinbaseTxInputSeq    uint32
	CoinbaseValueRemaining uint64
	CoinbaseTxOutputs     []byte
	CoinbaseTxLocktime    uint32
	MerklePath            [][]byte
	// Transactions is the full transaction set, filled in lazily by a
	// RequestTransactionDataSuccess (JDC full-template mode only).
	Transactions          [][]byte
	ReceivedAt            time.Time
}

// ChainTip is the most recently activated prev-hash/target pair.
type ChainTip struct {
	TemplateId channel.TemplateId
	PrevHash   [32]byte
	MinNTime   uint32
	NBits      uint32
	Target     [32]byte
	ActivatedAt time.Time
}

// JobMode records how a JDC declared a job, governing whether it can fall
// back to pool-supplied work if declaration fails.
type JobMode int

const (
	JobModeFullTemplate JobMode = iota
	JobModeCoinbaseOnly
	JobModeSoloMining
)

// DeclaredJob tracks a job declared to a Job Declarator Server by a JDC,
// until it is confirmed, superseded, or expired.
type DeclaredJob struct {
	RequestId   channel.RequestId
	TemplateId  channel.TemplateId
	Token       []byte
	MiningToken []byte
	Mode        JobMode
	DeclaredAt  time.Time
	Confirmed   bool
}

// declarationTTL bounds how long an unconfirmed declaration is kept before
// ExpireStaleDeclarations drops it; dropping it triggers no other action.
const declarationTTL = 10 * time.Second

// Expired reports whether this declaration has outlived declarationTTL
// without being confirmed.
func (d *DeclaredJob) Expired(now time.Time) bool {
	return !d.Confirmed && now.Sub(d.DeclaredAt) > declarationTTL
}

// Role distinguishes which of the three cooperating binaries this Channel
// Manager instance is running as; a handful of handlers branch on it (the
// Pool never runs an Upstream Client, the JDC additionally talks to a Job
// Declarator Server, the Translator downstream is SV1 rather than SV2).
type Role int

const (
	RolePool Role = iota
	RoleJDC
	RoleTranslator
)

func (r Role) String() string {
	switch r {
	case RolePool:
		return "pool"
	case RoleJDC:
		return "jdc"
	case RoleTranslator:
		return "translator"
	default:
		return "unknown"
	}
}

// UpstreamChannelState tracks the lifecycle of this role's single upstream
// mining channel: JDC/Translator start with no channel, move to pending when
// the first downstream request triggers an OpenExtendedMiningChannel
// upstream, and reach connected once the Success arrives. The Pool is born
// connected since it is its own upstream.
type UpstreamChannelState int

const (
	UpstreamNoChannel UpstreamChannelState = iota
	UpstreamPending
	UpstreamConnected
)

func (s UpstreamChannelState) String() string {
	switch s {
	case UpstreamNoChannel:
		return "no_channel"
	case UpstreamPending:
		return "pending"
	case UpstreamConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// PendingOpen is one downstream open-channel request parked until the
// upstream channel reaches UpstreamConnected. Request holds the original
// *sv2.OpenStandardMiningChannel or *sv2.OpenExtendedMiningChannel.
type PendingOpen struct {
	Downstream channel.DownstreamId
	Request    interface{}
}

// Data is the single coarse-locked struct the Channel Manager's dispatch
// loop mutates. Every handler receives *Data already under the manager's
// mutex and must not perform blocking I/O while holding it: compute what to
// send, return Outbound values, and let the dispatch loop emit them
// after the lock is released.
type Data struct {
	Role Role

	CurrentTip *ChainTip
	Templates  map[channel.TemplateId]*Template
	FutureTemplates map[channel.TemplateId]*Template

	Channels      map[channel.ChannelId]*channel.Channel
	GroupChannels map[channel.ChannelId]*channel.GroupChannel
	// DownstreamGroup maps a downstream connection to the group channel the
	// manager allocated for it (one group per downstream, per design notes).
	DownstreamGroup map[channel.DownstreamId]channel.ChannelId

	DeclaredJobs map[channel.RequestId]*DeclaredJob
	// TemplateIdToUpstreamJobId records, for a JDC, which upstream job id a
	// declared job was assigned once SetCustomMiningJobSuccess confirms it,
	// so a later declaration for the same template can be told apart from a
	// stale one still in flight.
	TemplateIdToUpstreamJobId map[channel.TemplateId]channel.JobId
	// UpstreamActiveJobId is the job id currently applied to this role's
	// upstream channel, last set by onCustomJobSuccess.
	UpstreamActiveJobId channel.JobId

	// DownstreamStdJobs records, per downstream connection, whether its
	// SetupConnection carried FlagRequiresStandardJobs — distribution must
	// fan a group's standard members individual NewMiningJobs instead of the
	// usual shared NewExtendedMiningJob broadcast for such a downstream.
	DownstreamStdJobs map[channel.DownstreamId]bool

	ChannelIds    *channel.IdFactory
	RequestIds    *channel.IdFactory
	JobIds        *channel.IdFactory
	DownstreamIds *channel.IdFactory

	// SequenceNumbers is the global, atomically increasing counter a JDC or
	// Translator stamps onto SubmitSharesExtended resubmitted to its own
	// upstream, independent of any downstream channel's own sequence space.
	SequenceNumbers *channel.IdFactory
	// UpstreamChannelId is the single extended channel this role's upstream
	// connection mines on: AggregatedChannelId until the upstream's
	// OpenExtendedMiningChannelSuccess replaces it with the granted id (Pool
	// has no upstream and leaves this zero). It is one channel in both tProxy
	// modes; NonAggregated does not open a channel per downstream.
	UpstreamChannelId channel.ChannelId

	// UpstreamState gates downstream open-channel requests: while the
	// upstream channel is not yet connected, requests park in
	// PendingDownstreamRequests and are replayed once
	// OpenExtendedMiningChannelSuccess arrives. The Pool role is born
	// UpstreamConnected.
	UpstreamState UpstreamChannelState
	PendingDownstreamRequests []PendingOpen

	// UpstreamExtranoncePrefix and UpstreamExtranonceSize record the
	// geometry granted by the upstream's OpenExtendedMiningChannelSuccess;
	// UpstreamTarget is the target it set for the upstream channel.
	UpstreamExtranoncePrefix []byte
	UpstreamExtranonceSize   uint16
	UpstreamTarget           [32]byte

	// Mode is the process-wide JDC declaration mode (full-template,
	// coinbase-only, or solo); ignored by the Pool and Translator.
	Mode JobMode

	// AllocateToken is the one unconsumed mining job token granted by the
	// JDS; declareActivatedTemplate spends it and requests the next.
	AllocateToken []byte

	// WorkerIdentityTLV and NonAggregated gate attaching a UserIdentity TLV
	// to upstream-resubmitted shares: only meaningful for JDC/Translator,
	// and only when operating non-aggregated (the upstream otherwise has no
	// way to attribute a share to one downstream worker).
	WorkerIdentityTLV bool
	NonAggregated     bool

	// PropagateUpstreamTarget gates whether a SetTarget received from this
	// role's upstream fans out to downstream channels whose target actually
	// changes, or is absorbed locally (JDC/Translator only).
	PropagateUpstreamTarget bool

	// CurrentServer identifies which upstream-connection generation opened
	// channels belong to; bumped by the Fallback Coordinator on rotation.
	CurrentServer channel.ServerId

	Geometry channel.ExtranonceGeometry

	ShareBatchSize int
}

// NewData constructs empty Channel Manager state for the given role.
func NewData(role Role, geometry channel.ExtranonceGeometry, shareBatchSize int) *Data {
	d := &Data{
		Role:                      role,
		Templates:                 make(map[channel.TemplateId]*Template),
		FutureTemplates:           make(map[channel.TemplateId]*Template),
		Channels:                  make(map[channel.ChannelId]*channel.Channel),
		GroupChannels:             make(map[channel.ChannelId]*channel.GroupChannel),
		DownstreamGroup:           make(map[channel.DownstreamId]channel.ChannelId),
		DeclaredJobs:              make(map[channel.RequestId]*DeclaredJob),
		TemplateIdToUpstreamJobId: make(map[channel.TemplateId]channel.JobId),
		DownstreamStdJobs:         make(map[channel.DownstreamId]bool),
		ChannelIds:                channel.NewIdFactory(),
		RequestIds:                channel.NewIdFactory(),
		JobIds:                    channel.NewIdFactory(),
		DownstreamIds:             channel.NewIdFactory(),
		SequenceNumbers:           channel.NewIdFactory(),
		Geometry:                  geometry,
		ShareBatchSize:            shareBatchSize,
	}
	if role == RolePool {
		d.UpstreamState = UpstreamConnected
	} else {
		d.UpstreamChannelId = channel.AggregatedChannelId
	}
	return d
}

// ChannelsInGroup returns the member channels of a group channel.
func (d *Data) ChannelsInGroup(groupId channel.ChannelId) []*channel.Channel {
	g, ok := d.GroupChannels[groupId]
	if !ok {
		return nil
	}
	out := make([]*channel.Channel, 0, len(g.ChannelIds))
	for id := range g.ChannelIds {
		if c, ok := d.Channels[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ChannelsForDownstream returns every channel opened by one downstream
// connection, used when that connection disconnects.
func (d *Data) ChannelsForDownstream(ds channel.DownstreamId) []*channel.Channel {
	out := make([]*channel.Channel, 0)
	for _, c := range d.Channels {
		if c.Downstream == ds {
			out = append(out, c)
		}
	}
	return out
}

// ChannelsForServer returns every channel opened over a given upstream
// connection generation, used by the Fallback Coordinator to know what
// needs re-homing on rotation.
func (d *Data) ChannelsForServer(srv channel.ServerId) []*channel.Channel {
	out := make([]*channel.Channel, 0)
	for _, c := range d.Channels {
		if c.Server == srv {
			out = append(out, c)
		}
	}
	return out
}
