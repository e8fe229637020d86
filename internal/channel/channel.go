package channel

import (
	"fmt"
	"time"
)

// MaxExtranonceLen bounds the total extranonce space (prefix + engine +
// delegated) that can be carried in a single SV2 extended job.
const MaxExtranonceLen = 32

// ExtranonceGeometry partitions the extranonce address space into three
// ranges: range_0 is the fixed prefix assigned by the upstream (pool/JDS),
// range_1 is this engine's own search space, and range_2 is delegated to
// the downstream miner to search freely.
type ExtranonceGeometry struct {
	Range0Len int // upstream-assigned prefix
	Range1Len int // this engine's counter space
	Range2Len int // delegated to the downstream
}

// Total returns the combined extranonce length.
func (g ExtranonceGeometry) Total() int {
	return g.Range0Len + g.Range1Len + g.Range2Len
}

// Validate checks the geometry fits within MaxExtranonceLen.
func (g ExtranonceGeometry) Validate() error {
	if g.Total() > MaxExtranonceLen {
		return fmt.Errorf("channel: extranonce geometry %d exceeds max %d", g.Total(), MaxExtranonceLen)
	}
	if g.Range0Len < 0 || g.Range1Len < 0 || g.Range2Len < 0 {
		return fmt.Errorf("channel: extranonce geometry has a negative range")
	}
	return nil
}

// Kind distinguishes standard from extended channels.
type Kind int

const (
	KindStandard Kind = iota
	KindExtended
)

// Channel is the common state shared by standard and extended channels.
type Channel struct {
	Id               ChannelId
	Downstream       DownstreamId
	Server           ServerId
	Kind             Kind
	UserIdentity     string
	NominalHashrate  float32
	MaxTarget        [32]byte
	Target           [32]byte
	ExtranoncePrefix []byte
	Geometry         ExtranonceGeometry // zero value for standard channels
	GroupChannelId   ChannelId          // 0 if ungrouped
	RequiresStandardJobs bool
	LastJobId        JobId
	ActiveJobs       map[JobId]*ActiveJob
	Accounting       *ShareAccounting
	OpenedAt         time.Time
}

// ActiveJob is a job this channel has been told about and can still accept
// shares against, until it falls outside the stale-job window.
type ActiveJob struct {
	JobId            JobId
	TemplateId       TemplateId
	Version          uint32
	PrevHash         [32]byte
	MinNTime         uint32
	NBits            uint32
	CoinbaseTxPrefix []byte
	CoinbaseTxSuffix []byte
	MerklePath       [][]byte
	IsFuture         bool
	CreatedAt        time.Time
}

// NewChannel constructs a Channel with initialized maps and accounting.
func NewChannel(id ChannelId, downstream DownstreamId, server ServerId, kind Kind, userIdentity string, nominalHashrate float32, maxTarget [32]byte) *Channel {
	return &Channel{
		Id:              id,
		Downstream:      downstream,
		Server:          server,
		Kind:            kind,
		UserIdentity:    userIdentity,
		NominalHashrate: nominalHashrate,
		MaxTarget:       maxTarget,
		Target:          maxTarget,
		ActiveJobs:      make(map[JobId]*ActiveJob),
		Accounting:      NewShareAccounting(),
		OpenedAt:        time.Now(),
	}
}

// AddJob records a job the channel can now accept shares against.
func (c *Channel) AddJob(job *ActiveJob) {
	c.ActiveJobs[job.JobId] = job
	if !job.IsFuture {
		c.LastJobId = job.JobId
	}
}

// Job looks up an active job by id.
func (c *Channel) Job(id JobId) (*ActiveJob, bool) {
	j, ok := c.ActiveJobs[id]
	return j, ok
}

// PruneJobsBefore discards active jobs older than cutoff, keeping at least
// the most recently issued job so a channel never has zero valid jobs.
func (c *Channel) PruneJobsBefore(cutoff time.Time) {
	for id, job := range c.ActiveJobs {
		if id == c.LastJobId {
			continue
		}
		if job.CreatedAt.Before(cutoff) {
			delete(c.ActiveJobs, id)
		}
	}
}

// GroupChannel addresses a broadcast fan-out target: one per downstream
// connection, grouping that connection's standard and extended channels so the manager
// can send NewExtendedMiningJob once per group instead of once per channel.
type GroupChannel struct {
	Id         ChannelId
	Downstream DownstreamId
	Server     ServerId
	ChannelIds map[ChannelId]struct{}
	LastJobId  JobId
}

// NewGroupChannel constructs an empty group channel.
func NewGroupChannel(id ChannelId, downstream DownstreamId, server ServerId) *GroupChannel {
	return &GroupChannel{
		Id:         id,
		Downstream: downstream,
		Server:     server,
		ChannelIds: make(map[ChannelId]struct{}),
	}
}

// Add attaches a channel to this group.
func (g *GroupChannel) Add(id ChannelId) {
	g.ChannelIds[id] = struct{}{}
}

// Remove detaches a channel from this group.
func (g *GroupChannel) Remove(id ChannelId) {
	delete(g.ChannelIds, id)
}

// Empty reports whether the group has no member channels left.
func (g *GroupChannel) Empty() bool {
	return len(g.ChannelIds) == 0
}

// ShareAccounting tracks batch-ack bookkeeping for one channel: the last
// acknowledged sequence number, a running accepted/rejected tally, the best
// difficulty seen, per-batch snapshots, and a dedup window over recently
// seen (job, nonce, ntime, extranonce2) tuples.
type ShareAccounting struct {
	LastAckedSequenceNo uint32
	SubmittedCount      uint64
	AcceptedCount       uint64
	AcceptedDifficultySum float64
	RejectedCount       uint64
	StaleCount          uint64
	BestDifficulty      float64

	// LastBatch* snapshot the running counters at the most recent batch
	// boundary, so a batch ack can report the delta accepted in that batch
	// rather than the lifetime totals.
	LastBatchAcceptedCount uint64
	LastBatchDifficultySum float64

	seen                map[shareKey]struct{}
	seenOrder           []shareKey
}

type shareKey struct {
	jobId       JobId
	nonce       uint32
	ntime       uint32
	extranonce2 string
}

// dedupWindow bounds how many recent share keys are remembered per channel.
const dedupWindow = 4096

// NewShareAccounting creates empty accounting state.
func NewShareAccounting() *ShareAccounting {
	return &ShareAccounting{
		seen: make(map[shareKey]struct{}),
	}
}

// RecordSubmitted counts one share arriving, before any validation outcome
// is known.
func (a *ShareAccounting) RecordSubmitted() {
	a.SubmittedCount++
}

// SequenceRegressed reports whether a share's sequence number fails the
// strictly-increasing requirement for this channel.
func (a *ShareAccounting) SequenceRegressed(sequenceNo uint32) bool {
	return a.SubmittedCount > 1 && sequenceNo <= a.LastAckedSequenceNo
}

// SeenBefore reports whether this exact share was already submitted and,
// if not, records it.
func (a *ShareAccounting) SeenBefore(jobId JobId, nonce, ntime uint32, extranonce2 []byte) bool {
	key := shareKey{jobId: jobId, nonce: nonce, ntime: ntime, extranonce2: string(extranonce2)}
	if _, ok := a.seen[key]; ok {
		return true
	}
	a.seen[key] = struct{}{}
	a.seenOrder = append(a.seenOrder, key)
	if len(a.seenOrder) > dedupWindow {
		oldest := a.seenOrder[0]
		a.seenOrder = a.seenOrder[1:]
		delete(a.seen, oldest)
	}
	return false
}

// RecordAccepted folds one accepted share into the running tally.
func (a *ShareAccounting) RecordAccepted(sequenceNo uint32, difficulty float64) {
	a.AcceptedCount++
	a.AcceptedDifficultySum += difficulty
	if difficulty > a.BestDifficulty {
		a.BestDifficulty = difficulty
	}
	if sequenceNo > a.LastAckedSequenceNo {
		a.LastAckedSequenceNo = sequenceNo
	}
}

// SnapshotBatch closes the current batch: it returns the accepted count and
// work sum accumulated since the previous boundary and rolls the LastBatch*
// snapshots forward to the current running totals.
func (a *ShareAccounting) SnapshotBatch() (accepted uint64, workSum float64) {
	accepted = a.AcceptedCount - a.LastBatchAcceptedCount
	workSum = a.AcceptedDifficultySum - a.LastBatchDifficultySum
	a.LastBatchAcceptedCount = a.AcceptedCount
	a.LastBatchDifficultySum = a.AcceptedDifficultySum
	return accepted, workSum
}

// RecordRejected folds one rejected share into the running tally.
func (a *ShareAccounting) RecordRejected(stale bool) {
	if stale {
		a.StaleCount++
	} else {
		a.RejectedCount++
	}
}
