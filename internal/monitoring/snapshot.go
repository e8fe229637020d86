// Package monitoring implements the Monitoring Snapshot (component J): a
// periodic, read-only copy of Channel Manager state into an atomic
// snapshot, plus the JSON/Prometheus HTTP surface (external collaborators)
// that read it. Readers never touch the Channel Manager's coarse mutex
// directly; they clone cheap primitive fields through Manager.WithData on a
// ticker and then serve entirely from the cached copy, satisfying the "must
// not block the dispatch loop" requirement of spec §4.G.
package monitoring

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/manager"

	"go.uber.org/zap"
)

// ChannelSnapshot is the read-only view of one channel exposed to API
// consumers.
type ChannelSnapshot struct {
	Id                channel.ChannelId
	GroupChannelId     channel.ChannelId
	Downstream        channel.DownstreamId
	Kind              string
	UserIdentity      string
	NominalHashrate   float32
	SharesSubmitted   uint64
	SharesAccepted    uint64
	SharesRejected    uint64
	SharesStale       uint64
	AcceptedWorkSum   float64
	BestDifficulty    float64
	OpenedAt          time.Time
}

// ClientSnapshot groups every channel opened by one downstream connection,
// the unit the "clients[/{id}]" monitoring route reports on.
type ClientSnapshot struct {
	DownstreamId channel.DownstreamId
	ChannelCount int
	Channels     []ChannelSnapshot
}

// Snapshot is the full point-in-time copy served by the HTTP API.
type Snapshot struct {
	TakenAt       time.Time
	Role          string
	ChannelsOpen  int
	Channels      []ChannelSnapshot
	Clients       []ClientSnapshot
	CurrentTipSet bool
}

// Collector owns the ticker that refreshes the cached Snapshot from a
// Manager's Data without ever holding the manager's mutex across I/O.
type Collector struct {
	mgr             *manager.Manager
	logger          *zap.Logger
	refreshInterval time.Duration

	current  atomic.Value // holds *Snapshot
	hashrate *hashrateTracker
}

// NewCollector constructs a Collector over mgr. refreshInterval defaults to
// 15 seconds, the spec's documented default, when zero.
func NewCollector(mgr *manager.Manager, logger *zap.Logger, refreshInterval time.Duration) *Collector {
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Second
	}
	c := &Collector{mgr: mgr, logger: logger.Named("monitoring"), refreshInterval: refreshInterval, hashrate: newHashrateTracker()}
	c.current.Store(&Snapshot{TakenAt: time.Now()})
	return c
}

// Run refreshes the cached snapshot on a ticker until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	c.refresh()
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh()
		}
	}
}

func (c *Collector) refresh() {
	var snap Snapshot
	c.mgr.WithData(func(d *manager.Data) {
		snap = buildSnapshot(d)
	})
	c.hashrate.update(snap.Channels, snap.TakenAt)
	c.current.Store(&snap)
}

// buildSnapshot clones the primitive fields of Data the API needs; it is
// always called with the manager's mutex held and must not block.
func buildSnapshot(d *manager.Data) Snapshot {
	clientsByDownstream := make(map[channel.DownstreamId]*ClientSnapshot)
	channels := make([]ChannelSnapshot, 0, len(d.Channels))

	for _, ch := range d.Channels {
		kind := "standard"
		if ch.Kind == channel.KindExtended {
			kind = "extended"
		}
		cs := ChannelSnapshot{
			Id:                ch.Id,
			GroupChannelId:    ch.GroupChannelId,
			Downstream:        ch.Downstream,
			Kind:              kind,
			UserIdentity:      ch.UserIdentity,
			NominalHashrate:   ch.NominalHashrate,
			OpenedAt:          ch.OpenedAt,
			AcceptedWorkSum:   ch.Accounting.AcceptedDifficultySum,
			BestDifficulty:    ch.Accounting.BestDifficulty,
			SharesSubmitted:   ch.Accounting.SubmittedCount,
			SharesAccepted:    ch.Accounting.AcceptedCount,
			SharesRejected:    ch.Accounting.RejectedCount,
			SharesStale:       ch.Accounting.StaleCount,
		}
		channels = append(channels, cs)

		cl, ok := clientsByDownstream[ch.Downstream]
		if !ok {
			cl = &ClientSnapshot{DownstreamId: ch.Downstream}
			clientsByDownstream[ch.Downstream] = cl
		}
		cl.Channels = append(cl.Channels, cs)
		cl.ChannelCount++
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].Id < channels[j].Id })

	clients := make([]ClientSnapshot, 0, len(clientsByDownstream))
	for _, cl := range clientsByDownstream {
		sort.Slice(cl.Channels, func(i, j int) bool { return cl.Channels[i].Id < cl.Channels[j].Id })
		clients = append(clients, *cl)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].DownstreamId < clients[j].DownstreamId })

	return Snapshot{
		TakenAt:       time.Now(),
		Role:          d.Role.String(),
		ChannelsOpen:  len(d.Channels),
		Channels:      channels,
		Clients:       clients,
		CurrentTipSet: d.CurrentTip != nil,
	}
}

// Current returns the most recently collected snapshot; safe for
// concurrent use by many HTTP handlers.
func (c *Collector) Current() *Snapshot {
	return c.current.Load().(*Snapshot)
}

// ClientById finds one client's snapshot by downstream id.
func (s *Snapshot) ClientById(id channel.DownstreamId) (ClientSnapshot, bool) {
	for _, cl := range s.Clients {
		if cl.DownstreamId == id {
			return cl, true
		}
	}
	return ClientSnapshot{}, false
}

// Paginate slices a client list by offset/limit, clamping per the spec's
// documented defaults (offset=0, limit=25, max 100).
func Paginate(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}
