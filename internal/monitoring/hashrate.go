package monitoring

import (
	"strconv"
	"time"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/prometheus/client_golang/prometheus"
)

// channelHashrate is a Prometheus gauge vec reporting estimated hashrate
// per channel, adapted from the teacher's per-worker "stratum_worker_hashrate"
// gauge: difficulty accepted since the last refresh, divided by the
// elapsed wall-clock time, converted to hashes/sec assuming difficulty 1
// represents 2^32 hashes.
var channelHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sv2_channel_hashrate",
	Help: "Estimated hashrate per channel, derived from accepted share difficulty",
}, []string{"channel_id", "user_identity"})

func init() {
	prometheus.MustRegister(channelHashrate)
}

// hashrateTracker remembers the last observed accepted-difficulty sum per
// channel so consecutive refreshes can derive a rate instead of a
// cumulative total.
type hashrateTracker struct {
	lastSum  map[channel.ChannelId]float64
	lastAt   map[channel.ChannelId]time.Time
	identity map[channel.ChannelId]string
}

func newHashrateTracker() *hashrateTracker {
	return &hashrateTracker{
		lastSum:  make(map[channel.ChannelId]float64),
		lastAt:   make(map[channel.ChannelId]time.Time),
		identity: make(map[channel.ChannelId]string),
	}
}

// update recomputes and publishes the hashrate gauge for every channel in
// the snapshot, then prunes gauges for channels that disappeared.
func (h *hashrateTracker) update(channels []ChannelSnapshot, now time.Time) {
	seen := make(map[channel.ChannelId]bool, len(channels))
	for _, ch := range channels {
		seen[ch.Id] = true
		prevSum, hadPrev := h.lastSum[ch.Id]
		prevAt, hadAt := h.lastAt[ch.Id]
		h.lastSum[ch.Id] = ch.AcceptedWorkSum
		h.lastAt[ch.Id] = now
		h.identity[ch.Id] = ch.UserIdentity

		if !hadPrev || !hadAt {
			continue
		}
		elapsed := now.Sub(prevAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		deltaDiff := ch.AcceptedWorkSum - prevSum
		if deltaDiff < 0 {
			deltaDiff = 0
		}
		hashrate := deltaDiff * 4294967296.0 / elapsed
		channelHashrate.WithLabelValues(idString(ch.Id), ch.UserIdentity).Set(hashrate)
	}

	for id := range h.lastSum {
		if !seen[id] {
			channelHashrate.DeleteLabelValues(idString(id), h.identity[id])
			delete(h.lastSum, id)
			delete(h.lastAt, id)
			delete(h.identity, id)
		}
	}
}

func idString(id channel.ChannelId) string {
	return strconv.FormatUint(uint64(id), 10)
}
