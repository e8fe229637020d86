// Package vardiff implements variable-difficulty target adjustment for the
// Translator's per-downstream SV1 difficulty governance, plus the
// ShareDifficulty estimate the Channel Manager's share accounting uses.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// DefaultDifficulty is the starting difficulty handed to a V1 session
// before its first retarget, matching the value new Stratum V1 pools
// conventionally open at.
const DefaultDifficulty = 1.0

// Config holds VarDiff tuning parameters, generalized over an arbitrary
// channel rather than a named worker.
type Config struct {
	InitialDifficulty float64
	MinDifficulty     float64
	MaxDifficulty     float64
	TargetShareTime   time.Duration
	RetargetTime      time.Duration
	VariancePercent   float64
}

// VarDiff computes retarget decisions against a Config.
type VarDiff struct {
	config Config
}

// State tracks recent share timing for one channel or SV1 session.
type State struct {
	CurrentDifficulty float64
	ShareTimes        []time.Time
	LastRetargetTime  time.Time
	TotalShares       int64
	mu                sync.Mutex
}

// New creates a VarDiff calculator.
func New(cfg Config) *VarDiff {
	return &VarDiff{config: cfg}
}

// NewState creates fresh difficulty tracking state.
func NewState(initialDiff float64) *State {
	return &State{
		CurrentDifficulty: initialDiff,
		ShareTimes:        make([]time.Time, 0, 100),
		LastRetargetTime:  time.Now(),
	}
}

// RecordShare records a share submission timestamp.
func (s *State) RecordShare(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ShareTimes = append(s.ShareTimes, t)
	s.TotalShares++

	if len(s.ShareTimes) > 100 {
		s.ShareTimes = s.ShareTimes[len(s.ShareTimes)-100:]
	}
}

// AverageShareTime returns the mean time between the last 100 shares.
func (s *State) AverageShareTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ShareTimes) < 2 {
		return 0
	}

	total := s.ShareTimes[len(s.ShareTimes)-1].Sub(s.ShareTimes[0])
	count := len(s.ShareTimes) - 1
	return total / time.Duration(count)
}

// ShouldRetarget reports whether enough time has passed since the last
// retarget to recompute difficulty.
func (v *VarDiff) ShouldRetarget(s *State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastRetargetTime) >= v.config.RetargetTime
}

// CalculateNewDifficulty computes a new difficulty for the channel/session,
// clamped to a 4x change rate and the configured min/max bounds, and
// suppressed if the change would be below a 5% significance threshold.
func (v *VarDiff) CalculateNewDifficulty(s *State) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ShareTimes) < 2 {
		return s.CurrentDifficulty, false
	}

	total := s.ShareTimes[len(s.ShareTimes)-1].Sub(s.ShareTimes[0])
	count := len(s.ShareTimes) - 1
	avg := total / time.Duration(count)

	target := v.config.TargetShareTime
	variance := v.config.VariancePercent / 100.0

	lower := time.Duration(float64(target) * (1 - variance))
	upper := time.Duration(float64(target) * (1 + variance))

	if avg >= lower && avg <= upper {
		return s.CurrentDifficulty, false
	}

	ratio := float64(target) / float64(avg)
	newDiff := s.CurrentDifficulty * ratio

	maxIncrease := s.CurrentDifficulty * 4
	maxDecrease := s.CurrentDifficulty / 4
	if newDiff > maxIncrease {
		newDiff = maxIncrease
	} else if newDiff < maxDecrease {
		newDiff = maxDecrease
	}

	if newDiff < v.config.MinDifficulty {
		newDiff = v.config.MinDifficulty
	} else if newDiff > v.config.MaxDifficulty {
		newDiff = v.config.MaxDifficulty
	}

	if math.Abs(newDiff-s.CurrentDifficulty)/s.CurrentDifficulty < 0.05 {
		return s.CurrentDifficulty, false
	}

	s.CurrentDifficulty = newDiff
	s.LastRetargetTime = time.Now()
	s.ShareTimes = s.ShareTimes[:0]

	return newDiff, true
}

// ShareDifficulty estimates the difficulty implied by a share hash.
func ShareDifficulty(hash []byte) float64 {
	if len(hash) != 32 {
		return 0
	}

	reversed := make([]byte, 32)
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}

	var offset int
	for i := 0; i < 32; i++ {
		if reversed[i] != 0 {
			offset = i
			break
		}
	}

	var significant uint64
	for i := 0; i < 8 && offset+i < 32; i++ {
		significant = (significant << 8) | uint64(reversed[offset+i])
	}

	if significant == 0 {
		return math.MaxFloat64
	}

	leadingZeros := offset * 8
	diff1Prefix := uint64(0xFFFF) << 48
	hashPrefix := significant << uint(64-8*minInt(8, 32-offset))

	return float64(diff1Prefix) / float64(hashPrefix) * math.Pow(2, float64(leadingZeros-32))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
