package vardiff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialDifficulty: 1.0,
		MinDifficulty:     0.001,
		MaxDifficulty:     1000000.0,
		TargetShareTime:   10 * time.Second,
		RetargetTime:      90 * time.Second,
		VariancePercent:   30,
	}
}

func TestNewStateStartsAtInitialDifficulty(t *testing.T) {
	s := NewState(2.5)
	require.Equal(t, 2.5, s.CurrentDifficulty)
	require.Equal(t, int64(0), s.TotalShares)
}

func TestRecordShareTracksTotalAndCapsHistory(t *testing.T) {
	s := NewState(1.0)
	base := time.Now()
	for i := 0; i < 150; i++ {
		s.RecordShare(base.Add(time.Duration(i) * time.Second))
	}
	require.Equal(t, int64(150), s.TotalShares)
	require.Len(t, s.ShareTimes, 100)
}

func TestAverageShareTimeNeedsAtLeastTwoSamples(t *testing.T) {
	s := NewState(1.0)
	require.Equal(t, time.Duration(0), s.AverageShareTime())
	s.RecordShare(time.Now())
	require.Equal(t, time.Duration(0), s.AverageShareTime())
}

func TestCalculateNewDifficultyNoChangeWithinVariance(t *testing.T) {
	v := New(testConfig())
	s := NewState(1.0)
	base := time.Now()
	s.RecordShare(base)
	s.RecordShare(base.Add(10 * time.Second))
	_, changed := v.CalculateNewDifficulty(s)
	require.False(t, changed, "share timing matching the target should not trigger a retarget")
}

func TestCalculateNewDifficultyIncreasesWhenSharesComeTooFast(t *testing.T) {
	v := New(testConfig())
	s := NewState(1.0)
	base := time.Now()
	s.RecordShare(base)
	s.RecordShare(base.Add(1 * time.Second))
	newDiff, changed := v.CalculateNewDifficulty(s)
	require.True(t, changed)
	require.Greater(t, newDiff, 1.0)
}

func TestCalculateNewDifficultyDecreasesWhenSharesComeTooSlow(t *testing.T) {
	v := New(testConfig())
	s := NewState(1.0)
	base := time.Now()
	s.RecordShare(base)
	s.RecordShare(base.Add(60 * time.Second))
	newDiff, changed := v.CalculateNewDifficulty(s)
	require.True(t, changed)
	require.Less(t, newDiff, 1.0)
}

func TestCalculateNewDifficultyClampsToMaxChangeRate(t *testing.T) {
	cfg := testConfig()
	v := New(cfg)
	s := NewState(1.0)
	base := time.Now()
	s.RecordShare(base)
	s.RecordShare(base.Add(time.Millisecond)) // share time near zero -> huge ratio
	newDiff, changed := v.CalculateNewDifficulty(s)
	require.True(t, changed)
	require.LessOrEqual(t, newDiff, 4.0)
}

func TestCalculateNewDifficultyRespectsConfiguredBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDifficulty = 2.0
	v := New(cfg)
	s := NewState(1.0)
	base := time.Now()
	s.RecordShare(base)
	s.RecordShare(base.Add(time.Millisecond))
	newDiff, changed := v.CalculateNewDifficulty(s)
	require.True(t, changed)
	require.LessOrEqual(t, newDiff, 2.0)
}

func TestShouldRetargetHonorsRetargetTime(t *testing.T) {
	v := New(testConfig())
	s := NewState(1.0)
	s.LastRetargetTime = time.Now()
	require.False(t, v.ShouldRetarget(s))

	s.LastRetargetTime = time.Now().Add(-2 * time.Minute)
	require.True(t, v.ShouldRetarget(s))
}

func TestShareDifficultyRejectsWrongLength(t *testing.T) {
	require.Equal(t, float64(0), ShareDifficulty([]byte{0x01}))
}

func TestShareDifficultyOfAllZeroHashIsMaximal(t *testing.T) {
	hash := make([]byte, 32)
	require.Equal(t, math.MaxFloat64, ShareDifficulty(hash))
}
