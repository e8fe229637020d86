package translate

import (
	"testing"
	"time"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/stretchr/testify/require"
)

func TestKeepaliveJobIdRoundTrips(t *testing.T) {
	id := NewKeepaliveJobId(42, 7)
	require.Equal(t, "42#7", id)

	upstream, counter, err := ParseKeepaliveJobId(id)
	require.NoError(t, err)
	require.Equal(t, channel.JobId(42), upstream)
	require.Equal(t, uint32(7), counter)
}

func TestParseKeepaliveJobIdRejectsMalformed(t *testing.T) {
	_, _, err := ParseKeepaliveJobId("nocounter")
	require.Error(t, err)

	_, _, err = ParseKeepaliveJobId("abc#7")
	require.Error(t, err)

	_, _, err = ParseKeepaliveJobId("42#xyz")
	require.Error(t, err)
}

func TestKeepaliveStateRollAdvancesCounterAndNTime(t *testing.T) {
	base := time.Now()
	s := NewKeepaliveState(5, 1000, base)
	require.Equal(t, "5#0", s.CurrentJobId())

	jobId, ntime, ok := s.Roll(base.Add(10 * time.Second))
	require.True(t, ok)
	require.Equal(t, "5#1", jobId)
	require.Equal(t, uint32(1010), ntime)
}

func TestKeepaliveStateRollRefusesBeyondMaxAge(t *testing.T) {
	base := time.Now()
	s := NewKeepaliveState(5, 1000, base)
	_, _, ok := s.Roll(base.Add(3 * time.Hour))
	require.False(t, ok)
}

func TestBuildNotifyRejectsNilJob(t *testing.T) {
	_, err := BuildNotify(nil, "1#0", [32]byte{}, 0, false)
	require.Error(t, err)
}

func TestBuildNotifyPopulatesHexFields(t *testing.T) {
	job := &channel.ActiveJob{
		CoinbaseTxPrefix: []byte{0x01, 0x02},
		CoinbaseTxSuffix: []byte{0x03, 0x04},
		MerklePath:       [][]byte{{0xaa, 0xbb}},
		Version:          0x20000000,
		MinNTime:         0x5f5e100,
	}
	var prevHash [32]byte
	prevHash[0] = 0x01

	notify, err := BuildNotify(job, "1#0", prevHash, 0x1d00ffff, true)
	require.NoError(t, err)
	require.Equal(t, "1#0", notify.JobID)
	require.Equal(t, "0102", notify.Coinbase1)
	require.Equal(t, "0304", notify.Coinbase2)
	require.Equal(t, []string{"aabb"}, notify.MerkleBranches)
	require.Equal(t, "20000000", notify.Version)
	require.Equal(t, "1d00ffff", notify.NBits)
	require.True(t, notify.CleanJobs)
}

func TestSpliceShareCoinbaseConcatenatesExtranonceHalves(t *testing.T) {
	job := &channel.ActiveJob{
		CoinbaseTxPrefix: []byte{0xaa},
		CoinbaseTxSuffix: []byte{0xbb},
	}
	got := SpliceShareCoinbase(job, []byte{0x01}, []byte{0x02, 0x03})
	require.Equal(t, []byte{0xaa, 0x01, 0x02, 0x03, 0xbb}, got)
}

func TestDifficultyTargetRoundTrip(t *testing.T) {
	target := DifficultyToTarget(1.0)
	diff := TargetToDifficulty(target)
	require.InDelta(t, 1.0, diff, 0.01)
}

func TestDecodeExtranonce2ValidatesLength(t *testing.T) {
	raw, err := DecodeExtranonce2("01020304", 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, raw)

	_, err = DecodeExtranonce2("0102", 4)
	require.Error(t, err)

	_, err = DecodeExtranonce2("zz", 1)
	require.Error(t, err)
}

func TestDecodeNTimeAndNonce(t *testing.T) {
	v, err := DecodeNTime("5f5e100")
	require.NoError(t, err)
	require.Equal(t, uint32(0x5f5e100), v)

	n, err := DecodeNonce("deadbeef")
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), n)

	_, err = DecodeNTime("nothex")
	require.Error(t, err)
}

func TestEncodeExtranonce1(t *testing.T) {
	require.Equal(t, "aabbcc", EncodeExtranonce1([]byte{0xaa, 0xbb, 0xcc}))
}
