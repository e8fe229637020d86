// Package translate bridges the Channel Manager's SV2 job/share model to
// the SV1 JSON-RPC surface the Translator's downstream miners speak:
// synthetic keepalive job ids, mining.notify construction, and
// difficulty/target conversions.
package translate

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/sv1"

	"github.com/sv2pool/engine/pkg/crypto"
)

// maxNTimeAge bounds how long a keepalive-rolled ntime may drift ahead of
// the job's original ntime before a new job should be requested instead,
// mirroring the two-hour rolling limit Bitcoin nodes enforce on block time.
const maxNTimeAge = 2 * time.Hour

// NewKeepaliveJobId encodes an SV1-facing job id as
// "{upstream_job_id}#{counter}", letting the Translator roll ntime/merkle
// state forward between real upstream job changes without re-minting a new
// SV2 job id for every keepalive notify.
func NewKeepaliveJobId(upstreamJobId channel.JobId, counter uint32) string {
	return fmt.Sprintf("%d#%d", upstreamJobId, counter)
}

// ParseKeepaliveJobId reverses NewKeepaliveJobId, used when a V1 submit
// comes back referencing a synthetic job id.
func ParseKeepaliveJobId(jobId string) (channel.JobId, uint32, error) {
	parts := strings.SplitN(jobId, "#", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("translate: malformed keepalive job id %q", jobId)
	}
	upstream, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("translate: bad upstream job id in %q: %w", jobId, err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("translate: bad keepalive counter in %q: %w", jobId, err)
	}
	return channel.JobId(upstream), uint32(counter), nil
}

// KeepaliveState tracks, per V1 session, how far the current job has been
// rolled forward by synthetic keepalive notifies.
type KeepaliveState struct {
	UpstreamJobId channel.JobId
	Counter       uint32
	BaseNTime     uint32
	IssuedAt      time.Time
}

// CurrentJobId returns the session's current synthetic job id without
// advancing the counter (Roll does that); used when (re-)issuing the
// current job, e.g. right after authorize.
func (s *KeepaliveState) CurrentJobId() string {
	return NewKeepaliveJobId(s.UpstreamJobId, s.Counter)
}

// Roll advances the keepalive counter and returns the next synthetic job id
// and rolled ntime, or ok=false if the roll would exceed maxNTimeAge and a
// fresh upstream job should be requested instead.
func (s *KeepaliveState) Roll(now time.Time) (jobId string, ntime uint32, ok bool) {
	if now.Sub(s.IssuedAt) > maxNTimeAge {
		return "", 0, false
	}
	s.Counter++
	elapsed := uint32(now.Sub(s.IssuedAt).Seconds())
	return NewKeepaliveJobId(s.UpstreamJobId, s.Counter), s.BaseNTime + elapsed, true
}

// NewKeepaliveState starts tracking a freshly received upstream job.
func NewKeepaliveState(upstreamJobId channel.JobId, baseNTime uint32, now time.Time) *KeepaliveState {
	return &KeepaliveState{UpstreamJobId: upstreamJobId, BaseNTime: baseNTime, IssuedAt: now}
}

// BuildNotify turns one active extended job into a mining.notify payload.
// An extended channel's coinbase prefix/suffix already end and begin right
// at the extranonce split point, so coinbase1/coinbase2 carry over as-is;
// the miner splices in extranonce1 (assigned at channel-open) and its own
// extranonce2 between them.
func BuildNotify(job *channel.ActiveJob, jobId string, prevHash [32]byte, nbits uint32, cleanJobs bool) (*sv1.NotifyParams, error) {
	if job == nil {
		return nil, fmt.Errorf("translate: nil job")
	}

	coinbase1 := job.CoinbaseTxPrefix
	coinbase2 := job.CoinbaseTxSuffix

	branches := make([]string, len(job.MerklePath))
	for i, b := range job.MerklePath {
		branches[i] = hex.EncodeToString(b)
	}

	return &sv1.NotifyParams{
		JobID:          jobId,
		PrevBlockHash:  hex.EncodeToString(crypto.SwapEndian32(prevHash[:])),
		Coinbase1:      hex.EncodeToString(coinbase1),
		Coinbase2:      hex.EncodeToString(coinbase2),
		MerkleBranches: branches,
		Version:        fmt.Sprintf("%08x", job.Version),
		NBits:          fmt.Sprintf("%08x", nbits),
		NTime:          fmt.Sprintf("%08x", job.MinNTime),
		CleanJobs:      cleanJobs,
	}, nil
}

// SpliceShareCoinbase rebuilds the full coinbase transaction a V1 submit
// implies: job coinbase prefix, the session's upstream-assigned
// extranonce1, the miner-chosen extranonce2, then the coinbase suffix.
func SpliceShareCoinbase(job *channel.ActiveJob, extranonce1, extranonce2 []byte) []byte {
	extranonce := append(append([]byte{}, extranonce1...), extranonce2...)
	return jobfactory.SpliceCoinbase(job.CoinbaseTxPrefix, extranonce, job.CoinbaseTxSuffix)
}

// DifficultyToTarget and TargetToDifficulty below give the V1 surface its
// own entry points onto the canonical pow.go implementation, since V1
// reasons in difficulty (a float sent over the wire) while V2 reasons in
// raw 32-byte targets.

// DifficultyToTarget converts a V1 difficulty into the 32-byte target a
// channel should be opened or updated with.
func DifficultyToTarget(difficulty float64) [32]byte {
	var target [32]byte
	copy(target[:], crypto.DifficultyToTarget(difficulty))
	return target
}

// TargetToDifficulty converts a channel's target back into the difficulty
// value mining.set_difficulty expects.
func TargetToDifficulty(target [32]byte) float64 {
	return crypto.TargetToDifficulty(target[:])
}

// DecodeExtranonce2 parses the hex extranonce2 a V1 miner returns on
// submit, validating it against the session's negotiated size.
func DecodeExtranonce2(hexStr string, size int) ([]byte, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("translate: invalid extranonce2 hex: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("translate: extranonce2 length %d, want %d", len(raw), size)
	}
	return raw, nil
}

// DecodeNTime parses the hex ntime a V1 miner returns on submit.
func DecodeNTime(hexStr string) (uint32, error) {
	v, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("translate: invalid ntime hex: %w", err)
	}
	return uint32(v), nil
}

// DecodeNonce parses the hex nonce a V1 miner returns on submit.
func DecodeNonce(hexStr string) (uint32, error) {
	v, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("translate: invalid nonce hex: %w", err)
	}
	return uint32(v), nil
}

// EncodeExtranonce1 renders a channel's upstream-assigned extranonce prefix
// for the mining.subscribe response.
func EncodeExtranonce1(prefix []byte) string {
	return hex.EncodeToString(prefix)
}

// bigEndianUint32 is used where an SV1 field must be built from a raw LE
// wire value without going through fmt's hex formatting (kept for parity
// with code that reads straight off an ActiveJob's binary fields).
func bigEndianUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
