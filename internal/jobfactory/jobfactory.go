// Package jobfactory builds per-channel mining jobs (coinbase prefix/suffix
// splicing and merkle path selection) from a block template and chain tip,
// generalizing the teacher's single-job coinbase builder to per-channel
// extranonce geometry and to both standard and extended channel shapes.
package jobfactory

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/pkg/crypto"
)

// Template is the subset of a block template the factory needs; it mirrors
// manager.Template so jobfactory has no import-cycle dependency on manager.
type Template struct {
	Id                     channel.TemplateId
	BlockVersion           uint32
	CoinbaseTxVersion      uint32
	CoinbasePrefix         []byte
	CoinbaseTxInputSeq     uint32
	CoinbaseValueRemaining uint64
	CoinbaseTxOutputs      []byte
	CoinbaseTxLocktime     uint32
	MerklePath             [][]byte
	Height                 int64
}

// Factory builds jobs for channels given a template and the engine's own
// extranonce sub-range.
type Factory struct {
	// poolTag is appended to the coinbase script after the height push,
	// mirroring how the teacher's buildCoinbase left room for "additional
	// script data (pool tag, etc.)".
	poolTag []byte
}

// New creates a Factory. poolTag is an optional signature string appended
// to the coinbase scriptSig (e.g. "/sv2pool/").
func New(poolTag string) *Factory {
	return &Factory{poolTag: []byte(poolTag)}
}

// StandardJob is the coinbase-free payload sent to a standard channel: a
// job id and merkle path only, since the Template Provider (not the engine)
// is assembling the block on behalf of standard-channel miners via the
// group's extended job.
type StandardJob struct {
	JobId      channel.JobId
	MerklePath [][]byte
	Version    uint32
}

// ExtendedJob is the full per-channel payload for an extended channel or a
// group's broadcast extended job: a spliceable coinbase plus merkle path.
type ExtendedJob struct {
	JobId            channel.JobId
	CoinbaseTxPrefix []byte
	CoinbaseTxSuffix []byte
	MerklePath       [][]byte
	Version          uint32
}

// BuildExtended splices a coinbase transaction for one channel's extranonce
// geometry: prefix = upstream-assigned bytes (range_0), the manager's own
// counter space (range_1) and the downstream's free-search space (range_2)
// are left as a hole between CoinbaseTxPrefix and CoinbaseTxSuffix of
// exactly geometry.Total() bytes, consistent with how standard stratum
// splices extranonce1||extranonce2 between coinbase1 and coinbase2.
func (f *Factory) BuildExtended(jobId channel.JobId, tmpl *Template, geometry channel.ExtranonceGeometry, extranoncePrefix []byte) (*ExtendedJob, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}

	// coinbase tx: version(4) + input_count(1) + prevout(36, null) +
	// script_len(varint) + [height_push][extranonce hole][pool tag] +
	// sequence(4) ... | ... output_count + outputs + locktime
	heightScript := encodeHeightScript(tmpl.Height)
	holeLen := geometry.Total() - len(extranoncePrefix)
	if holeLen < 0 {
		return nil, fmt.Errorf("jobfactory: extranonce prefix %d longer than geometry total %d", len(extranoncePrefix), geometry.Total())
	}

	scriptLen := len(heightScript) + len(extranoncePrefix) + holeLen + len(f.poolTag)

	prefix := make([]byte, 0, 4+1+36+1+len(heightScript)+len(extranoncePrefix))
	prefix = appendLE32(prefix, tmpl.CoinbaseTxVersion)
	prefix = append(prefix, 0x01) // single coinbase input
	prefix = append(prefix, make([]byte, 32)...)
	prefix = appendLE32(prefix, 0xFFFFFFFF)
	prefix = append(prefix, encodeVarint(uint64(scriptLen))...)
	prefix = append(prefix, heightScript...)
	prefix = append(prefix, extranoncePrefix...)
	// the hole (range_1 + range_2) is filled in by the channel's own
	// extranonce prefix plus the downstream's submitted extranonce2; the
	// factory only emits up to the end of the fixed prefix it controls.

	suffix := make([]byte, 0, len(f.poolTag)+4+1+len(tmpl.CoinbaseTxOutputs)+4)
	suffix = append(suffix, f.poolTag...)
	suffix = appendLE32(suffix, tmpl.CoinbaseTxInputSeq)
	suffix = append(suffix, tmpl.CoinbaseTxOutputs...)
	suffix = appendLE32(suffix, tmpl.CoinbaseTxLocktime)

	return &ExtendedJob{
		JobId:            jobId,
		CoinbaseTxPrefix: prefix,
		CoinbaseTxSuffix: suffix,
		MerklePath:       tmpl.MerklePath,
		Version:          tmpl.BlockVersion,
	}, nil
}

// BuildStandard derives the standard-channel view of an already-built
// extended job: standard channels never see the coinbase, only the merkle
// path and the job id, per the channel manager's REQUIRES_STANDARD_JOBS
// split policy.
func (f *Factory) BuildStandard(jobId channel.JobId, ext *ExtendedJob) *StandardJob {
	return &StandardJob{JobId: jobId, MerklePath: ext.MerklePath, Version: ext.Version}
}

// SpliceCoinbase reassembles the full coinbase transaction bytes from an
// extended job's prefix/suffix and a concrete extranonce, for merkle-root
// computation and for block submission.
func SpliceCoinbase(prefix, extranonce, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(extranonce)+len(suffix))
	out = append(out, prefix...)
	out = append(out, extranonce...)
	out = append(out, suffix...)
	return out
}

// MerkleRootFor computes the merkle root for a spliced coinbase against a
// job's merkle path.
func MerkleRootFor(coinbase []byte, merklePath [][]byte) []byte {
	coinbaseHash := crypto.DoubleSHA256(coinbase)
	return crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, merklePath)
}

// encodeHeightScript encodes a block height as a BIP34 coinbase scriptSig
// push, including its own push-opcode/length prefix.
func encodeHeightScript(height int64) []byte {
	if height >= 1 && height < 17 {
		return []byte{byte(0x50 + height)}
	}
	var raw []byte
	h := height
	for h > 0 {
		raw = append(raw, byte(h&0xff))
		h >>= 8
	}
	if len(raw) > 0 && raw[len(raw)-1]&0x80 != 0 {
		raw = append(raw, 0x00)
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(len(raw)))
	out = append(out, raw...)
	return out
}

func appendLE32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func encodeVarint(v uint64) []byte {
	switch {
	case v < 0xfd:
		return []byte{byte(v)}
	case v <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return buf
	case v <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
		return buf
	}
}

// DebugHex is a small helper used by tests/logging to render spliced
// coinbase bytes without importing encoding/hex at every call site.
func DebugHex(b []byte) string { return hex.EncodeToString(b) }
