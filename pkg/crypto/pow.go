// Package crypto implements the hash and target arithmetic the engine
// validates shares with: double-SHA256, the byte-order conversions between
// SHA output order and the big-endian numeric order targets are compared
// in, exact 256-bit difficulty/target conversions, compact-bits encoding,
// and merkle-path folding for spliced coinbases.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"math/big"
)

// diff1Target is the pool difficulty-1 target
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000;
// every difficulty/target conversion is a division through it.
var diff1Target = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns data in reversed byte order, converting between the
// order SHA256 output arrives in and the big-endian numeric order
// CompareHashes and HashMeetsTarget operate on.
func ReverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

// SwapEndian32 swaps each 4-byte word of a 32-byte hash, the per-word
// ordering Stratum V1 renders prevhash fields in. Inputs of any other
// length pass through untouched.
func SwapEndian32(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}
	out := make([]byte, 32)
	for w := 0; w < 32; w += 4 {
		out[w], out[w+1], out[w+2], out[w+3] = hash[w+3], hash[w+2], hash[w+1], hash[w]
	}
	return out
}

// CompareHashes orders two 32-byte values as big-endian 256-bit integers:
// -1 if a < b, 0 if equal, 1 if a > b. Inputs of any other length compare
// as equal.
func CompareHashes(a, b []byte) int {
	if len(a) != 32 || len(b) != 32 {
		return 0
	}
	return bytes.Compare(a, b)
}

// HashMeetsTarget is the exact share-acceptance predicate: a big-endian
// hash at or below a big-endian target meets it. No approximation is
// involved; callers wanting a difficulty number for accounting convert
// separately.
func HashMeetsTarget(hash, target []byte) bool {
	return CompareHashes(hash, target) <= 0
}

// DifficultyToTarget derives the 32-byte big-endian target for a pool
// difficulty: target = diff1Target / difficulty.
func DifficultyToTarget(difficulty float64) []byte {
	if difficulty <= 0 {
		difficulty = 1
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), big.NewFloat(difficulty))
	n, _ := q.Int(nil)
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

// TargetToDifficulty inverts DifficultyToTarget:
// difficulty = diff1Target / target. A zero or malformed target yields 0.
func TargetToDifficulty(target []byte) float64 {
	if len(target) != 32 {
		return 0
	}
	n := new(big.Int).SetBytes(target)
	if n.Sign() == 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(n))
	d, _ := q.Float64()
	return d
}

// NBitsToTarget expands the compact-bits target representation block
// headers carry into a full 32-byte big-endian target. The sign bit names
// a negative target, which is clamped to zero.
func NBitsToTarget(bits uint32) []byte {
	mantissa := int64(bits & 0x007FFFFF)
	if bits&0x00800000 != 0 {
		mantissa = 0
	}
	exponent := uint(bits >> 24)

	n := big.NewInt(mantissa)
	if exponent <= 3 {
		n.Rsh(n, 8*(3-exponent))
	} else {
		n.Lsh(n, 8*(exponent-3))
	}

	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

// TargetToNBits compresses a 32-byte target back to compact bits,
// renormalizing when the leading mantissa byte would collide with the
// sign bit.
func TargetToNBits(target []byte) uint32 {
	if len(target) != 32 {
		return 0
	}
	n := new(big.Int).SetBytes(target)
	if n.Sign() == 0 {
		return 0
	}

	raw := n.Bytes()
	exponent := len(raw)
	var mantissa uint32
	for i := 0; i < 3; i++ {
		mantissa <<= 8
		if i < len(raw) {
			mantissa |= uint32(raw[i])
		}
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent)<<24 | mantissa
}

// hashPair folds two 32-byte nodes into their merkle parent.
func hashPair(left, right []byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return DoubleSHA256(buf)
}

// MerkleRoot folds a full transaction hash list to its root, duplicating
// the final hash of an odd level per Bitcoin's tree rules.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}
	level := append([][]byte(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// CalculateMerkleRootWithCoinbase folds a coinbase hash up a merkle path,
// the form SV2 jobs carry: the path already encodes every sibling, so the
// coinbase side is always the left operand.
func CalculateMerkleRootWithCoinbase(coinbaseHash []byte, branches [][]byte) []byte {
	hash := append([]byte(nil), coinbaseHash...)
	for _, branch := range branches {
		hash = hashPair(hash, branch)
	}
	return hash
}
