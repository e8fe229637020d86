package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoubleSHA256KnownVector(t *testing.T) {
	// SHA256d("") per Bitcoin convention.
	got := DoubleSHA256([]byte{})
	require.Len(t, got, 32)
	want, _ := hex.DecodeString("5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456")
	require.Equal(t, want, got)
}

func TestReverseBytes(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04}
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, ReverseBytes(in))
}

func TestSwapEndian32RejectsWrongLength(t *testing.T) {
	short := []byte{0x01, 0x02}
	require.Equal(t, short, SwapEndian32(short))
}

func TestSwapEndian32RoundTrips(t *testing.T) {
	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	swapped := SwapEndian32(hash[:])
	back := SwapEndian32(swapped)
	require.Equal(t, hash[:], back)
}

func TestCompareHashes(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	a[31] = 0x01
	b[31] = 0x02
	require.Equal(t, -1, CompareHashes(a, b))
	require.Equal(t, 1, CompareHashes(b, a))
	require.Equal(t, 0, CompareHashes(a, a))
}

func TestHashMeetsTarget(t *testing.T) {
	hash := make([]byte, 32)
	target := make([]byte, 32)
	target[0] = 0x01
	require.True(t, HashMeetsTarget(hash, target))

	hash[0] = 0x02
	require.False(t, HashMeetsTarget(hash, target))
}

func TestDifficultyToTargetDifficultyOne(t *testing.T) {
	target := DifficultyToTarget(1)
	require.Equal(t, byte(0xFF), target[4])
	require.Equal(t, byte(0xFF), target[5])
}

func TestDifficultyToTargetHigherDifficultyShrinksTarget(t *testing.T) {
	t1 := DifficultyToTarget(1)
	t2 := DifficultyToTarget(100)
	require.Equal(t, -1, CompareHashes(t2, t1), "a harder difficulty must produce a smaller target")
}

func TestNBitsToTargetAndBackRoundTrips(t *testing.T) {
	// A representative compact-bits value within the safe encode/decode range.
	const bits = uint32(0x1d00ffff)
	target := NBitsToTarget(bits)
	got := TargetToNBits(target)
	require.Equal(t, bits, got)
}

func TestMerkleRootSingleHash(t *testing.T) {
	h := make([]byte, 32)
	h[0] = 0x42
	require.Equal(t, h, MerkleRoot([][]byte{h}))
}

func TestMerkleRootEmpty(t *testing.T) {
	require.Equal(t, make([]byte, 32), MerkleRoot(nil))
}

func TestMerkleRootMatchesCalculateMerkleRootWithCoinbase(t *testing.T) {
	coinbase := []byte{0x01}
	coinbaseHash := DoubleSHA256(coinbase)
	branch := DoubleSHA256([]byte{0x02})

	viaMerkleRoot := MerkleRoot([][]byte{coinbaseHash, branch})
	viaCoinbaseHelper := CalculateMerkleRootWithCoinbase(coinbaseHash, [][]byte{branch})
	require.Equal(t, viaMerkleRoot, viaCoinbaseHelper)
}

func TestHashMeetsTargetExactBoundary(t *testing.T) {
	target := DifficultyToTarget(1)
	equal := append([]byte(nil), target...)
	require.True(t, HashMeetsTarget(equal, target), "a hash exactly on the target must be accepted")

	above := append([]byte(nil), target...)
	above[31]++
	require.False(t, HashMeetsTarget(above, target))
}

func TestDifficultyTargetRoundTrip(t *testing.T) {
	for _, diff := range []float64{1, 16, 1024, 65536} {
		got := TargetToDifficulty(DifficultyToTarget(diff))
		require.InEpsilon(t, diff, got, 1e-9, "difficulty %v must survive the round trip", diff)
	}
}
