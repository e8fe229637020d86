package jobfactory

import (
	"testing"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/stretchr/testify/require"
)

func testTemplate() *Template {
	return &Template{
		Id:                     1,
		BlockVersion:           0x20000000,
		CoinbaseTxVersion:      2,
		CoinbasePrefix:         nil,
		CoinbaseTxInputSeq:     0xFFFFFFFF,
		CoinbaseValueRemaining: 625000000,
		CoinbaseTxOutputs:      []byte{0x01, 0x02, 0x03},
		CoinbaseTxLocktime:     0,
		MerklePath:             [][]byte{{0xaa}, {0xbb}},
		Height:                 800000,
	}
}

func TestBuildExtendedRejectsInvalidGeometry(t *testing.T) {
	f := New("/sv2pool/")
	geo := channel.ExtranonceGeometry{Range0Len: 16, Range1Len: 16, Range2Len: 16}
	_, err := f.BuildExtended(1, testTemplate(), geo, nil)
	require.Error(t, err)
}

func TestBuildExtendedRejectsPrefixLongerThanGeometry(t *testing.T) {
	f := New("")
	geo := channel.ExtranonceGeometry{Range0Len: 2, Range1Len: 2, Range2Len: 2}
	_, err := f.BuildExtended(1, testTemplate(), geo, make([]byte, 10))
	require.Error(t, err)
}

func TestBuildExtendedSplicesHeightAndPoolTag(t *testing.T) {
	f := New("/sv2pool/")
	geo := channel.ExtranonceGeometry{Range0Len: 4, Range1Len: 4, Range2Len: 4}
	prefix := []byte{0x01, 0x02, 0x03, 0x04}
	job, err := f.BuildExtended(7, testTemplate(), geo, prefix)
	require.NoError(t, err)
	require.Equal(t, channel.JobId(7), job.JobId)
	require.Equal(t, uint32(0x20000000), job.Version)
	require.Equal(t, [][]byte{{0xaa}, {0xbb}}, job.MerklePath)
	require.Contains(t, string(job.CoinbaseTxPrefix), string([]byte{0x03, 0x00, 0x35, 0x0c}))
	require.Contains(t, string(job.CoinbaseTxSuffix), "/sv2pool/")
}

func TestBuildStandardDerivesFromExtended(t *testing.T) {
	f := New("")
	geo := channel.ExtranonceGeometry{Range0Len: 0, Range1Len: 4, Range2Len: 4}
	ext, err := f.BuildExtended(3, testTemplate(), geo, nil)
	require.NoError(t, err)

	std := f.BuildStandard(9, ext)
	require.Equal(t, channel.JobId(9), std.JobId)
	require.Equal(t, ext.MerklePath, std.MerklePath)
	require.Equal(t, ext.Version, std.Version)
}

func TestSpliceCoinbaseConcatenatesInOrder(t *testing.T) {
	prefix := []byte{0x01}
	extranonce := []byte{0x02, 0x03}
	suffix := []byte{0x04}
	got := SpliceCoinbase(prefix, extranonce, suffix)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestMerkleRootForMatchesSplicedCoinbase(t *testing.T) {
	geo := channel.ExtranonceGeometry{Range0Len: 0, Range1Len: 4, Range2Len: 4}
	f := New("")
	ext, err := f.BuildExtended(1, testTemplate(), geo, nil)
	require.NoError(t, err)

	coinbase := SpliceCoinbase(ext.CoinbaseTxPrefix, make([]byte, 8), ext.CoinbaseTxSuffix)
	root := MerkleRootFor(coinbase, ext.MerklePath)
	require.Len(t, root, 32)
}

func TestDebugHexRendersLowercaseHex(t *testing.T) {
	require.Equal(t, "0102ff", DebugHex([]byte{0x01, 0x02, 0xff}))
}
