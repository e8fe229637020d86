package manager

import (
	"testing"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/sv2"

	"github.com/stretchr/testify/require"
)

func TestSubmitSharesUnknownJobIsInvalidJobId(t *testing.T) {
	mgr, _ := newTestManager(t)
	d := mgr.data

	ch := channel.NewChannel(1, 1, 1, channel.KindExtended, "a", 1, [32]byte{0xff})
	d.Channels[ch.Id] = ch

	out, err := mgr.submitShares(ch.Id, &sv2.SubmitSharesStandard{ChannelId: uint32(ch.Id), JobId: 999}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	e, ok := out[0].Payload.(*sv2.SubmitSharesError)
	require.True(t, ok)
	require.Equal(t, "invalid-job-id", e.Reason)
}

func TestSubmitSharesOldJobPastTipIsStaleShare(t *testing.T) {
	mgr, _ := newTestManager(t)
	d := mgr.data

	d.CurrentTip = &ChainTip{PrevHash: [32]byte{2}}

	ch := channel.NewChannel(1, 1, 1, channel.KindExtended, "a", 1, [32]byte{0xff})
	ch.AddJob(&channel.ActiveJob{JobId: 1, PrevHash: [32]byte{1}})
	ch.AddJob(&channel.ActiveJob{JobId: 2, PrevHash: [32]byte{2}})
	d.Channels[ch.Id] = ch

	out, err := mgr.submitShares(ch.Id, &sv2.SubmitSharesStandard{ChannelId: uint32(ch.Id), JobId: 1}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	e, ok := out[0].Payload.(*sv2.SubmitSharesError)
	require.True(t, ok)
	require.Equal(t, "stale-share", e.Reason)
}

func TestSubmitSharesSequenceRegressionIsStaleShare(t *testing.T) {
	mgr, _ := newTestManager(t)
	d := mgr.data

	d.CurrentTip = &ChainTip{PrevHash: [32]byte{2}}

	ch := channel.NewChannel(1, 1, 1, channel.KindExtended, "a", 1, [32]byte{0xff})
	ch.AddJob(&channel.ActiveJob{JobId: 1, PrevHash: [32]byte{2}})
	d.Channels[ch.Id] = ch
	ch.Accounting.RecordSubmitted()
	ch.Accounting.RecordAccepted(10, 1.0)

	out, err := mgr.submitShares(ch.Id, &sv2.SubmitSharesStandard{ChannelId: uint32(ch.Id), SequenceNo: 10, JobId: 1}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	e, ok := out[0].Payload.(*sv2.SubmitSharesError)
	require.True(t, ok)
	require.Equal(t, "stale-share", e.Reason)
	require.Equal(t, uint64(1), ch.Accounting.StaleCount)
}
