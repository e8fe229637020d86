package manager

import (
	"context"
	"testing"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/sv2"

	"github.com/stretchr/testify/require"
)

func openExtended(t *testing.T, mgr *Manager, ds channel.DownstreamId, reqId uint32) *sv2.OpenExtendedMiningChannelSuccess {
	t.Helper()
	out, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: ds,
		Payload:    &sv2.OpenExtendedMiningChannel{RequestId: reqId, UserIdentity: "miner", MinExtranonceSize: 4},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	resp, ok := out[0].Payload.(*sv2.OpenExtendedMiningChannelSuccess)
	require.True(t, ok)
	return resp
}

func TestNewTemplateFutureIsHeldUntilActivation(t *testing.T) {
	mgr, _ := newTestManager(t)
	openExtended(t, mgr, 1, 1)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 10, FutureTemplate: true, Version: 0x20000000},
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Contains(t, mgr.data.FutureTemplates, channel.TemplateId(10))
}

func TestSetNewPrevHashActivatesFutureTemplate(t *testing.T) {
	mgr, _ := newTestManager(t)
	groupId := channel.ChannelId(openExtended(t, mgr, 1, 1).GroupChannelId)

	_, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 10, FutureTemplate: true, Version: 0x20000000},
	})
	require.NoError(t, err)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.SetNewPrevHashTemplate{TemplateId: 10, PrevHash: [32]byte{0xaa}, NBits: 0x1d00ffff},
	})
	require.NoError(t, err)

	// One NewExtendedMiningJob then one SetNewPrevHash, both addressed to
	// the group channel, with the job preceding its activation.
	require.Len(t, out, 2)
	job, ok := out[0].Payload.(*sv2.NewExtendedMiningJob)
	require.True(t, ok)
	require.Equal(t, uint32(groupId), job.ChannelId)
	ph, ok := out[1].Payload.(*sv2.SetNewPrevHash)
	require.True(t, ok)
	require.Equal(t, uint32(groupId), ph.ChannelId)
	require.Equal(t, job.JobId, ph.JobId)

	require.NotContains(t, mgr.data.FutureTemplates, channel.TemplateId(10))
	require.Contains(t, mgr.data.Templates, channel.TemplateId(10))
}

func TestNewTemplateRepeatedIdIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	openExtended(t, mgr, 1, 1)

	for _, msg := range []interface{}{
		&sv2.NewTemplate{TemplateId: 10, FutureTemplate: true},
		&sv2.SetNewPrevHashTemplate{TemplateId: 10, PrevHash: [32]byte{0xaa}},
	} {
		_, err := mgr.dispatch(context.Background(), Inbound{From: EndpointTemplate, Payload: msg})
		require.NoError(t, err)
	}

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 10, FutureTemplate: false},
	})
	require.NoError(t, err)
	require.Empty(t, out, "repeating a known template id must not re-distribute jobs")
}

func TestNewTemplateStandardJobsFanOutPerChannel(t *testing.T) {
	mgr, _ := newTestManager(t)

	// Downstream 1 requires standard jobs and opens two standard channels;
	// downstream 2 does not and opens one extended channel.
	_, err := mgr.dispatch(context.Background(), Inbound{
		From: EndpointDownstream, Downstream: 1,
		Payload: &sv2.SetupConnection{Flags: sv2.FlagRequiresStandardJobs},
	})
	require.NoError(t, err)
	for i := uint32(1); i <= 2; i++ {
		_, err := mgr.dispatch(context.Background(), Inbound{
			From: EndpointDownstream, Downstream: 1,
			Payload: &sv2.OpenStandardMiningChannel{RequestId: i, UserIdentity: "std"},
		})
		require.NoError(t, err)
	}
	openExtended(t, mgr, 2, 3)

	_, err = mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 5, FutureTemplate: true},
	})
	require.NoError(t, err)
	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.SetNewPrevHashTemplate{TemplateId: 5, PrevHash: [32]byte{0xbb}},
	})
	require.NoError(t, err)

	var standardJobs, extendedJobs, prevHashes int
	for _, o := range out {
		switch o.Payload.(type) {
		case *sv2.NewMiningJob:
			standardJobs++
		case *sv2.NewExtendedMiningJob:
			extendedJobs++
		case *sv2.SetNewPrevHash:
			prevHashes++
		}
	}
	require.Equal(t, 2, standardJobs, "one NewMiningJob per standard channel on the flagged downstream")
	require.Equal(t, 1, extendedJobs, "one broadcast NewExtendedMiningJob for the unflagged downstream's group")
	require.Equal(t, 2, prevHashes, "exactly one SetNewPrevHash per group")
}

func TestNewTemplateFullTemplateModeRequestsTransactionData(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.data.Role = RoleJDC
	mgr.data.Mode = JobModeFullTemplate

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 21, FutureTemplate: true},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, EndpointTemplate, out[0].To)
	req, ok := out[0].Payload.(*sv2.RequestTransactionData)
	require.True(t, ok)
	require.Equal(t, uint64(21), req.TemplateId)
}

func TestTransactionDataCachedAndServedToDeclarator(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.data.Role = RoleJDC
	mgr.data.Mode = JobModeFullTemplate

	_, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 21, FutureTemplate: true},
	})
	require.NoError(t, err)

	txs := [][]byte{{0x01}, {0x02}, {0x03}}
	_, err = mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.RequestTransactionDataSuccess{TemplateId: 21, Transactions: txs},
	})
	require.NoError(t, err)

	mgr.data.DeclaredJobs[7] = &DeclaredJob{RequestId: 7, TemplateId: 21}

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointDeclarator,
		Payload: &sv2.ProvideMissingTransactions{RequestId: 7, UnknownTxPositions: []uint16{2, 0}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	resp, ok := out[0].Payload.(*sv2.ProvideMissingTransactionsSuccess)
	require.True(t, ok)
	require.Equal(t, [][]byte{{0x03}, {0x01}}, resp.Transactions)
}

func TestTransactionDataErrorIsLogOnly(t *testing.T) {
	mgr, _ := newTestManager(t)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.RequestTransactionDataError{TemplateId: 99, Reason: "stale-template-id"},
	})
	require.Empty(t, out)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, KindLogOnly, he.Kind)
}
