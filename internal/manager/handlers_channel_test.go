package manager

import (
	"context"
	"testing"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/sv2"

	"github.com/stretchr/testify/require"
)

func TestOpenExtendedChannelJoinsGroup(t *testing.T) {
	mgr, _ := newTestManager(t)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: channel.DownstreamId(1),
		Payload:    &sv2.OpenExtendedMiningChannel{RequestId: 1, UserIdentity: "a", MinExtranonceSize: 4},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	resp, ok := out[0].Payload.(*sv2.OpenExtendedMiningChannelSuccess)
	require.True(t, ok)
	require.NotZero(t, resp.GroupChannelId)

	ch := mgr.data.Channels[channel.ChannelId(resp.ChannelId)]
	require.NotNil(t, ch)
	require.Equal(t, channel.ChannelId(resp.GroupChannelId), ch.GroupChannelId)

	group := mgr.data.GroupChannels[ch.GroupChannelId]
	require.NotNil(t, group)
	require.Contains(t, group.ChannelIds, ch.Id)
}

func TestOpenExtendedChannelSharesGroupAcrossOneDownstream(t *testing.T) {
	mgr, _ := newTestManager(t)

	var groupId uint32
	for i := 0; i < 10; i++ {
		out, err := mgr.dispatch(context.Background(), Inbound{
			From:       EndpointDownstream,
			Downstream: channel.DownstreamId(1),
			Payload:    &sv2.OpenExtendedMiningChannel{RequestId: uint32(i), UserIdentity: "a", MinExtranonceSize: 4},
		})
		require.NoError(t, err)
		resp := out[0].Payload.(*sv2.OpenExtendedMiningChannelSuccess)
		if i == 0 {
			groupId = resp.GroupChannelId
		}
		require.Equal(t, groupId, resp.GroupChannelId)
	}

	group := mgr.data.GroupChannels[channel.ChannelId(groupId)]
	require.Len(t, group.ChannelIds, 10)
}

func TestOpenExtendedChannelReplaysCatchUpJob(t *testing.T) {
	mgr, _ := newTestManager(t)
	d := mgr.data

	d.CurrentTip = &ChainTip{PrevHash: [32]byte{1}, NBits: 2, MinNTime: 3}
	group := mgr.groupForDownstream(channel.DownstreamId(1)).id
	existing := channel.NewChannel(channel.ChannelId(99), channel.DownstreamId(1), 0, channel.KindExtended, "a", 1, [32]byte{})
	existing.GroupChannelId = group
	existing.AddJob(&channel.ActiveJob{JobId: 7, PrevHash: d.CurrentTip.PrevHash, Version: 1})
	d.Channels[existing.Id] = existing
	d.GroupChannels[group].Add(existing.Id)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: channel.DownstreamId(1),
		Payload:    &sv2.OpenExtendedMiningChannel{RequestId: 1, UserIdentity: "b", MinExtranonceSize: 4},
	})
	require.NoError(t, err)

	var sawJob, sawPrevHash bool
	for _, o := range out {
		switch o.Payload.(type) {
		case *sv2.NewExtendedMiningJob:
			sawJob = true
		case *sv2.SetNewPrevHash:
			sawPrevHash = true
		}
	}
	require.True(t, sawJob, "expected catch-up NewExtendedMiningJob")
	require.True(t, sawPrevHash, "expected catch-up SetNewPrevHash")
}

func TestOpenStandardChannelReplaysCatchUpPrevHash(t *testing.T) {
	mgr, _ := newTestManager(t)
	d := mgr.data

	d.CurrentTip = &ChainTip{PrevHash: [32]byte{1}, NBits: 2, MinNTime: 3}
	group := mgr.groupForDownstream(channel.DownstreamId(1)).id
	existing := channel.NewChannel(channel.ChannelId(99), channel.DownstreamId(1), 0, channel.KindExtended, "a", 1, [32]byte{})
	existing.GroupChannelId = group
	existing.AddJob(&channel.ActiveJob{JobId: 7, PrevHash: d.CurrentTip.PrevHash, Version: 1, MerklePath: [][]byte{}})
	d.Channels[existing.Id] = existing
	d.GroupChannels[group].Add(existing.Id)

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: channel.DownstreamId(1),
		Payload:    &sv2.OpenStandardMiningChannel{RequestId: 1, UserIdentity: "b"},
	})
	require.NoError(t, err)

	var sawMiningJob, sawPrevHash bool
	for _, o := range out {
		switch o.Payload.(type) {
		case *sv2.NewMiningJob:
			sawMiningJob = true
		case *sv2.SetNewPrevHash:
			sawPrevHash = true
		}
	}
	require.True(t, sawMiningJob)
	require.True(t, sawPrevHash)
}

func TestSetupConnectionRecordsRequiresStandardJobsFlag(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: channel.DownstreamId(5),
		Payload:    &sv2.SetupConnection{Flags: sv2.FlagRequiresStandardJobs},
	})
	require.NoError(t, err)
	require.True(t, mgr.data.DownstreamStdJobs[channel.DownstreamId(5)])

	out, err := mgr.dispatch(context.Background(), Inbound{
		From:       EndpointDownstream,
		Downstream: channel.DownstreamId(5),
		Payload:    &sv2.OpenExtendedMiningChannel{RequestId: 1, UserIdentity: "a", MinExtranonceSize: 4},
	})
	require.NoError(t, err)
	resp := out[0].Payload.(*sv2.OpenExtendedMiningChannelSuccess)
	ch := mgr.data.Channels[channel.ChannelId(resp.ChannelId)]
	require.True(t, ch.RequiresStandardJobs)
}

func TestOpenChannelOnFreshDownstreamRebuildsJobFromActiveTemplate(t *testing.T) {
	mgr, _ := newTestManager(t)

	// Template + tip arrive while no downstream is connected.
	_, err := mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.NewTemplate{TemplateId: 4, FutureTemplate: true, Version: 0x20000000},
	})
	require.NoError(t, err)
	_, err = mgr.dispatch(context.Background(), Inbound{
		From:    EndpointTemplate,
		Payload: &sv2.SetNewPrevHashTemplate{TemplateId: 4, PrevHash: [32]byte{0xcc}, NBits: 0x1d00ffff},
	})
	require.NoError(t, err)

	// A brand-new downstream (whose group has no members yet) must still be
	// primed with a job and prev-hash instead of idling until the next
	// template.
	out, err := mgr.dispatch(context.Background(), Inbound{
		From: EndpointDownstream, Downstream: 3,
		Payload: &sv2.OpenExtendedMiningChannel{RequestId: 1, UserIdentity: "late", MinExtranonceSize: 4},
	})
	require.NoError(t, err)

	var sawJob, sawPrevHash bool
	for _, o := range out {
		switch p := o.Payload.(type) {
		case *sv2.NewExtendedMiningJob:
			sawJob = true
		case *sv2.SetNewPrevHash:
			sawPrevHash = true
			require.Equal(t, [32]byte{0xcc}, p.PrevHash)
		}
	}
	require.True(t, sawJob)
	require.True(t, sawPrevHash)
}
