package manager

import (
	"testing"
	"time"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/stretchr/testify/require"
)

func TestRoleString(t *testing.T) {
	require.Equal(t, "pool", RolePool.String())
	require.Equal(t, "jdc", RoleJDC.String())
	require.Equal(t, "translator", RoleTranslator.String())
	require.Equal(t, "unknown", Role(99).String())
}

func TestDeclaredJobExpired(t *testing.T) {
	d := &DeclaredJob{DeclaredAt: time.Now().Add(-20 * time.Second)}
	require.True(t, d.Expired(time.Now()))

	d.Confirmed = true
	require.False(t, d.Expired(time.Now()))

	fresh := &DeclaredJob{DeclaredAt: time.Now()}
	require.False(t, fresh.Expired(time.Now()))
}

func TestNewDataInitializesMaps(t *testing.T) {
	d := NewData(RolePool, channel.ExtranonceGeometry{Range1Len: 4, Range2Len: 4}, 10)
	require.NotNil(t, d.Templates)
	require.NotNil(t, d.Channels)
	require.NotNil(t, d.GroupChannels)
	require.NotNil(t, d.DownstreamGroup)
	require.NotNil(t, d.DeclaredJobs)
	require.NotNil(t, d.TemplateIdToUpstreamJobId)
	require.NotNil(t, d.DownstreamStdJobs)
	require.NotNil(t, d.SequenceNumbers)
	require.Equal(t, 10, d.ShareBatchSize)
	require.Equal(t, channel.ChannelId(0), d.UpstreamChannelId)
	require.Equal(t, UpstreamConnected, d.UpstreamState, "pool is its own upstream and never waits for a channel")
}

func TestNewDataSetsUpstreamChannelIdForNonPoolRoles(t *testing.T) {
	d := NewData(RoleJDC, channel.ExtranonceGeometry{Range1Len: 4, Range2Len: 4}, 10)
	require.Equal(t, channel.AggregatedChannelId, d.UpstreamChannelId)
	require.Equal(t, UpstreamNoChannel, d.UpstreamState)
}

func TestChannelsInGroup(t *testing.T) {
	d := NewData(RolePool, channel.ExtranonceGeometry{}, 1)
	group := channel.NewGroupChannel(1, 1, 1)
	c1 := channel.NewChannel(2, 1, 1, channel.KindStandard, "a", 1, [32]byte{})
	group.Add(c1.Id)
	d.GroupChannels[group.Id] = group
	d.Channels[c1.Id] = c1

	members := d.ChannelsInGroup(group.Id)
	require.Len(t, members, 1)
	require.Equal(t, c1, members[0])

	require.Nil(t, d.ChannelsInGroup(channel.ChannelId(999)))
}

func TestChannelsForDownstreamAndServer(t *testing.T) {
	d := NewData(RolePool, channel.ExtranonceGeometry{}, 1)
	c1 := channel.NewChannel(1, 10, 100, channel.KindStandard, "a", 1, [32]byte{})
	c2 := channel.NewChannel(2, 10, 200, channel.KindStandard, "b", 1, [32]byte{})
	c3 := channel.NewChannel(3, 20, 100, channel.KindStandard, "c", 1, [32]byte{})
	d.Channels[1] = c1
	d.Channels[2] = c2
	d.Channels[3] = c3

	byDownstream := d.ChannelsForDownstream(10)
	require.Len(t, byDownstream, 2)

	byServer := d.ChannelsForServer(100)
	require.Len(t, byServer, 2)
}
