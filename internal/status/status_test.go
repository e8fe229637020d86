package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	require.Equal(t, "downstream_shutdown", DownstreamShutdown.String())
	require.Equal(t, "template_receiver_shutdown", TemplateReceiverShutdown.String())
	require.Equal(t, "upstream_shutdown", UpstreamShutdown.String())
	require.Equal(t, "manager_shutdown", ManagerShutdown.String())
	require.Equal(t, "unknown", Kind(99).String())
}

func TestBusPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	ev := Event{Kind: UpstreamShutdown, Err: errors.New("connection reset")}
	b.Publish(ev)

	gotA := <-a
	gotC := <-c
	require.Equal(t, ev, gotA)
	require.Equal(t, ev, gotC)
}

func TestBusPublishDropsInsteadOfBlockingOnFullSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	for i := 0; i < 32; i++ {
		b.Publish(Event{Kind: DownstreamShutdown, DownstreamId: uint32(i)})
	}

	// Draining the buffered channel must not deadlock even though far more
	// events were published than the channel's buffer can hold.
	count := 0
	for {
		select {
		case <-sub:
			count++
		default:
			require.LessOrEqual(t, count, 16)
			return
		}
	}
}
