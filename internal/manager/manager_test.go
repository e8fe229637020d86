package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu       sync.Mutex
	sent     []interface{}
	sentTo   []channel.DownstreamId
	groupSent []channel.ChannelId
}

func (f *fakeSink) Send(ctx context.Context, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSink) SendTo(ctx context.Context, ds channel.DownstreamId, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	f.sentTo = append(f.sentTo, ds)
	return nil
}

func (f *fakeSink) SendToGroup(ctx context.Context, group channel.ChannelId, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	f.groupSent = append(f.groupSent, group)
	return nil
}

func (f *fakeSink) Disconnect(ds channel.DownstreamId, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTo = append(f.sentTo, ds)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(t *testing.T) (*Manager, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	mgr, err := New(Config{
		Role:           RolePool,
		Logger:         zap.NewNop(),
		Geometry:       channel.ExtranonceGeometry{Range1Len: 4, Range2Len: 4},
		ShareBatchSize: 1,
		JobFactory:     jobfactory.New(""),
		Upstream:       sink,
		Downstream:     sink,
	})
	require.NoError(t, err)
	return mgr, sink
}

func TestNewRejectsInvalidGeometry(t *testing.T) {
	_, err := New(Config{
		Geometry: channel.ExtranonceGeometry{Range0Len: 100, Range1Len: 100, Range2Len: 100},
	})
	require.Error(t, err)
}

func TestDispatchUnhandledDownstreamPayloadIsLogOnly(t *testing.T) {
	mgr, _ := newTestManager(t)
	out, err := mgr.dispatch(context.Background(), Inbound{From: EndpointDownstream, Payload: "not a real sv2 message"})
	require.Nil(t, out)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, KindLogOnly, he.Kind)
}

func TestEmitRoutesDownstreamBroadcastAndDirect(t *testing.T) {
	mgr, sink := newTestManager(t)
	outs := []Outbound{
		ToDownstream(channel.DownstreamId(1), "hello"),
		ToGroup(channel.ChannelId(2), "broadcast"),
		ToUpstream("to-upstream"),
	}
	mgr.emit(context.Background(), outs)
	require.Equal(t, 3, sink.count())
	require.Contains(t, sink.sentTo, channel.DownstreamId(1))
	require.Contains(t, sink.groupSent, channel.ChannelId(2))
}

func TestRunProcessesSubmittedMessagesUntilCancel(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	mgr.Submit(Inbound{From: EndpointUpstream, Payload: "garbage"})

	// Give the dispatch loop a tick to process before canceling.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("manager.Run did not exit after context cancellation")
	}
}

func TestFallbackTriggeredSignalsOnFallbackError(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.handleError(context.Background(), Fallback(nil))

	select {
	case <-mgr.FallbackTriggered():
	default:
		t.Fatal("expected fallback trigger channel to have a pending signal")
	}
}

func TestWithDataAllowsLockedMutation(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.WithData(func(d *Data) {
		d.CurrentServer = 7
	})
	mgr.WithData(func(d *Data) {
		require.Equal(t, channel.ServerId(7), d.CurrentServer)
	})
}
