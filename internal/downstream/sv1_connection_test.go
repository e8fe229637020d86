package downstream

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/translate"
	"github.com/sv2pool/engine/internal/vardiff"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeepaliveNotifyRollsSyntheticJobId(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewSv1Connection(1, server, zap.NewNop(), nil, time.Second, time.Second)

	now := time.Now()
	c.mu.Lock()
	c.job = &sv1Job{jobId: 42, version: 0x20000000}
	c.keepalive = translate.NewKeepaliveState(channel.JobId(42), 1700000000, now.Add(-time.Minute))
	c.lastNotify = now.Add(-time.Minute)
	c.mu.Unlock()

	lines := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(client).ReadString('\n')
		if err == nil {
			lines <- line
		}
	}()

	require.NoError(t, c.sendKeepaliveNotify(5*time.Second))

	select {
	case line := <-lines:
		var msg struct {
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		require.Equal(t, "mining.notify", msg.Method)
		require.NotEmpty(t, msg.Params)
		jobId, ok := msg.Params[0].(string)
		require.True(t, ok)
		require.True(t, strings.HasPrefix(jobId, "42#"), "keepalive job id must be upstream_job_id#counter, got %q", jobId)
		require.Equal(t, "42#1", jobId)
	case <-time.After(time.Second):
		t.Fatal("no keepalive notify was written")
	}
}

func TestKeepaliveNotifySkipsWhenRecentlyNotified(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewSv1Connection(1, server, zap.NewNop(), nil, time.Second, time.Second)
	c.mu.Lock()
	c.job = &sv1Job{jobId: 1}
	c.keepalive = translate.NewKeepaliveState(channel.JobId(1), 1700000000, time.Now())
	c.lastNotify = time.Now()
	c.mu.Unlock()

	// A fresh real notify suppresses the synthetic one: nothing must be
	// written, so the blocking pipe write would deadlock if it were.
	require.NoError(t, c.sendKeepaliveNotify(time.Minute))
}

func TestKeepaliveNotifySkipsWithoutJob(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()
	c := NewSv1Connection(1, server, zap.NewNop(), nil, time.Second, time.Second)
	require.NoError(t, c.sendKeepaliveNotify(time.Second))
}

func TestMaybeRetargetPushesNewDifficulty(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewSv1Connection(1, server, zap.NewNop(), nil, time.Second, time.Second)
	c.vd = vardiff.New(vardiff.Config{
		InitialDifficulty: 1,
		MinDifficulty:     0.001,
		MaxDifficulty:     1000,
		TargetShareTime:   10 * time.Second,
		RetargetTime:      time.Nanosecond,
		VariancePercent:   30,
	})
	c.vdState = vardiff.NewState(1)
	c.difficulty = 1

	lines := make(chan string, 4)
	go func() {
		r := bufio.NewReader(client)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	// Two near-instant shares read as far faster than the 10s target, so
	// the second submission must trigger an upward retarget (clamped to
	// four times the current difficulty).
	c.maybeRetarget()
	c.maybeRetarget()

	select {
	case line := <-lines:
		var msg struct {
			Method string    `json:"method"`
			Params []float64 `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		require.Equal(t, "mining.set_difficulty", msg.Method)
		require.Len(t, msg.Params, 1)
		require.InDelta(t, 4.0, msg.Params[0], 1e-9)
		require.InDelta(t, 4.0, c.difficulty, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no set_difficulty was pushed after retarget")
	}
}

func TestMaybeRetargetDisabledWithoutVarDiff(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()
	c := NewSv1Connection(1, server, zap.NewNop(), nil, time.Second, time.Second)
	require.NotPanics(t, c.maybeRetarget)
	require.Equal(t, 1.0, c.difficulty)
}
