// Package upstream implements the Upstream Client: the state machine a Job
// Declarator Client or Translator drives against its single upstream SV2
// connection (a Pool or another JDC), including the dial/authenticate
// handshake and the reconnect loop the Fallback Coordinator triggers.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sv2pool/engine/internal/sv2"

	"go.uber.org/zap"
)

// State is the Upstream Client's connection lifecycle, per the
// Dialing -> Authenticating -> {Connected|Rejected} handler contract.
type State int

const (
	StateDialing State = iota
	StateAuthenticating
	StateConnected
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is one configured upstream to try, in priority order.
type Endpoint struct {
	Address    string
	AuthorityPublicKey string
}

// Dialer opens a framed connection to an endpoint; production code backs
// this with a Noise-encrypted TCP dial, tests back it with an in-memory
// pipe.
type Dialer func(ctx context.Context, ep Endpoint) (sv2.Conn, error)

// Sink is where decoded inbound messages are delivered; internal/manager's
// Manager.Submit satisfies this via a small adapter in the role wrapper.
type Sink func(payload interface{})

// Client drives one upstream connection at a time, reconnecting through
// the configured endpoint list on failure.
type Client struct {
	logger    *zap.Logger
	endpoints []Endpoint
	dial      Dialer
	sink      Sink

	mu    sync.Mutex
	state State
	conn  sv2.Conn
	index int
}

// New constructs an upstream Client over a prioritized endpoint list.
func New(logger *zap.Logger, endpoints []Endpoint, dial Dialer, sink Sink) *Client {
	return &Client{
		logger:    logger.Named("upstream"),
		endpoints: endpoints,
		dial:      dial,
		sink:      sink,
		state:     StateDialing,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run dials the current endpoint, performs SetupConnection, and then reads
// frames until ctx is canceled or the connection fails. A failed dial or
// handshake advances to the next endpoint and retries after a backoff that
// starts at one second and doubles up to 30 seconds; a connection that drops
// after connecting is redialed on the current endpoint at once. It returns only
// when ctx is canceled; transient failures are retried internally, giving
// the caller one long-lived goroutine per upstream rather than needing its
// own supervisor loop for ordinary reconnects (the Fallback Coordinator is
// for upstream *rotation* on a fallback trigger, not routine reconnects).
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ep := c.currentEndpoint()
		c.setState(StateDialing)
		conn, err := c.dial(ctx, ep)
		if err != nil {
			c.logger.Warn("dial failed", zap.String("endpoint", ep.Address), zap.Error(err))
			c.advanceEndpoint()
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		c.setState(StateAuthenticating)
		if err := c.handshake(conn); err != nil {
			c.logger.Warn("setup connection rejected", zap.String("endpoint", ep.Address), zap.Error(err))
			conn.Close()
			c.setState(StateRejected)
			c.advanceEndpoint()
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		backoff = time.Second

		c.logger.Info("upstream connected", zap.String("endpoint", ep.Address))
		if err := c.readLoop(ctx, conn); err != nil {
			c.logger.Warn("upstream connection lost", zap.Error(err))
		}
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) handshake(conn sv2.Conn) error {
	// SetupConnection/SetupConnectionSuccess is a synchronous request/reply
	// exchanged before the connection is handed to the read loop; encoding
	// specifics are delegated to the transport's frame codec (component A).
	if err := conn.WriteFrame(sv2.MsgSetupConnection, 0, nil); err != nil {
		return fmt.Errorf("upstream: send SetupConnection: %w", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("upstream: await SetupConnectionSuccess: %w", err)
	}
	if frame.Header.MsgType == sv2.MsgSetupConnectionError {
		return fmt.Errorf("upstream: SetupConnectionError")
	}
	if frame.Header.MsgType != sv2.MsgSetupConnectionSuccess {
		return fmt.Errorf("upstream: unexpected reply type %d to SetupConnection", frame.Header.MsgType)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn sv2.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		payload, err := Decode(frame)
		if err != nil {
			c.logger.Debug("failed to decode upstream frame", zap.Error(err))
			continue
		}
		c.sink(payload)
	}
}

// Send encodes and writes payload to the current connection; it implements
// manager.UpstreamSink. Called from the dispatch loop's emit step, after
// the manager's mutex has already been released.
func (c *Client) Send(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream: not connected")
	}
	msgType, encoded, err := Encode(payload)
	if err != nil {
		return err
	}
	return conn.WriteFrame(msgType, 0, encoded)
}

// TriggerRotation forces the client off its current connection and onto
// the next configured endpoint, called by the Fallback Coordinator.
func (c *Client) TriggerRotation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.advanceEndpointLocked()
}

func (c *Client) currentEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.index%len(c.endpoints)]
}

func (c *Client) advanceEndpoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceEndpointLocked()
}

func (c *Client) advanceEndpointLocked() {
	c.index = (c.index + 1) % len(c.endpoints)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > 30*time.Second {
		*backoff = 30 * time.Second
	}
	return true
}
