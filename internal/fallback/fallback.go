// Package fallback implements the Fallback Coordinator: a registry of
// subsystems that own upstream-side resources (the Upstream Client, the
// Job Declarator connection, any per-role cache of declared jobs) plus a
// broadcast cancellation token, so the supervisor can atomically tear down
// just the upstream/JD side of the system while every downstream connection
// stays alive, per spec §4.I/§5.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// hardTimeout bounds how long Trigger waits for every registered subsystem
// to call Handler.Done before giving up and returning anyway, matching the
// spec's 5-second hard timeout before force-abort.
const hardTimeout = 5 * time.Second

// Coordinator is the Fallback Coordinator: Register increments a count of
// outstanding subsystems, Trigger cancels the shared token and blocks until
// every registered subsystem has called Done (or the hard timeout elapses).
type Coordinator struct {
	mu      sync.Mutex
	count   int
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	waiting bool
}

// New constructs an idle Coordinator with a fresh cancellation token.
func New() *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{ctx: ctx, cancel: cancel}
}

// Handler is returned by Register; the owning subsystem must call Done
// exactly once when it has dropped its upstream-side resources in response
// to a Trigger.
type Handler struct {
	c    *Coordinator
	once sync.Once
}

// Register adds one subsystem to the set Trigger must wait for.
func (c *Coordinator) Register() *Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return &Handler{c: c}
}

// Done signals that this subsystem has finished tearing down its
// upstream-side resources. Safe to call at most meaningfully once; later
// calls are no-ops.
func (h *Handler) Done() {
	h.once.Do(func() {
		c := h.c
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.count > 0 {
			c.count--
		}
		if c.waiting && c.count == 0 && c.done != nil {
			close(c.done)
			c.done = nil
		}
	})
}

// Token returns the cancellation token subsystems should select on to learn
// a fallback has been triggered.
func (c *Coordinator) Token() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Trigger cancels the current token and blocks until every registered
// subsystem has called Done, or hardTimeout elapses, whichever comes
// first. It then installs a fresh token for the next fallback cycle.
func (c *Coordinator) Trigger() error {
	c.mu.Lock()
	if c.count == 0 {
		c.cancel()
		c.resetLocked()
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.done = done
	c.waiting = true
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(hardTimeout):
		c.mu.Lock()
		remaining := c.count
		c.waiting = false
		c.done = nil
		c.mu.Unlock()
		c.resetToken()
		return fmt.Errorf("fallback: %d subsystem(s) did not acknowledge within %s", remaining, hardTimeout)
	}

	c.resetToken()
	return nil
}

func (c *Coordinator) resetToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Coordinator) resetLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancel = cancel
}

// Outstanding returns the number of subsystems still registered but not yet
// done, for diagnostics/monitoring.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
