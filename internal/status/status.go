// Package status implements the Status Bus: a fan-out of lifecycle events
// from the Channel Manager, Upstream Client, and Downstream Server to the
// role's top-level supervisor, which decides whether to rotate upstreams,
// drop a single downstream, or shut the process down.
package status

import "sync"

// Kind enumerates the lifecycle events the supervisor cares about.
type Kind int

const (
	DownstreamShutdown Kind = iota
	TemplateReceiverShutdown
	UpstreamShutdown
	ManagerShutdown
)

func (k Kind) String() string {
	switch k {
	case DownstreamShutdown:
		return "downstream_shutdown"
	case TemplateReceiverShutdown:
		return "template_receiver_shutdown"
	case UpstreamShutdown:
		return "upstream_shutdown"
	case ManagerShutdown:
		return "manager_shutdown"
	default:
		return "unknown"
	}
}

// Event is one status notification.
type Event struct {
	Kind         Kind
	DownstreamId uint32
	Err          error
}

// Bus is a simple multi-subscriber broadcast: every subscriber gets every
// event on its own buffered channel, mirroring the broadcast-channel
// pattern used to fan status out to both the supervisor and the monitoring
// server in the reference architecture.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
}

// New creates an empty Status Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every future Publish call.
// Subscribers must keep up; a full channel drops the event rather than
// blocking the publisher, since status events are advisory, not a queue of
// required work.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 16)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans ev out to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
