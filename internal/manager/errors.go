package manager

import (
	"fmt"

	"github.com/sv2pool/engine/internal/channel"
)

// ErrorKind classifies how the dispatch loop should react to a handler
// failure: keep going and only log it, drop one misbehaving downstream,
// trigger an upstream fallback/rotation, or tear the whole process down.
type ErrorKind int

const (
	// KindLogOnly covers recoverable protocol noise: a malformed field, a
	// stale share, a duplicate submission. Nothing disconnects.
	KindLogOnly ErrorKind = iota
	// KindDisconnectOne covers a single downstream violating a channel
	// invariant badly enough that only its connection should be dropped.
	KindDisconnectOne
	// KindFallback covers the upstream connection becoming unusable,
	// triggering the Fallback Coordinator's rotation to the next configured
	// upstream while downstream channels are preserved.
	KindFallback
	// KindShutdown covers an unrecoverable local fault (state corruption,
	// an invariant violation that can't be isolated to one connection).
	KindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case KindLogOnly:
		return "log_only"
	case KindDisconnectOne:
		return "disconnect_one"
	case KindFallback:
		return "fallback"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// HandlerError is the structured result every Channel Manager handler
// returns instead of panicking: a severity class, the offending downstream
// (if any), and the underlying cause.
type HandlerError struct {
	Kind         ErrorKind
	DownstreamId channel.DownstreamId
	Cause        error
}

func (e *HandlerError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind.String(), e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// LogOnly wraps err as a log-only HandlerError.
func LogOnly(err error) *HandlerError {
	return &HandlerError{Kind: KindLogOnly, Cause: err}
}

// DisconnectOne wraps err as a HandlerError that drops one downstream.
func DisconnectOne(ds channel.DownstreamId, err error) *HandlerError {
	return &HandlerError{Kind: KindDisconnectOne, DownstreamId: ds, Cause: err}
}

// Fallback wraps err as a HandlerError that triggers upstream rotation.
func Fallback(err error) *HandlerError {
	return &HandlerError{Kind: KindFallback, Cause: err}
}

// Shutdown wraps err as a HandlerError that tears the process down.
func Shutdown(err error) *HandlerError {
	return &HandlerError{Kind: KindShutdown, Cause: err}
}
