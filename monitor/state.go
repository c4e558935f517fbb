// Package monitor owns live chat sessions. A Session holds one upstream
// connection for one tenant and walks an explicit connection state machine;
// the Supervisor keeps at most one Session per tenant and reconciles the
// in-memory set against persisted monitor records.
package monitor

import (
	"errors"
	"time"
)

// State is a session connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reasons attached to state changes.
const (
	ReasonStart     = "start"
	ReasonConnected = "connected"
	ReasonTransport = "transport_error"
	ReasonRetry     = "retry"
	ReasonStopped   = "stopped"
	ReasonExhausted = "exhausted"
)

// DefaultMaxRetries is the reconnect ceiling: one initial attempt plus this
// many retries.
const DefaultMaxRetries = 5

var (
	// ErrResolve marks a tenant whose channel could not be resolved to a room.
	ErrResolve = errors.New("monitor: resolve channel")
	// ErrExhausted is recorded when a session gives up reconnecting.
	ErrExhausted = errors.New("monitor: reconnect attempts exhausted")
	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("monitor: supervisor shut down")

	errStopping = errors.New("monitor: session stopping")
)

// StateChange is published by a session on every transition.
type StateChange struct {
	TenantID int64
	Session  *Session
	From     State
	To       State
	Reason   string
	Err      error
	At       time.Time
}

// Backoff returns the wait before retry number n (0-based): 2^n seconds.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return time.Duration(1<<uint(n)) * time.Second
}
