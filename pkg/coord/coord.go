// Package coord abstracts the coordination store behind service
// registration. A Client holds one session with the store; entries written
// with PutEphemeral live exactly as long as that session.
//
// The primary implementation is backed by etcd, where a session is a lease
// kept alive in the background. Redis and SQL implementations cover
// installations without an etcd cluster, and Mock serves tests.
package coord

import "context"

// EventType classifies a watch event.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a single change under a watched prefix.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// KV is one stored entry.
type KV struct {
	Key     string
	Value   []byte
	Version int64
}

// State describes the session lifecycle of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a session-oriented handle on a coordination store.
type Client interface {
	// Connect establishes the session, bounded by the ctx deadline. It is a
	// no-op while the session is healthy and establishes a fresh session
	// after expiry.
	Connect(ctx context.Context) error

	// PutEphemeral stores value under key, bound to the current session.
	// The entry disappears when the session ends. An existing key fails
	// with ErrNodeExists.
	PutEphemeral(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Get returns the entry at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (KV, error)

	// List returns all entries under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Watch streams changes under prefix until ctx is cancelled, at which
	// point the returned channel closes.
	Watch(ctx context.Context, prefix string) <-chan Event

	// SessionLost returns a channel that closes when the current session
	// ends. Connect arms a fresh channel; before the first Connect it is nil.
	SessionLost() <-chan struct{}

	// State reports the session state.
	State() State

	// Close ends the session and releases resources. The underlying
	// connection is closed only when this client owns it. Idempotent.
	Close() error
}
