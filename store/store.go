// Package store provides the storage backends shared by the rate limiter and the
// idempotency guard.
//
// Three interchangeable implementations satisfy both Counter and Idempotency:
//
//   - Memory: an owned in-process store for development and tests. State is local to the
//     process, so limits are not shared across instances.
//   - Redis: a go-redis client against Redis (or any RESP-compatible server). Multi-step
//     updates run as Lua scripts, so they are atomic across instances.
//   - REST: a managed Redis reached over HTTPS (Upstash-style REST API). Sends the same
//     Lua scripts via EVAL, one request per mutation.
//
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultPrefix namespaces every key written by a backend.
const DefaultPrefix = "authguard:"

// Window describes one fixed-window counter taking part in a Hit.
type Window struct {
	Key    string
	Limit  int64
	Period time.Duration
}

// WindowState is a counter's value after a Hit.
// TTL is negative when the backend reports no expiry for the key.
type WindowState struct {
	Count int64
	TTL   time.Duration
}

// Hit is the outcome of an atomic check-and-increment across several windows.
type Hit struct {
	// Allowed is true when every window had budget left and all were incremented.
	Allowed bool

	// Exceeded is the index of the first exhausted window, or -1 when allowed.
	Exceeded int

	// Windows holds one state per input window, in input order. On denial the counts are
	// the unchanged current values.
	Windows []WindowState
}

// Counter is the fixed-window counter contract.
type Counter interface {
	// Get returns the current count, or 0 if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// TTL returns the time remaining on the key. ok is false when the key is missing or
	// has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Increment creates the key with count 1 and the window as TTL if absent, or adds one
	// without touching the TTL if present. Atomic with respect to concurrent callers.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Hit checks windows in order and denies on the first one whose count already reached
	// its limit, incrementing nothing. Otherwise it increments every window as Increment
	// does. The whole operation is atomic.
	Hit(ctx context.Context, windows []Window) (Hit, error)

	// Reset removes the given keys.
	Reset(ctx context.Context, keys ...string) error

	// Close releases any resources held by the store.
	Close() error
}

// RecordState is the lifecycle stage of an idempotency record.
type RecordState string

const (
	StateReserved  RecordState = "reserved"
	StateCompleted RecordState = "completed"
)

// ErrNotReserved is returned by Complete when key no longer holds the caller's
// reservation: it expired, was released, or was taken over by another caller.
var ErrNotReserved = errors.New("store: reservation not held")

// Record is a stored idempotency entry.
type Record struct {
	State      RecordState     `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReservedAt time.Time       `json:"reserved_at"`

	// Token identifies the reservation that created the record. Only its holder can
	// complete or release it.
	Token string `json:"token,omitempty"`
}

// Idempotency is the idempotency-record contract.
type Idempotency interface {
	// Reserve writes a reserved record if the key is absent and reports existed=false.
	// If the key is present it returns the stored record and existed=true. The check and
	// the write happen in one atomic step.
	Reserve(ctx context.Context, key string, ttl time.Duration) (rec Record, existed bool, err error)

	// Complete stores the result and marks the record completed, with a fresh TTL. The
	// write only happens while key still holds the reservation identified by token;
	// otherwise it returns ErrNotReserved and leaves the record untouched.
	Complete(ctx context.Context, key, token string, payload json.RawMessage, ttl time.Duration) error

	// Release deletes the record so the operation can be attempted again. A record that
	// is not the reservation identified by token is left alone.
	Release(ctx context.Context, key, token string) error
}

// Backend is a store usable by both the limiter and the idempotency guard.
type Backend interface {
	Counter
	Idempotency
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// seconds converts a window to whole seconds, never less than one.
func seconds(d time.Duration) int64 {
	return max(1, int64(d/time.Second))
}
