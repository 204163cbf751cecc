// Package idempotency suppresses duplicate execution of non-repeatable mutations such as
// account merges.
//
// A caller derives a key from the operation and a stable identifier, then calls Check.
// The first caller atomically reserves the key and runs the operation; any concurrent or
// later caller sees the reservation (ErrInProgress) or the stored result, and never runs
// the operation a second time:
//
//	key := idempotency.Key(policy.OperationMergeOperations, sessionID)
//	merged, replayed, err := idempotency.Run(ctx, guard, key, 24*time.Hour,
//		func(ctx context.Context) (MergeResult, error) {
//			return accounts.Merge(ctx, from, to)
//		})
//
// When the record store is unavailable the configured policy.FailMode decides: fail-closed
// returns ErrUnavailable so the operation does not run, fail-open treats every key as
// fresh. Both paths are logged.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhalm/authguard/internal/logging"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/store"
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 2 * time.Second

var (
	// ErrInProgress is returned while another caller holds the reservation for a key.
	ErrInProgress = errors.New("idempotency: operation in progress")

	// ErrUnavailable is returned when the record store cannot be reached and the guard
	// fails closed, or when a result could not be recorded.
	ErrUnavailable = errors.New("idempotency: store unavailable")

	// ErrReservationLost is returned by Store when the reservation expired or passed to
	// another caller before the result was recorded. The result is not stored.
	ErrReservationLost = errors.New("idempotency: reservation lost")
)

// Status is the outcome of Check.
type Status struct {
	// Exists is true when the key was already reserved or completed. When false, the
	// caller now holds the reservation and must run the operation.
	Exists bool

	// Completed is true when a result was stored for the key.
	Completed bool

	// Result is the stored JSON result when Completed.
	Result json.RawMessage

	// Token identifies the reservation taken by this Check. Pass it to Store or Release.
	// Empty unless the caller now holds the reservation.
	Token string
}

// Guard checks and records idempotency keys.
// Safe for concurrent use.
type Guard struct {
	records  store.Idempotency
	failMode policy.FailMode
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithFailMode sets the outcome when the store is unavailable (default: policy.FailClosed).
func WithFailMode(m policy.FailMode) Option {
	return func(g *Guard) {
		g.failMode = m
	}
}

// WithTimeout bounds each store call (default: DefaultTimeout).
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger used outside canonlog requests (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New creates a Guard backed by records.
func New(records store.Idempotency, opts ...Option) *Guard {
	g := &Guard{
		records:  records,
		failMode: policy.FailClosed,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDefault(g.logger)
	return g
}

// Key derives the idempotency key for operation and a stable caller identifier, such as
// a session or user ID. The identifier is hashed so it never appears in the store.
// Identical inputs always produce the same key.
func Key(operation, identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return "idempotency:" + operation + ":" + hex.EncodeToString(sum[:])
}

// Check reports whether key was seen before. When it was not, the key is reserved in the
// same atomic step and the caller must run the operation, then call Store or Release
// with the returned Token.
func (g *Guard) Check(ctx context.Context, key string, ttl time.Duration) (Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, existed, err := g.records.Reserve(callCtx, key, ttl)
	if err != nil {
		g.logUnavailable(ctx, "check", key, err)
		if g.failMode == policy.FailOpen {
			return Status{}, nil
		}
		return Status{}, ErrUnavailable
	}

	if !existed {
		logging.Annotate(ctx, logging.Fields{"idempotency_status": "reserved"})
		return Status{Token: rec.Token}, nil
	}

	st := Status{Exists: true, Completed: rec.State == store.StateCompleted}
	if st.Completed {
		st.Result = rec.Payload
		logging.Annotate(ctx, logging.Fields{"idempotency_status": "replayed"})
	} else {
		logging.Annotate(ctx, logging.Fields{"idempotency_status": "in_progress"})
	}
	return st, nil
}

// Store records result as the completed outcome for key, JSON encoded, for ttl. It only
// writes while token still holds the reservation.
func (g *Guard) Store(ctx context.Context, key, token string, result any, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err = g.records.Complete(callCtx, key, token, payload, ttl)
	if errors.Is(err, store.ErrNotReserved) {
		logging.Info(ctx, g.logger, "idempotency reservation lost", logging.Fields{
			"idempotency_key":  key,
			"idempotency_step": "store",
		})
		return ErrReservationLost
	}
	if err != nil {
		g.logUnavailable(ctx, "store", key, err)
		return ErrUnavailable
	}
	return nil
}

// Release drops the reservation held by token so the operation can be retried. Call it
// when the operation failed without side effects. A reservation held by someone else is
// left alone.
func (g *Guard) Release(ctx context.Context, key, token string) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.records.Release(callCtx, key, token); err != nil {
		g.logUnavailable(ctx, "release", key, err)
		return ErrUnavailable
	}
	return nil
}

func (g *Guard) logUnavailable(ctx context.Context, step, key string, cause error) {
	logging.Error(ctx, g.logger, "idempotency store unavailable", fmt.Errorf("idempotency %s: %w", step, cause), logging.Fields{
		"idempotency_key":       key,
		"idempotency_step":      step,
		"idempotency_fail_mode": g.failMode.String(),
	})
}

// Run executes fn at most once per key. A completed key replays the stored result with
// replayed set; a key still reserved returns ErrInProgress. When fn fails the reservation
// is released so a retry can run. A result that cannot be stored is still returned; the
// reservation then expires after ttl.
func Run[T any](ctx context.Context, g *Guard, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	st, err := g.Check(ctx, key, ttl)
	if err != nil {
		return zero, false, err
	}

	if st.Exists {
		if !st.Completed {
			return zero, false, ErrInProgress
		}
		var v T
		if err := json.Unmarshal(st.Result, &v); err != nil {
			return zero, false, fmt.Errorf("decode idempotency result: %w", err)
		}
		return v, true, nil
	}

	v, err := fn(ctx)
	if err != nil {
		_ = g.Release(ctx, key, st.Token)
		return zero, false, err
	}

	_ = g.Store(ctx, key, st.Token, v, ttl)
	return v, false, nil
}
