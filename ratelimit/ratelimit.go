// Package ratelimit enforces per-operation, per-client dual-window limits on sensitive
// authentication endpoints.
//
// Every operation has a short window (e.g. 3 attempts per 5 minutes) and a daily ceiling
// (e.g. 10 per 24 hours). A call is allowed only when both windows have budget left, and
// an allowed call consumes one unit of each. The check and the increments happen in one
// atomic backend operation, so M concurrent calls against a budget of N yield exactly N
// allowed results on every backend.
//
//	counter := store.NewMemory()
//	defer counter.Close()
//
//	limiter := ratelimit.New(counter, policy.MustTable(policy.Defaults()),
//		ratelimit.WithResolver(clientip.NewResolver(1)),
//		ratelimit.WithFailMode(policy.FailClosed),
//	)
//	res, err := limiter.Check(ctx, policy.OperationAnonymousAuth, r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
//
// Backend failures never surface as errors. They resolve to an allow or deny according to
// the configured policy.FailMode, and the cause is logged. Quota consumed by a request
// that is later cancelled is not refunded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nhalm/authguard/clientip"
	"github.com/nhalm/authguard/internal/logging"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/store"
)

// DefaultTimeout bounds each backend call.
const DefaultTimeout = 2 * time.Second

// unavailableRetry is the retry hint given when a fail-closed denial was caused by the
// backend rather than the client.
const unavailableRetry = time.Second

// ErrUnknownOperation is returned when an operation has no entry in the policy table.
var ErrUnknownOperation = errors.New("ratelimit: unknown operation")

// Kind classifies the outcome of a check.
type Kind int

const (
	// KindNone means the call was allowed by the counters.
	KindNone Kind = iota

	// KindRateLimited means a window's budget is exhausted.
	KindRateLimited

	// KindBackendUnavailable means the counter store failed or timed out and the result
	// was decided by the fail mode.
	KindBackendUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindBackendUnavailable:
		return "backend_unavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of Check.
type Result struct {
	Allowed bool

	// Limit is the short-window budget of the operation.
	Limit int64

	// Remaining is the short-window budget left after this call.
	Remaining int64

	// ResetIn is the time until the binding window resets, in whole seconds.
	ResetIn time.Duration

	// RetryAfter is when a denied caller may try again. Zero when allowed.
	RetryAfter time.Time

	Kind Kind

	// Identity is the resolved client address the counters are keyed on.
	Identity string
}

// Limiter checks calls against the policy table.
// Safe for concurrent use.
type Limiter struct {
	counter  store.Counter
	table    *policy.Table
	resolver *clientip.Resolver
	failMode policy.FailMode
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithResolver sets how the client identity is derived from the connection and the
// forwarded-for header. The default trusts no proxies.
func WithResolver(r *clientip.Resolver) Option {
	return func(l *Limiter) {
		l.resolver = r
	}
}

// WithFailMode sets the outcome when the backend is unavailable (default: policy.FailClosed).
func WithFailMode(m policy.FailMode) Option {
	return func(l *Limiter) {
		l.failMode = m
	}
}

// WithTimeout bounds each backend call (default: DefaultTimeout).
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock replaces time.Now when computing RetryAfter.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger used outside canonlog requests (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a Limiter. The counter is shared, not owned: closing it is the caller's job.
func New(counter store.Counter, table *policy.Table, opts ...Option) *Limiter {
	l := &Limiter{
		counter:  counter,
		table:    table,
		resolver: clientip.NewResolver(0),
		failMode: policy.FailClosed,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger)
	return l
}

// FailMode reports the configured fail mode.
func (l *Limiter) FailMode() policy.FailMode {
	return l.failMode
}

func keys(operation, identity string) (short, daily string) {
	base := "ratelimit:" + operation + ":" + identity
	return base + ":window", base + ":daily"
}

// Check records an attempt of operation by the client and reports whether it may proceed.
// The short window is checked before the daily one; a denial reports the reset time of
// the window that denied, and increments nothing.
//
// The returned error is non-nil only for ErrUnknownOperation.
func (l *Limiter) Check(ctx context.Context, operation, connectionIP, forwardedFor string) (Result, error) {
	p, ok := l.table.Lookup(operation)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	identity := l.resolver.Resolve(connectionIP, forwardedFor)
	shortKey, dailyKey := keys(operation, identity)

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	hit, err := l.counter.Hit(callCtx, []store.Window{
		{Key: shortKey, Limit: p.ShortMax, Period: p.ShortWindow},
		{Key: dailyKey, Limit: p.DailyMax, Period: p.DailyWindow},
	})
	if err != nil {
		return l.unavailable(ctx, operation, identity, p, err), nil
	}

	res := Result{Limit: p.ShortMax, Identity: identity}
	if hit.Allowed {
		res.Allowed = true
		res.Remaining = max(0, p.ShortMax-hit.Windows[0].Count)
		res.ResetIn = resetIn(hit.Windows[0].TTL, p.ShortWindow)

		logging.Annotate(ctx, logging.Fields{
			"ratelimit_operation": operation,
			"ratelimit_remaining": res.Remaining,
		})
		return res, nil
	}

	window := "short"
	res.ResetIn = resetIn(hit.Windows[0].TTL, p.ShortWindow)
	if hit.Exceeded == 1 {
		window = "daily"
		res.ResetIn = resetIn(hit.Windows[1].TTL, p.DailyWindow)
	}
	res.Kind = KindRateLimited
	res.RetryAfter = l.now().Add(res.ResetIn)

	logging.Info(ctx, l.logger, "rate limit exceeded", logging.Fields{
		"ratelimit_operation": operation,
		"ratelimit_identity":  identity,
		"ratelimit_window":    window,
		"ratelimit_reset_in":  int64(res.ResetIn / time.Second),
	})
	return res, nil
}

// unavailable resolves a backend failure through the fail mode.
func (l *Limiter) unavailable(ctx context.Context, operation, identity string, p policy.LimitPolicy, cause error) Result {
	res := Result{
		Allowed:  l.failMode == policy.FailOpen,
		Limit:    p.ShortMax,
		Kind:     KindBackendUnavailable,
		Identity: identity,
	}
	if !res.Allowed {
		res.ResetIn = unavailableRetry
		res.RetryAfter = l.now().Add(unavailableRetry)
	}

	logging.Error(ctx, l.logger, "rate limit backend unavailable", fmt.Errorf("rate limit check: %w", cause), logging.Fields{
		"ratelimit_operation": operation,
		"ratelimit_identity":  identity,
		"ratelimit_fail_mode": l.failMode.String(),
		"ratelimit_allowed":   res.Allowed,
	})
	return res
}

// Clear deletes both counters for the client and operation. Intended for tests and
// operator tooling.
func (l *Limiter) Clear(ctx context.Context, operation, connectionIP, forwardedFor string) error {
	if _, ok := l.table.Lookup(operation); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	shortKey, dailyKey := keys(operation, l.resolver.Resolve(connectionIP, forwardedFor))

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.counter.Reset(ctx, shortKey, dailyKey); err != nil {
		return fmt.Errorf("clear rate limit: %w", err)
	}
	return nil
}

// resetIn rounds ttl up to whole seconds, using the full window when the backend reported
// no expiry.
func resetIn(ttl, window time.Duration) time.Duration {
	if ttl < 0 {
		ttl = window
	}
	secs := math.Ceil(ttl.Seconds())
	return time.Duration(max(0, secs)) * time.Second
}
