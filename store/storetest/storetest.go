// Package storetest provides hermetic backends for tests: a Redis store backed by
// miniredis, and a REST store talking to an httptest server that speaks the managed Redis
// REST protocol on top of the same miniredis instance.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nhalm/authguard/store"
)

// Token is the bearer token accepted by the fake REST server.
const Token = "storetest-token"

// Backend bundles a store with the controls a test needs.
type Backend struct {
	Name  string
	Store store.Backend

	// Advance moves the backend's clock forward, expiring keys as a real server would.
	Advance func(time.Duration)

	// Miniredis is nil for the memory backend.
	Miniredis *miniredis.Miniredis
}

// Clock is a manually advanced time source for the memory backend.
type Clock struct {
	nanos atomic.Int64
}

// NewClock returns a clock starting at start.
func NewClock(start time.Time) *Clock {
	c := &Clock{}
	c.nanos.Store(start.UnixNano())
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return time.Unix(0, c.nanos.Load())
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// Memory returns a memory backend driven by a fake clock.
func Memory(tb testing.TB) Backend {
	tb.Helper()
	clock := NewClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	m := store.NewMemory(store.WithClock(clock.Now))
	tb.Cleanup(func() { m.Close() })
	return Backend{Name: "memory", Store: m, Advance: clock.Advance}
}

// Redis returns a Redis backend connected to a fresh miniredis server.
func Redis(tb testing.TB) Backend {
	tb.Helper()
	mr := miniredis.RunT(tb)
	r, err := store.NewRedis(store.RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	if err != nil {
		tb.Fatalf("NewRedis() error = %v", err)
	}
	tb.Cleanup(func() { r.Close() })
	return Backend{Name: "redis", Store: r, Advance: mr.FastForward, Miniredis: mr}
}

// REST returns a REST backend talking to a fake REST server on top of miniredis.
func REST(tb testing.TB) Backend {
	tb.Helper()
	mr := miniredis.RunT(tb)
	srv := NewRESTServer(tb, mr)
	r, err := store.NewREST(store.RESTConfig{URL: srv.URL, Token: Token, Prefix: "test:"})
	if err != nil {
		tb.Fatalf("NewREST() error = %v", err)
	}
	tb.Cleanup(func() { r.Close() })
	return Backend{Name: "rest", Store: r, Advance: mr.FastForward, Miniredis: mr}
}

// All returns one of each backend.
func All(tb testing.TB) []Backend {
	tb.Helper()
	return []Backend{Memory(tb), Redis(tb), REST(tb)}
}

// NewRESTServer starts an httptest server translating REST commands into Redis commands
// against mr. It requires the bearer Token.
func NewRESTServer(tb testing.TB, mr *miniredis.Miniredis) *httptest.Server {
	tb.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srv := httptest.NewServer(RESTHandler(client))
	tb.Cleanup(func() {
		srv.Close()
		client.Close()
	})
	return srv
}

// RESTHandler serves the REST protocol by forwarding each command to client.
func RESTHandler(client *redis.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Header.Get("Authorization") != "Bearer "+Token {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "Unauthorized"})
			return
		}

		var cmd []string
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || len(cmd) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "ERR malformed command"})
			return
		}

		args := make([]any, len(cmd))
		for i, c := range cmd {
			args[i] = c
		}

		res, err := client.Do(context.Background(), args...).Result()
		if errors.Is(err, redis.Nil) {
			json.NewEncoder(w).Encode(map[string]any{"result": nil})
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": res})
	})
}

// Failing is a backend whose every call fails, optionally after blocking until the
// context is done.
type Failing struct {
	Err   error
	Block bool
	Calls atomic.Int64
}

var _ store.Backend = (*Failing)(nil)

func (f *Failing) fail(ctx context.Context) error {
	f.Calls.Add(1)
	if f.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.Err != nil {
		return f.Err
	}
	return errors.New("storetest: backend unavailable")
}

func (f *Failing) Get(ctx context.Context, _ string) (int64, error) { return 0, f.fail(ctx) }

func (f *Failing) TTL(ctx context.Context, _ string) (time.Duration, bool, error) {
	return 0, false, f.fail(ctx)
}

func (f *Failing) Increment(ctx context.Context, _ string, _ time.Duration) (int64, time.Duration, error) {
	return 0, 0, f.fail(ctx)
}

func (f *Failing) Hit(ctx context.Context, _ []store.Window) (store.Hit, error) {
	return store.Hit{}, f.fail(ctx)
}

func (f *Failing) Reset(ctx context.Context, _ ...string) error { return f.fail(ctx) }

func (f *Failing) Reserve(ctx context.Context, _ string, _ time.Duration) (store.Record, bool, error) {
	return store.Record{}, false, f.fail(ctx)
}

func (f *Failing) Complete(ctx context.Context, _, _ string, _ json.RawMessage, _ time.Duration) error {
	return f.fail(ctx)
}

func (f *Failing) Release(ctx context.Context, _, _ string) error { return f.fail(ctx) }

func (f *Failing) Ping(ctx context.Context) error { return f.fail(ctx) }

func (f *Failing) Close() error { return nil }
