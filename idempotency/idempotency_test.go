package idempotency_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhalm/authguard/idempotency"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/store/storetest"
)

type mergeResult struct {
	UserID string `json:"user_id"`
	Merged int    `json:"merged"`
}

func TestKey(t *testing.T) {
	a := idempotency.Key(policy.OperationMergeOperations, "session-123")
	b := idempotency.Key(policy.OperationMergeOperations, "session-123")
	if a != b {
		t.Errorf("Key() is not deterministic: %q != %q", a, b)
	}

	if !regexp.MustCompile(`^idempotency:merge_operations:[0-9a-f]{64}$`).MatchString(a) {
		t.Errorf("Key() = %q, unexpected format", a)
	}
	if strings.Contains(a, "session-123") {
		t.Error("Key() must not embed the raw identifier")
	}

	if a == idempotency.Key(policy.OperationEmailUpgrade, "session-123") {
		t.Error("different operations must produce different keys")
	}
	if a == idempotency.Key(policy.OperationMergeOperations, "session-124") {
		t.Error("different identifiers must produce different keys")
	}
}

func TestGuard_CheckAndStore(t *testing.T) {
	for _, b := range storetest.All(t) {
		t.Run(b.Name, func(t *testing.T) {
			ctx := context.Background()
			g := idempotency.New(b.Store)
			key := idempotency.Key(policy.OperationMergeOperations, "user-1")

			reserved, err := g.Check(ctx, key, time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if reserved.Exists || reserved.Token == "" {
				t.Fatalf("first Check() = %+v, want a fresh reservation", reserved)
			}

			st, err := g.Check(ctx, key, time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Exists || st.Completed || st.Token != "" {
				t.Fatalf("second Check() = %+v, want reserved by someone else", st)
			}

			if err := g.Store(ctx, key, reserved.Token, mergeResult{UserID: "u-1", Merged: 2}, time.Hour); err != nil {
				t.Fatal(err)
			}

			st, err = g.Check(ctx, key, time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Exists || !st.Completed {
				t.Fatalf("Check() after Store() = %+v, want completed", st)
			}
			if got := string(st.Result); got != `{"user_id":"u-1","merged":2}` {
				t.Errorf("Result = %s", got)
			}
		})
	}
}

func TestGuard_ReservationExpires(t *testing.T) {
	for _, b := range storetest.All(t) {
		t.Run(b.Name, func(t *testing.T) {
			ctx := context.Background()
			g := idempotency.New(b.Store)

			if _, err := g.Check(ctx, "k", 10*time.Second); err != nil {
				t.Fatal(err)
			}
			b.Advance(11 * time.Second)

			st, err := g.Check(ctx, "k", 10*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if st.Exists {
				t.Error("expired reservation should be treated as fresh")
			}
		})
	}
}

func TestGuard_StoreAfterReservationLost(t *testing.T) {
	for _, b := range storetest.All(t) {
		t.Run(b.Name, func(t *testing.T) {
			ctx := context.Background()
			g := idempotency.New(b.Store, idempotency.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

			slow, err := g.Check(ctx, "k", 10*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			b.Advance(11 * time.Second)

			fresh, err := g.Check(ctx, "k", time.Minute)
			if err != nil || fresh.Exists {
				t.Fatalf("Check() after expiry = %+v, %v; want a fresh reservation", fresh, err)
			}

			if err := g.Store(ctx, "k", slow.Token, "stale", time.Hour); !errors.Is(err, idempotency.ErrReservationLost) {
				t.Errorf("late Store() error = %v, want ErrReservationLost", err)
			}
			if err := g.Release(ctx, "k", slow.Token); err != nil {
				t.Fatal(err)
			}

			st, err := g.Check(ctx, "k", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Exists || st.Completed {
				t.Errorf("Check() = %+v; the new holder's reservation must survive", st)
			}

			if err := g.Store(ctx, "k", fresh.Token, "current", time.Hour); err != nil {
				t.Errorf("Store() by the current holder error = %v", err)
			}
		})
	}
}

func TestRun_SuppressesConcurrentDuplicates(t *testing.T) {
	for _, b := range storetest.All(t) {
		t.Run(b.Name, func(t *testing.T) {
			ctx := context.Background()
			g := idempotency.New(b.Store)
			key := idempotency.Key(policy.OperationMergeOperations, "user-1")

			var executions, inProgress atomic.Int64
			started := make(chan struct{})
			finish := make(chan struct{})

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := idempotency.Run(ctx, g, key, time.Hour, func(context.Context) (mergeResult, error) {
					executions.Add(1)
					close(started)
					<-finish
					return mergeResult{UserID: "u-1", Merged: 1}, nil
				})
				if err != nil {
					t.Errorf("first Run() error = %v", err)
				}
			}()
			<-started

			var dupes sync.WaitGroup
			for range 10 {
				dupes.Add(1)
				go func() {
					defer dupes.Done()
					_, _, err := idempotency.Run(ctx, g, key, time.Hour, func(context.Context) (mergeResult, error) {
						executions.Add(1)
						return mergeResult{}, nil
					})
					if errors.Is(err, idempotency.ErrInProgress) {
						inProgress.Add(1)
					}
				}()
			}

			dupes.Wait()
			close(finish)
			wg.Wait()

			if executions.Load() != 1 {
				t.Errorf("operation ran %d times, want 1", executions.Load())
			}
			if inProgress.Load() != 10 {
				t.Errorf("in-progress responses = %d, want 10", inProgress.Load())
			}

			got, replayed, err := idempotency.Run(ctx, g, key, time.Hour, func(context.Context) (mergeResult, error) {
				executions.Add(1)
				return mergeResult{}, nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if !replayed || got.UserID != "u-1" || got.Merged != 1 {
				t.Errorf("Run() = %+v, replayed=%v; want stored result", got, replayed)
			}
			if executions.Load() != 1 {
				t.Errorf("replay re-ran the operation")
			}
		})
	}
}

func TestRun_FailureReleasesKey(t *testing.T) {
	b := storetest.Memory(t)
	ctx := context.Background()
	g := idempotency.New(b.Store)

	boom := errors.New("merge failed")
	_, _, err := idempotency.Run(ctx, g, "k", time.Hour, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}

	got, replayed, err := idempotency.Run(ctx, g, "k", time.Hour, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || replayed || got != 7 {
		t.Errorf("retry Run() = %d, %v, %v; want 7, false, nil", got, replayed, err)
	}
}

func TestGuard_FailMode(t *testing.T) {
	tests := []struct {
		name    string
		mode    policy.FailMode
		wantErr error
		wantRan bool
	}{
		{name: "closed", mode: policy.FailClosed, wantErr: idempotency.ErrUnavailable, wantRan: false},
		{name: "open", mode: policy.FailOpen, wantErr: nil, wantRan: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			g := idempotency.New(&storetest.Failing{Block: true},
				idempotency.WithFailMode(tt.mode),
				idempotency.WithTimeout(20*time.Millisecond),
				idempotency.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
			)

			st, err := g.Check(context.Background(), "k", time.Hour)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check() error = %v, want %v", err, tt.wantErr)
			}
			if st.Exists {
				t.Error("unavailable store must not report an existing key")
			}

			ran := false
			_, _, err = idempotency.Run(context.Background(), g, "k", time.Hour, func(context.Context) (string, error) {
				ran = true
				return "ok", nil
			})
			if ran != tt.wantRan {
				t.Errorf("operation ran = %v, want %v", ran, tt.wantRan)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}

			out := buf.String()
			if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "idempotency_fail_mode="+tt.mode.String()) {
				t.Errorf("expected an operator-visible log entry, got %q", out)
			}
			if tt.mode == policy.FailOpen && !strings.Contains(out, "idempotency_step=store") {
				t.Errorf("fail-open run should also log the failed store: %q", out)
			}
		})
	}
}

func TestGuard_StoreErrors(t *testing.T) {
	g := idempotency.New(&storetest.Failing{}, idempotency.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	if err := g.Store(context.Background(), "k", "tok", func() {}, time.Hour); err == nil || errors.Is(err, idempotency.ErrUnavailable) {
		t.Errorf("Store() with unencodable result error = %v, want encode error", err)
	}
	if err := g.Store(context.Background(), "k", "tok", "ok", time.Hour); !errors.Is(err, idempotency.ErrUnavailable) {
		t.Errorf("Store() error = %v, want ErrUnavailable", err)
	}
	if err := g.Release(context.Background(), "k", "tok"); !errors.Is(err, idempotency.ErrUnavailable) {
		t.Errorf("Release() error = %v, want ErrUnavailable", err)
	}
}
