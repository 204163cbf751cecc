package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(WithClock(clock.Now))
	t.Cleanup(func() { m.Close() })
	return m, clock
}

func TestMemory_Increment(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Memory, time.Time)
		window  time.Duration
		want    int64
		wantTTL time.Duration
	}{
		{
			name:    "first increment creates new entry",
			window:  time.Minute,
			want:    1,
			wantTTL: time.Minute,
		},
		{
			name: "increment existing key keeps expiration",
			setup: func(m *Memory, now time.Time) {
				m.counters["k"] = &counterEntry{count: 5, expiration: now.Add(30 * time.Second)}
			},
			window:  time.Minute,
			want:    6,
			wantTTL: 30 * time.Second,
		},
		{
			name: "increment expired key resets counter",
			setup: func(m *Memory, now time.Time) {
				m.counters["k"] = &counterEntry{count: 10, expiration: now.Add(-time.Second)}
			},
			window:  time.Minute,
			want:    1,
			wantTTL: time.Minute,
		},
		{
			name: "key expiring exactly now is expired",
			setup: func(m *Memory, now time.Time) {
				m.counters["k"] = &counterEntry{count: 10, expiration: now}
			},
			window:  time.Minute,
			want:    1,
			wantTTL: time.Minute,
		},
		{
			name:    "zero window rounds up to one second",
			window:  0,
			want:    1,
			wantTTL: time.Second,
		},
		{
			name:    "fractional window truncates to whole seconds",
			window:  1500 * time.Millisecond,
			want:    1,
			wantTTL: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestMemory(t)
			if tt.setup != nil {
				tt.setup(m, clock.now)
			}

			got, ttl, err := m.Increment(context.Background(), "k", tt.window)
			if err != nil {
				t.Fatalf("Increment() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Increment() count = %d, want %d", got, tt.want)
			}
			if ttl != tt.wantTTL {
				t.Errorf("Increment() ttl = %v, want %v", ttl, tt.wantTTL)
			}
		})
	}
}

func TestMemory_Cleanup(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	if _, _, err := m.Increment(ctx, "short", time.Second); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Increment(ctx, "long", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Reserve(ctx, "record", time.Second); err != nil {
		t.Fatal(err)
	}

	clock.now = clock.now.Add(2 * time.Second)
	m.runCleanup()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters["short"]; ok {
		t.Error("expired counter was not removed")
	}
	if _, ok := m.counters["long"]; !ok {
		t.Error("live counter was removed")
	}
	if _, ok := m.records["record"]; ok {
		t.Error("expired record was not removed")
	}
}

func TestMemory_CloseTwice(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestMemory_ResetRemovesRecords(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, existed, _ := m.Reserve(ctx, "k", time.Minute); existed {
		t.Error("Reserve() after Reset() found a record")
	}
}

func TestMemory_CompleteKeepsReservedAt(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	reserved, _, err := m.Reserve(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	clock.now = clock.now.Add(5 * time.Second)
	payload := json.RawMessage(`{"ok":true}`)
	if err := m.Complete(ctx, "k", reserved.Token, payload, time.Hour); err != nil {
		t.Fatal(err)
	}
	payload[1] = 'X'

	rec, existed, err := m.Reserve(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !existed || rec.State != StateCompleted {
		t.Fatalf("Reserve() = %+v, %v; want completed record", rec, existed)
	}
	if !rec.ReservedAt.Equal(reserved.ReservedAt) {
		t.Errorf("ReservedAt = %v, want %v", rec.ReservedAt, reserved.ReservedAt)
	}
	if string(rec.Payload) != `{"ok":true}` {
		t.Errorf("Payload = %s, stored payload must not alias caller's slice", rec.Payload)
	}
}

func TestMemory_CompleteWithoutReservation(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if err := m.Complete(ctx, "k", "no-such-token", json.RawMessage(`1`), time.Minute); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("Complete() error = %v, want ErrNotReserved", err)
	}
	m.mu.Lock()
	_, ok := m.records["k"]
	m.mu.Unlock()
	if ok {
		t.Error("Complete() without a reservation wrote a record")
	}
}

func TestMemory_WrongTokenLeavesReservation(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	rec, _, err := m.Reserve(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "k", "other", json.RawMessage(`1`), time.Minute); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Complete() error = %v, want ErrNotReserved", err)
	}
	if err := m.Release(ctx, "k", "other"); err != nil {
		t.Fatal(err)
	}

	got, existed, _ := m.Reserve(ctx, "k", time.Minute)
	if !existed || got.State != StateReserved || got.Token != rec.Token {
		t.Errorf("Reserve() = %+v, %v; want the original reservation", got, existed)
	}
}
