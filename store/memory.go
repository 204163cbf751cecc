package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type counterEntry struct {
	count      int64
	expiration time.Time
}

type recordEntry struct {
	record     Record
	expiration time.Time
}

// Memory is an in-process implementation of Counter and Idempotency.
//
// WARNING: state lives in this process only. Behind a load balancer each instance keeps
// its own counters, so a client can exceed a limit by spreading requests across instances.
// Use Memory for local development, tests and single-instance deployments. Each Memory is
// an independent store; nothing is shared between instances of the type.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	records  map[string]*recordEntry
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, so tests can move time forward without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-memory store. A background goroutine removes expired entries
// every minute; call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		counters: make(map[string]*counterEntry),
		records:  make(map[string]*recordEntry),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// live returns the unexpired counter for key. Caller holds m.mu.
func (m *Memory) live(key string, now time.Time) (*counterEntry, bool) {
	entry, ok := m.counters[key]
	if !ok || !now.Before(entry.expiration) {
		return nil, false
	}
	return entry, true
}

// incrementLocked is the initialize-or-increment step. Caller holds m.mu.
func (m *Memory) incrementLocked(key string, window time.Duration, now time.Time) (int64, time.Duration) {
	entry, ok := m.live(key, now)
	if !ok {
		period := time.Duration(seconds(window)) * time.Second
		m.counters[key] = &counterEntry{count: 1, expiration: now.Add(period)}
		return 1, period
	}
	entry.count++
	return entry.count, entry.expiration.Sub(now)
}

// Get returns the current count, or 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.live(key, m.now())
	if !ok {
		return 0, nil
	}
	return entry.count, nil
}

// TTL returns the time remaining until the key expires.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.live(key, now)
	if !ok {
		return 0, false, nil
	}
	return entry.expiration.Sub(now), true, nil
}

// Increment initializes or increments the counter under the store lock.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, ttl := m.incrementLocked(key, window, m.now())
	return count, ttl, nil
}

// Hit checks and increments all windows under a single lock acquisition.
func (m *Memory) Hit(_ context.Context, windows []Window) (Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	h := Hit{Allowed: true, Exceeded: -1, Windows: make([]WindowState, len(windows))}

	for i, w := range windows {
		if entry, ok := m.live(w.Key, now); ok && entry.count >= w.Limit {
			h.Allowed = false
			h.Exceeded = i
			break
		}
	}

	if !h.Allowed {
		for i, w := range windows {
			if entry, ok := m.live(w.Key, now); ok {
				h.Windows[i] = WindowState{Count: entry.count, TTL: entry.expiration.Sub(now)}
			} else {
				h.Windows[i] = WindowState{TTL: -1}
			}
		}
		return h, nil
	}

	for i, w := range windows {
		count, ttl := m.incrementLocked(w.Key, w.Period, now)
		h.Windows[i] = WindowState{Count: count, TTL: ttl}
	}
	return h, nil
}

// Reset removes counters and records stored under the given keys.
func (m *Memory) Reset(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.counters, key)
		delete(m.records, key)
	}
	return nil
}

// Reserve writes a reserved record if none is live for key.
func (m *Memory) Reserve(_ context.Context, key string, ttl time.Duration) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.records[key]; ok && now.Before(entry.expiration) {
		return entry.record, true, nil
	}

	rec := Record{State: StateReserved, ReservedAt: now.UTC(), Token: uuid.NewString()}
	m.records[key] = &recordEntry{
		record:     rec,
		expiration: now.Add(time.Duration(seconds(ttl)) * time.Second),
	}
	return rec, false, nil
}

// heldLocked returns the live reservation for key if token owns it.
func (m *Memory) heldLocked(key, token string, now time.Time) (*recordEntry, bool) {
	entry, ok := m.records[key]
	if !ok || !now.Before(entry.expiration) {
		return nil, false
	}
	if entry.record.State != StateReserved || entry.record.Token != token {
		return nil, false
	}
	return entry, true
}

// Complete stores the payload and marks the record completed.
func (m *Memory) Complete(_ context.Context, key, token string, payload json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.heldLocked(key, token, now)
	if !ok {
		return ErrNotReserved
	}
	m.records[key] = &recordEntry{
		record: Record{
			State:      StateCompleted,
			Payload:    append(json.RawMessage(nil), payload...),
			ReservedAt: entry.record.ReservedAt,
		},
		expiration: now.Add(time.Duration(seconds(ttl)) * time.Second),
	}
	return nil
}

// Release deletes the reservation for key if token owns it.
func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heldLocked(key, token, m.now()); ok {
		delete(m.records, key)
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// runCleanup removes every expired entry in one pass.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.counters {
		if !now.Before(entry.expiration) {
			delete(m.counters, key)
		}
	}
	for key, entry := range m.records {
		if !now.Before(entry.expiration) {
			delete(m.records, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
