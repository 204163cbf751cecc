package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	incrScript    = redis.NewScript(incrSource)
	hitScript     = redis.NewScript(hitSource)
	reserveScript  = redis.NewScript(reserveSource)
	completeScript = redis.NewScript(completeSource)
	releaseScript  = redis.NewScript(releaseSource)
)

// Redis is a Redis-backed implementation of Counter and Idempotency suitable for
// multi-instance deployments. Every multi-step update is a Lua script, so concurrent
// callers on different instances can never both initialize the same counter.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig holds configuration for the Redis connection.
// Populate it from the environment in application code; this package never reads
// environment variables itself.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys (default: DefaultPrefix)
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis connects to Redis and verifies the connection with a ping.
// Returns an error if the server cannot be reached within 5 seconds.
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	r := NewRedisFromClient(redis.NewClient(opts), config.Prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client, e.g. a cluster or sentinel client.
// The store takes ownership: Close closes the client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Get returns the current count, or 0 if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// TTL returns the time remaining until the key expires.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := r.client.TTL(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl failed: %w", err)
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// Increment runs the initialize-or-increment script.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, seconds(window)).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(vals))
	}
	return vals[0], ttlFromSeconds(vals[1]), nil
}

// Hit runs the dual-window check-and-increment script.
func (r *Redis) Hit(ctx context.Context, windows []Window) (Hit, error) {
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = r.prefix + w.Key
	}

	vals, err := hitScript.Run(ctx, r.client, keys, hitArgs(windows)...).Int64Slice()
	if err != nil {
		return Hit{}, fmt.Errorf("redis hit failed: %w", err)
	}
	return parseHit(vals, len(windows))
}

// Reset removes the given keys.
func (r *Redis) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Reserve runs the set-if-absent script.
func (r *Redis) Reserve(ctx context.Context, key string, ttl time.Duration) (Record, bool, error) {
	rec := Record{State: StateReserved, ReservedAt: time.Now().UTC(), Token: uuid.NewString()}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return Record{}, false, err
	}

	existing, err := reserveScript.Run(ctx, r.client, []string{r.prefix + key}, encoded, seconds(ttl)).Text()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis reserve failed: %w", err)
	}

	stored, err := decodeRecord(existing)
	if err != nil {
		return Record{}, false, err
	}
	return stored, true, nil
}

// Complete replaces the caller's reservation with the completed result.
func (r *Redis) Complete(ctx context.Context, key, token string, payload json.RawMessage, ttl time.Duration) error {
	encoded, err := encodeRecord(Record{State: StateCompleted, Payload: payload, ReservedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	written, err := completeScript.Run(ctx, r.client, []string{r.prefix + key},
		reservedPrefix, tokenMarker(token), encoded, seconds(ttl)).Int64()
	if err != nil {
		return fmt.Errorf("redis complete failed: %w", err)
	}
	if written == 0 {
		return ErrNotReserved
	}
	return nil
}

// Release deletes the caller's reservation.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, reservedPrefix, tokenMarker(token)).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
