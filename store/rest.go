package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// REST is a Counter and Idempotency implementation for managed Redis services that expose
// an HTTP command API (Upstash REST protocol): each command is a JSON array POSTed to the
// base URL with a bearer token, and the reply is {"result": ...} or {"error": "..."}.
//
// Every mutation is a single EVAL request, so a request either applies completely or not
// at all. Mutations are never retried: a lost response may hide an applied increment, and
// replaying it would overcount. Reads are retried once on transport errors.
type REST struct {
	url     string
	token   string
	prefix  string
	client  *http.Client
	limiter *rate.Limiter
}

// RESTConfig holds configuration for a managed REST Redis endpoint.
type RESTConfig struct {
	// URL is the REST endpoint (e.g., "https://eu1-example.upstash.io")
	URL string

	// Token is the bearer token sent with every request
	Token string

	// Prefix is prepended to all keys (default: DefaultPrefix)
	Prefix string

	// Timeout bounds each HTTP request (default: 5s)
	Timeout time.Duration

	// MaxRequestsPerSecond caps outgoing requests to stay within the provider's quota.
	// Zero disables the cap.
	MaxRequestsPerSecond float64

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// errReply marks an error reported by the server rather than the transport.
var errReply = errors.New("rest reply error")

type restReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// NewREST creates a REST store and verifies the endpoint and credentials with a PING.
func NewREST(config RESTConfig) (*REST, error) {
	r, err := newREST(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func newREST(config RESTConfig) (*REST, error) {
	if config.URL == "" {
		return nil, errors.New("rest store: URL is required")
	}
	if config.Token == "" {
		return nil, errors.New("rest store: token is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	r := &REST{
		url:    strings.TrimRight(config.URL, "/"),
		token:  config.Token,
		prefix: config.Prefix,
		client: client,
	}
	if config.MaxRequestsPerSecond > 0 {
		burst := max(1, int(config.MaxRequestsPerSecond))
		r.limiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), burst)
	}
	return r, nil
}

// do sends one command and returns the raw result.
func (r *REST) do(ctx context.Context, args ...string) (json.RawMessage, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rest request budget: %w", err)
		}
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest %s: %w", args[0], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("rest %s: read response: %w", args[0], err)
	}

	var reply restReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("rest %s: status %d: malformed response: %w", args[0], resp.StatusCode, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("rest %s: status %d: %w: %s", args[0], resp.StatusCode, errReply, reply.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rest %s: unexpected status %d", args[0], resp.StatusCode)
	}
	return reply.Result, nil
}

// read sends a read-only command, retrying once on transport errors.
func (r *REST) read(ctx context.Context, args ...string) (json.RawMessage, error) {
	res, err := r.do(ctx, args...)
	if err == nil || ctx.Err() != nil || errors.Is(err, errReply) {
		return res, err
	}
	return r.do(ctx, args...)
}

func (r *REST) eval(ctx context.Context, script string, keys []string, args ...any) (json.RawMessage, error) {
	cmd := make([]string, 0, 3+len(keys)+len(args))
	cmd = append(cmd, "EVAL", script, strconv.Itoa(len(keys)))
	for _, k := range keys {
		cmd = append(cmd, r.prefix+k)
	}
	for _, a := range args {
		cmd = append(cmd, fmt.Sprint(a))
	}
	return r.do(ctx, cmd...)
}

// Ping checks connectivity and credentials.
func (r *REST) Ping(ctx context.Context) error {
	if _, err := r.read(ctx, "PING"); err != nil {
		return fmt.Errorf("failed to connect to rest redis: %w", err)
	}
	return nil
}

// Get returns the current count, or 0 if the key doesn't exist or has expired.
func (r *REST) Get(ctx context.Context, key string) (int64, error) {
	res, err := r.read(ctx, "GET", r.prefix+key)
	if err != nil {
		return 0, err
	}
	var val *string
	if err := json.Unmarshal(res, &val); err != nil {
		return 0, fmt.Errorf("rest get: malformed result: %w", err)
	}
	if val == nil {
		return 0, nil
	}
	count, err := strconv.ParseInt(*val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rest get: %w", err)
	}
	return count, nil
}

// TTL returns the time remaining until the key expires.
func (r *REST) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	res, err := r.read(ctx, "TTL", r.prefix+key)
	if err != nil {
		return 0, false, err
	}
	var secs int64
	if err := json.Unmarshal(res, &secs); err != nil {
		return 0, false, fmt.Errorf("rest ttl: malformed result: %w", err)
	}
	if secs < 0 {
		return 0, false, nil
	}
	return time.Duration(secs) * time.Second, true, nil
}

// Increment runs the initialize-or-increment script in one request.
func (r *REST) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := r.eval(ctx, incrSource, []string{key}, seconds(window))
	if err != nil {
		return 0, 0, err
	}
	var vals []int64
	if err := json.Unmarshal(res, &vals); err != nil {
		return 0, 0, fmt.Errorf("rest increment: malformed result: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(vals))
	}
	return vals[0], ttlFromSeconds(vals[1]), nil
}

// Hit runs the dual-window script in one request.
func (r *REST) Hit(ctx context.Context, windows []Window) (Hit, error) {
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = w.Key
	}
	res, err := r.eval(ctx, hitSource, keys, hitArgs(windows)...)
	if err != nil {
		return Hit{}, err
	}
	var vals []int64
	if err := json.Unmarshal(res, &vals); err != nil {
		return Hit{}, fmt.Errorf("rest hit: malformed result: %w", err)
	}
	return parseHit(vals, len(windows))
}

// Reset removes the given keys.
func (r *REST) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cmd := make([]string, 0, 1+len(keys))
	cmd = append(cmd, "DEL")
	for _, k := range keys {
		cmd = append(cmd, r.prefix+k)
	}
	_, err := r.do(ctx, cmd...)
	return err
}

// Reserve runs the set-if-absent script in one request.
func (r *REST) Reserve(ctx context.Context, key string, ttl time.Duration) (Record, bool, error) {
	rec := Record{State: StateReserved, ReservedAt: time.Now().UTC(), Token: uuid.NewString()}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return Record{}, false, err
	}

	res, err := r.eval(ctx, reserveSource, []string{key}, encoded, seconds(ttl))
	if err != nil {
		return Record{}, false, err
	}
	var existing *string
	if err := json.Unmarshal(res, &existing); err != nil {
		return Record{}, false, fmt.Errorf("rest reserve: malformed result: %w", err)
	}
	if existing == nil {
		return rec, false, nil
	}

	stored, err := decodeRecord(*existing)
	if err != nil {
		return Record{}, false, err
	}
	return stored, true, nil
}

// Complete replaces the caller's reservation with the completed result.
func (r *REST) Complete(ctx context.Context, key, token string, payload json.RawMessage, ttl time.Duration) error {
	encoded, err := encodeRecord(Record{State: StateCompleted, Payload: payload, ReservedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	res, err := r.eval(ctx, completeSource, []string{key}, reservedPrefix, tokenMarker(token), encoded, seconds(ttl))
	if err != nil {
		return err
	}
	var written int64
	if err := json.Unmarshal(res, &written); err != nil {
		return fmt.Errorf("rest complete: malformed result: %w", err)
	}
	if written == 0 {
		return ErrNotReserved
	}
	return nil
}

// Release deletes the caller's reservation.
func (r *REST) Release(ctx context.Context, key, token string) error {
	_, err := r.eval(ctx, releaseSource, []string{key}, reservedPrefix, tokenMarker(token))
	return err
}

// Close releases idle HTTP connections.
func (r *REST) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
