// Package config loads authguard settings from the environment and builds the components
// they describe. An invalid configuration is fatal: the process must not serve traffic
// with a weakened abuse-prevention control.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/authguard/clientip"
	"github.com/nhalm/authguard/idempotency"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/ratelimit"
	"github.com/nhalm/authguard/store"
)

// Backend names accepted by AUTHGUARD_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendREST   = "rest"
)

const limitPrefix = "AUTHGUARD_LIMIT_"

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config captures the runtime configuration.
type Config struct {
	Addr      string `validate:"required"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	Backend   string `validate:"oneof=memory redis rest"`
	KeyPrefix string `validate:"required"`

	RedisAddr     string `validate:"required_if=Backend redis,omitempty,hostname_port"`
	RedisPassword string
	RedisDB       int `validate:"gte=0,lte=15"`
	RedisPoolSize int `validate:"gte=0"`

	RESTURL    string  `validate:"required_if=Backend rest,omitempty,url"`
	RESTToken  string  `validate:"required_if=Backend rest"`
	RESTMaxRPS float64 `validate:"gte=0"`

	FailMode       policy.FailMode
	BackendTimeout time.Duration `validate:"gte=1ms"`

	TrustedProxies int `validate:"gte=0"`
	ProxyPolicy    clientip.Policy

	IdempotencyTTL time.Duration `validate:"gte=1s"`

	// Limits holds the built-in policies with any AUTHGUARD_LIMIT_<OPERATION> overrides.
	Limits map[string]policy.LimitPolicy
}

// Load reads the configuration from the environment. Every malformed variable is
// reported, not just the first, and the result is validated.
func Load() (Config, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "AUTHGUARD_") {
			env[k] = v
		}
	}
	return load(env)
}

func load(env map[string]string) (Config, error) {
	p := parser{env: env}

	cfg := Config{
		Addr:      p.str("AUTHGUARD_ADDR", ":8080"),
		LogLevel:  strings.ToLower(p.str("AUTHGUARD_LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(p.str("AUTHGUARD_LOG_FORMAT", "json")),

		Backend:   strings.ToLower(p.str("AUTHGUARD_BACKEND", BackendMemory)),
		KeyPrefix: p.str("AUTHGUARD_KEY_PREFIX", store.DefaultPrefix),

		RedisAddr:     p.str("AUTHGUARD_REDIS_ADDR", ""),
		RedisPassword: p.str("AUTHGUARD_REDIS_PASSWORD", ""),
		RedisDB:       p.int("AUTHGUARD_REDIS_DB", 0),
		RedisPoolSize: p.int("AUTHGUARD_REDIS_POOL_SIZE", 0),

		RESTURL:    p.str("AUTHGUARD_REST_URL", ""),
		RESTToken:  p.str("AUTHGUARD_REST_TOKEN", ""),
		RESTMaxRPS: p.float("AUTHGUARD_REST_MAX_RPS", 0),

		BackendTimeout: p.duration("AUTHGUARD_BACKEND_TIMEOUT", 2*time.Second),
		TrustedProxies: p.int("AUTHGUARD_TRUSTED_PROXIES", 0),
		IdempotencyTTL: p.duration("AUTHGUARD_IDEMPOTENCY_TTL", 24*time.Hour),
	}

	if mode, err := policy.ParseFailMode(p.str("AUTHGUARD_FAIL_MODE", "")); err != nil {
		p.fail("AUTHGUARD_FAIL_MODE", err)
	} else {
		cfg.FailMode = mode
	}

	switch v := strings.ToLower(p.str("AUTHGUARD_PROXY_POLICY", "leftmost")); v {
	case "leftmost":
		cfg.ProxyPolicy = clientip.Leftmost
	case "rightmost":
		cfg.ProxyPolicy = clientip.Rightmost
	default:
		p.fail("AUTHGUARD_PROXY_POLICY", fmt.Errorf("unknown policy %q", v))
	}

	cfg.Limits = policy.Defaults()
	for k, v := range env {
		op, ok := strings.CutPrefix(k, limitPrefix)
		if !ok {
			continue
		}
		// Overrides only replace built-in operations; a misspelled name must not leave
		// the intended operation on its defaults.
		if _, known := cfg.Limits[strings.ToLower(op)]; !known {
			p.fail(k, fmt.Errorf("unknown operation %q (known: %s)", strings.ToLower(op), strings.Join(slices.Sorted(maps.Keys(cfg.Limits)), ", ")))
			continue
		}
		lp, err := policy.ParseLimit(v)
		if err != nil {
			p.fail(k, err)
			continue
		}
		cfg.Limits[strings.ToLower(op)] = lp
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the limit table.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := policy.NewTable(c.Limits); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Table builds the policy table.
func (c Config) Table() (*policy.Table, error) {
	t, err := policy.NewTable(c.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return t, nil
}

// Resolver builds the trusted-IP resolver.
func (c Config) Resolver() *clientip.Resolver {
	return clientip.NewResolver(c.TrustedProxies, clientip.WithPolicy(c.ProxyPolicy))
}

// LimiterOptions returns the limiter options implied by the configuration.
func (c Config) LimiterOptions(logger *slog.Logger) []ratelimit.Option {
	return []ratelimit.Option{
		ratelimit.WithResolver(c.Resolver()),
		ratelimit.WithFailMode(c.FailMode),
		ratelimit.WithTimeout(c.BackendTimeout),
		ratelimit.WithLogger(logger),
	}
}

// GuardOptions returns the idempotency guard options implied by the configuration.
func (c Config) GuardOptions(logger *slog.Logger) []idempotency.Option {
	return []idempotency.Option{
		idempotency.WithFailMode(c.FailMode),
		idempotency.WithTimeout(c.BackendTimeout),
		idempotency.WithLogger(logger),
	}
}

// OpenStore connects the configured backend. Remote backends are pinged, so bad
// credentials or an unreachable endpoint fail here rather than on the first request.
func (c Config) OpenStore() (store.Backend, error) {
	switch c.Backend {
	case BackendMemory:
		return store.NewMemory(), nil
	case BackendRedis:
		r, err := store.NewRedis(store.RedisConfig{
			Addr:        c.RedisAddr,
			Password:    c.RedisPassword,
			DB:          c.RedisDB,
			Prefix:      c.KeyPrefix,
			PoolSize:    c.RedisPoolSize,
			DialTimeout: c.BackendTimeout,
			ReadTimeout: c.BackendTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return r, nil
	case BackendREST:
		r, err := store.NewREST(store.RESTConfig{
			URL:                  c.RESTURL,
			Token:                c.RESTToken,
			Prefix:               c.KeyPrefix,
			Timeout:              c.BackendTimeout,
			MaxRequestsPerSecond: c.RESTMaxRPS,
		})
		if err != nil {
			return nil, fmt.Errorf("open rest store: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// parser reads typed values and collects errors instead of falling back silently.
type parser struct {
	env  map[string]string
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(p.env[key]); v != "" {
		return v
	}
	return fallback
}

func (p *parser) int(key string, fallback int) int {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return i
}

func (p *parser) float(key string, fallback float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}
