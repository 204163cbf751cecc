// Package policy holds the static configuration the limiter and idempotency guard act on:
// the per-operation limit table and the process-wide fail mode.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Operation names used by the authentication endpoints.
const (
	OperationAnonymousAuth   = "anonymous_auth"
	OperationMergeOperations = "merge_operations"
	OperationEmailUpgrade    = "email_upgrade"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LimitPolicy is the dual-window budget for one operation.
type LimitPolicy struct {
	ShortMax    int64         `validate:"gt=0"`
	ShortWindow time.Duration `validate:"gte=1s"`
	DailyMax    int64         `validate:"gt=0"`
	DailyWindow time.Duration `validate:"gte=1s"`
}

// Validate reports whether the policy is usable. Windows must be whole seconds.
func (p LimitPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.ShortWindow%time.Second != 0 || p.DailyWindow%time.Second != 0 {
		return errors.New("windows must be whole seconds")
	}
	return nil
}

// String formats the policy in the ParseLimit syntax.
func (p LimitPolicy) String() string {
	return fmt.Sprintf("%d/%s,%d/%s", p.ShortMax, p.ShortWindow, p.DailyMax, p.DailyWindow)
}

// ParseLimit parses "<short_max>/<short_window>,<daily_max>/<daily_window>", for example
// "3/5m,10/24h". A window without a unit is read as seconds ("3/300,10/86400").
func ParseLimit(s string) (LimitPolicy, error) {
	short, daily, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return LimitPolicy{}, fmt.Errorf("limit %q: want <max>/<window>,<max>/<window>", s)
	}

	shortMax, shortWindow, err := parsePair(short)
	if err != nil {
		return LimitPolicy{}, fmt.Errorf("limit %q: short window: %w", s, err)
	}
	dailyMax, dailyWindow, err := parsePair(daily)
	if err != nil {
		return LimitPolicy{}, fmt.Errorf("limit %q: daily window: %w", s, err)
	}

	p := LimitPolicy{
		ShortMax:    shortMax,
		ShortWindow: shortWindow,
		DailyMax:    dailyMax,
		DailyWindow: dailyWindow,
	}
	if err := p.Validate(); err != nil {
		return LimitPolicy{}, fmt.Errorf("limit %q: %w", s, err)
	}
	return p, nil
}

func parsePair(s string) (int64, time.Duration, error) {
	countStr, windowStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, 0, errors.New("missing '/'")
	}

	count, err := strconv.ParseInt(strings.TrimSpace(countStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid count: %w", err)
	}

	windowStr = strings.TrimSpace(windowStr)
	if secs, err := strconv.ParseInt(windowStr, 10, 64); err == nil {
		return count, time.Duration(secs) * time.Second, nil
	}
	window, err := time.ParseDuration(windowStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window: %w", err)
	}
	return count, window, nil
}

// Table maps operation names to policies. It is built once at startup and never mutated,
// so it is safe for concurrent use without locking.
type Table struct {
	policies map[string]LimitPolicy
}

// NewTable validates and copies the given policies.
func NewTable(policies map[string]LimitPolicy) (*Table, error) {
	if len(policies) == 0 {
		return nil, errors.New("policy table is empty")
	}
	var errs []error
	for op, p := range policies {
		if strings.TrimSpace(op) == "" {
			errs = append(errs, errors.New("empty operation name"))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("operation %s: %w", op, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Table{policies: maps.Clone(policies)}, nil
}

// MustTable is NewTable for static tables known to be valid. Panics on error.
func MustTable(policies map[string]LimitPolicy) *Table {
	t, err := NewTable(policies)
	if err != nil {
		panic("policy: " + err.Error())
	}
	return t
}

// Lookup returns the policy for an operation.
func (t *Table) Lookup(operation string) (LimitPolicy, bool) {
	p, ok := t.policies[operation]
	return p, ok
}

// Operations returns the configured operation names in sorted order.
func (t *Table) Operations() []string {
	return slices.Sorted(maps.Keys(t.policies))
}

// Defaults returns the built-in policies for the authentication endpoints.
func Defaults() map[string]LimitPolicy {
	return map[string]LimitPolicy{
		OperationAnonymousAuth: {
			ShortMax:    3,
			ShortWindow: 300 * time.Second,
			DailyMax:    10,
			DailyWindow: 24 * time.Hour,
		},
		OperationMergeOperations: {
			ShortMax:    5,
			ShortWindow: time.Hour,
			DailyMax:    20,
			DailyWindow: 24 * time.Hour,
		},
		OperationEmailUpgrade: {
			ShortMax:    3,
			ShortWindow: time.Hour,
			DailyMax:    10,
			DailyWindow: 24 * time.Hour,
		},
	}
}
