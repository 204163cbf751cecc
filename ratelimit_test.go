package authguard

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nhalm/authguard/clientip"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/ratelimit"
	"github.com/nhalm/authguard/store/storetest"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func anonymousTable(short, daily int64) *policy.Table {
	return policy.MustTable(map[string]policy.LimitPolicy{
		policy.OperationAnonymousAuth: {ShortMax: short, ShortWindow: 5 * time.Minute, DailyMax: daily, DailyWindow: 24 * time.Hour},
	})
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if HasState(r.Context()) {
			SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit(t *testing.T) {
	for _, withState := range []bool{true, false} {
		name := "without Handler"
		if withState {
			name = "with Handler"
		}
		t.Run(name, func(t *testing.T) {
			b := storetest.Memory(t)
			l := ratelimit.New(b.Store, anonymousTable(2, 10))

			calls := 0
			var handler http.Handler = RateLimit(l, policy.OperationAnonymousAuth)(okHandler(&calls))
			if withState {
				handler = Handler()(handler)
			}

			req := httptest.NewRequest(http.MethodPost, "/auth/anonymous", http.NoBody)
			req.RemoteAddr = "192.0.2.1:1234"

			for i, remaining := range []string{"1", "0"} {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)

				if rec.Code != http.StatusOK {
					t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
				}
				if got := rec.Header().Get("RateLimit-Remaining"); got != remaining {
					t.Errorf("request %d: RateLimit-Remaining = %q, want %q", i+1, got, remaining)
				}
				if got := rec.Header().Get("RateLimit-Limit"); got != "2" {
					t.Errorf("RateLimit-Limit = %q, want 2", got)
				}
				if got := rec.Header().Get("RateLimit-Reset"); got != "300" {
					t.Errorf("RateLimit-Reset = %q, want 300", got)
				}
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != "300" {
				t.Errorf("Retry-After = %q, want 300", got)
			}
			if calls != 2 {
				t.Errorf("handler calls = %d, want 2", calls)
			}

			var body map[string]*APIError
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["error"].Type != "rate_limit_error" {
				t.Errorf("error type = %s", body["error"].Type)
			}
		})
	}
}

func TestRateLimit_TrustedProxy(t *testing.T) {
	b := storetest.Memory(t)
	l := ratelimit.New(b.Store, anonymousTable(1, 10), ratelimit.WithResolver(clientip.NewResolver(1)))

	calls := 0
	handler := Handler()(RateLimit(l, policy.OperationAnonymousAuth)(okHandler(&calls)))

	send := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = remote
		req.Header.Set(ForwardedForHeader, xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1:80", "198.51.100.7"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("10.0.0.2:80", "198.51.100.7"); code != http.StatusTooManyRequests {
		t.Errorf("same client through another proxy: expected 429, got %d", code)
	}
	if code := send("10.0.0.1:80", "198.51.100.8"); code != http.StatusOK {
		t.Errorf("different client: expected 200, got %d", code)
	}
}

func TestRateLimit_BackendUnavailable(t *testing.T) {
	tests := []struct {
		mode       policy.FailMode
		wantStatus int
		wantCalls  int
	}{
		{mode: policy.FailClosed, wantStatus: http.StatusTooManyRequests, wantCalls: 0},
		{mode: policy.FailOpen, wantStatus: http.StatusOK, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			l := ratelimit.New(&storetest.Failing{}, anonymousTable(1, 10),
				ratelimit.WithFailMode(tt.mode),
				ratelimit.WithLogger(quietLogger),
			)

			calls := 0
			handler := Handler()(RateLimit(l, policy.OperationAnonymousAuth)(okHandler(&calls)))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if calls != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", calls, tt.wantCalls)
			}
			if rec.Header().Get("RateLimit-Remaining") != "" {
				t.Error("RateLimit-* headers must be omitted when the backend is unavailable")
			}
		})
	}
}

func TestRateLimit_UnknownOperation(t *testing.T) {
	b := storetest.Memory(t)
	l := ratelimit.New(b.Store, anonymousTable(1, 10))

	calls := 0
	handler := Handler()(RateLimit(l, "password_reset")(okHandler(&calls)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError || calls != 0 {
		t.Errorf("expected 500 without calling the handler, got %d (calls=%d)", rec.Code, calls)
	}
}
