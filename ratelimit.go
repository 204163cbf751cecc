package authguard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/authguard/ratelimit"
)

// ForwardedForHeader is read to resolve clients behind trusted proxies.
const ForwardedForHeader = "X-Forwarded-For"

// RateLimit returns middleware that records an attempt of operation for the calling
// client and rejects it with 429 when a window is exhausted. Rejected requests never
// reach the rest of the chain, so place RateLimit before Idempotent.
//
// Headers set:
//   - RateLimit-Limit: the short-window budget
//   - RateLimit-Remaining: budget left in the short window
//   - RateLimit-Reset: seconds until the binding window resets
//   - Retry-After: (only when limited) seconds to wait
//
// When the limiter's backend is unavailable the limiter's fail mode decides and the
// RateLimit-* headers are omitted. Works with or without Handler.
func RateLimit(l *ratelimit.Limiter, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			useState := HasState(r.Context())
			setHeader := func(key, value string) {
				if useState {
					SetHeader(r, key, value)
				} else {
					w.Header().Set(key, value)
				}
			}
			fail := func(err *APIError) {
				if useState {
					SetError(r, err)
				} else {
					writeJSON(w, err.Status, errorResponse{Error: err})
				}
			}

			res, err := l.Check(r.Context(), operation, r.RemoteAddr, r.Header.Get(ForwardedForHeader))
			if err != nil {
				fail(ErrInternal)
				return
			}

			if res.Kind != ratelimit.KindBackendUnavailable {
				setHeader("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
				setHeader("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
				setHeader("RateLimit-Reset", formatSeconds(res.ResetIn))
			}

			if !res.Allowed {
				setHeader("Retry-After", formatSeconds(res.ResetIn))
				fail(ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
