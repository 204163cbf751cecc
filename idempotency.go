package authguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/authguard/idempotency"
)

// ReplayedHeader marks a response served from a stored result.
const ReplayedHeader = "Idempotent-Replayed"

// IdentifierFunc returns the stable caller identifier an idempotency key is derived
// from, such as a session or user ID. An empty result rejects the request with 400.
//
// The identifier must name the caller. A client-chosen value on its own, such as an
// Idempotency-Key header, lets two callers share one record; combine it with the caller's
// identity using ScopedIdentifier.
type IdentifierFunc func(*http.Request) string

// HeaderIdentifier reads the identifier from a request header. Use it alone only for
// headers that identify the caller, such as a session ID set by a trusted gateway.
func HeaderIdentifier(name string) IdentifierFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// BearerIdentifier reads the caller's bearer token from the Authorization header. The
// token only ever reaches the store hashed.
func BearerIdentifier() IdentifierFunc {
	return func(r *http.Request) string {
		scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
}

// ScopedIdentifier combines the caller's identity with a per-request value, so equal
// request values from different callers never share a record. Both parts are required.
//
//	authguard.ScopedIdentifier(authguard.BearerIdentifier(), authguard.HeaderIdentifier("Idempotency-Key"))
func ScopedIdentifier(caller, request IdentifierFunc) IdentifierFunc {
	return func(r *http.Request) string {
		c, k := caller(r), request(r)
		if c == "" || k == "" {
			return ""
		}
		// Length prefix keeps ("a:b", "c") and ("a", "b:c") apart.
		return strconv.Itoa(len(c)) + ":" + c + ":" + k
	}
}

// storedResponse is what Idempotent keeps for a completed request.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Idempotent returns middleware that runs the rest of the chain at most once per
// operation and caller identifier within ttl. Requires Handler.
//
//   - First request: reserves the key, runs the chain, and stores a successful response.
//     An error response (SetError or a status >= 400) or a panic releases the key so the
//     client can retry.
//   - Duplicate while the first is running: 409 idempotency_in_progress.
//   - Duplicate after completion: the stored status and body, with Idempotent-Replayed: true.
//   - Record store unavailable and the guard fails closed: 503.
func Idempotent(g *idempotency.Guard, operation string, identify IdentifierFunc, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := getState(r.Context())
			if state == nil {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrInternal.With("Idempotent requires Handler")})
				return
			}

			id := identify(r)
			if id == "" {
				SetError(r, ErrBadRequest.With("Missing idempotency identifier"))
				return
			}
			key := idempotency.Key(operation, id)

			st, err := g.Check(r.Context(), key, ttl)
			if err != nil {
				if errors.Is(err, idempotency.ErrUnavailable) {
					SetError(r, ErrServiceUnavailable)
				} else {
					SetError(r, ErrInternal)
				}
				return
			}

			if st.Exists {
				replay(r, st)
				return
			}

			// The outcome is recorded even if the client goes away mid-request.
			ctx := context.WithoutCancel(r.Context())

			defer func() {
				if rec := recover(); rec != nil {
					_ = g.Release(ctx, key, st.Token)
					panic(rec)
				}
			}()

			next.ServeHTTP(w, r)

			status, body, apiErr := state.snapshot()
			if apiErr != nil || status >= http.StatusBadRequest {
				_ = g.Release(ctx, key, st.Token)
				return
			}

			resp := storedResponse{Status: status}
			if resp.Status == 0 {
				resp.Status = http.StatusOK
			}
			if body != nil {
				raw, err := json.Marshal(body)
				if err != nil {
					_ = g.Release(ctx, key, st.Token)
					return
				}
				resp.Body = raw
			}
			_ = g.Store(ctx, key, st.Token, resp, ttl)
		})
	}
}

func replay(r *http.Request, st idempotency.Status) {
	if !st.Completed {
		SetError(r, ErrInProgress)
		return
	}

	var resp storedResponse
	if err := json.Unmarshal(st.Result, &resp); err != nil {
		SetError(r, ErrInternal)
		return
	}

	SetHeader(r, ReplayedHeader, "true")
	if len(resp.Body) == 0 {
		SetResponse(r, resp.Status, nil)
		return
	}
	SetResponse(r, resp.Status, resp.Body)
}
