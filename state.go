package authguard

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey struct{}

// State is the response recorded for one request. Handler creates it; the setters below
// fill it in; Handler writes it once the chain returns.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
}

// HasState reports whether Handler is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateContextKey{}).(*State)
	return state
}

// snapshot returns the recorded outcome.
func (s *State) snapshot() (status int, body any, err *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.body, s.err
}

// SetError records an error response. A later SetError replaces an earlier one.
// Without Handler this does nothing.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a success status and a body to be JSON encoded. A nil body writes
// the status alone. Without Handler this does nothing.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader records a response header, replacing earlier values.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}
