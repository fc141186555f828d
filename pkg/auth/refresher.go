package auth

import (
	"context"
	"sync"
	"time"
)

// refreshMargin renews the cached token slightly before its actual
// expiry so callers never receive a token about to lapse mid-request.
const refreshMargin = 30 * time.Second

// RefreshFunc performs one token refresh against the token endpoint and
// returns the new access token with its expiry.
type RefreshFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// refreshCall is one in-flight refresh shared by every caller that
// arrives while it runs.
type refreshCall struct {
	done   chan struct{}
	token  string
	expiry time.Time
	err    error
}

// Refresher deduplicates concurrent token refreshes. Any number of
// callers observing an expired token trigger exactly one call to the
// refresh function; all of them receive that call's result. Failed
// refreshes are not cached, so the next caller retries.
type Refresher struct {
	refresh RefreshFunc

	mu       sync.Mutex
	token    string
	expiry   time.Time
	inflight *refreshCall
}

// NewRefresher wraps a refresh operation.
func NewRefresher(refresh RefreshFunc) *Refresher {
	return &Refresher{refresh: refresh}
}

// Token returns a valid access token, refreshing it first if the cached
// one is absent or within the refresh margin of expiry.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	r.mu.Lock()

	if r.token != "" && time.Until(r.expiry) > refreshMargin {
		token := r.token
		r.mu.Unlock()
		return token, nil
	}

	if call := r.inflight; call != nil {
		r.mu.Unlock()
		return awaitCall(ctx, call)
	}

	call := &refreshCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	call.token, call.expiry, call.err = r.refresh(ctx)

	r.mu.Lock()
	if call.err == nil {
		r.token = call.token
		r.expiry = call.expiry
	}
	r.inflight = nil
	r.mu.Unlock()

	close(call.done)
	return call.token, call.err
}

// Invalidate drops the cached token, forcing the next Token call to
// refresh. Used when the server rejects a token early (e.g. revocation).
func (r *Refresher) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.expiry = time.Time{}
	r.mu.Unlock()
}

func awaitCall(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
