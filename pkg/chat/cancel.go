package chat

import (
	"context"
	"sync"
)

// handle is one in-flight chat's cancellation entry. Identity of the
// pointer distinguishes a stale release from the current handle.
type handle struct {
	cancel context.CancelFunc
}

// CancelCoordinator maps session id to the cancellation handle of that
// session's in-flight chat. At most one chat runs per session: acquiring
// a handle cancels and replaces any prior one.
type CancelCoordinator struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// NewCancelCoordinator creates an empty coordinator.
func NewCancelCoordinator() *CancelCoordinator {
	return &CancelCoordinator{handles: make(map[string]*handle)}
}

// Acquire derives a cancellable context for a session's chat. Any prior
// handle for the session is cancelled first. The returned release must
// be called when the chat finishes; it cancels the context and removes
// the handle unless a newer acquire has already replaced it.
func (cc *CancelCoordinator) Acquire(parent context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	h := &handle{cancel: cancel}

	cc.mu.Lock()
	if prior, ok := cc.handles[sessionID]; ok {
		prior.cancel()
	}
	cc.handles[sessionID] = h
	cc.mu.Unlock()

	release := func() {
		cc.mu.Lock()
		if cc.handles[sessionID] == h {
			delete(cc.handles, sessionID)
		}
		cc.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel aborts the session's in-flight chat. Reports whether a handle
// existed.
func (cc *CancelCoordinator) Cancel(sessionID string) bool {
	cc.mu.Lock()
	h, ok := cc.handles[sessionID]
	if ok {
		delete(cc.handles, sessionID)
	}
	cc.mu.Unlock()

	if ok {
		h.cancel()
	}
	return ok
}

// CancelAll aborts every in-flight chat. Used during shutdown.
func (cc *CancelCoordinator) CancelAll() {
	cc.mu.Lock()
	handles := cc.handles
	cc.handles = make(map[string]*handle)
	cc.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}
