// Package shutdown coordinates graceful teardown: signal intake, in-flight
// request tracking, and ordered cleanup.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// drainPollInterval bounds how stale the in-flight count can be while
// waiting for requests to finish.
const drainPollInterval = 50 * time.Millisecond

// CleanupFunc tears down one component. It must be idempotent; errors are
// logged and never abort the sequence.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// Coordinator tracks in-flight requests and runs registered cleanup
// handlers in registration order when shutdown begins.
type Coordinator struct {
	logger  *zap.Logger
	timeout time.Duration

	inflight atomic.Int64

	mu       sync.Mutex
	cleanups []cleanup
	begun    bool

	// done closes when the full shutdown sequence has completed.
	done chan struct{}
}

// NewCoordinator creates a coordinator with the given drain timeout.
func NewCoordinator(logger *zap.Logger, timeout time.Duration) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:  logger.Named("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Track records a request as in-flight. The returned func must be called
// exactly once when the request completes, typically via defer.
func (c *Coordinator) Track() (untrack func()) {
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.inflight.Add(-1) })
	}
}

// InFlight returns the current in-flight request count.
func (c *Coordinator) InFlight() int64 {
	return c.inflight.Load()
}

// OnCleanup registers a named cleanup handler. Handlers run in
// registration order during Shutdown.
func (c *Coordinator) OnCleanup(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Shutdown drains in-flight requests bounded by the configured timeout,
// then runs cleanup handlers in order. Safe to call once; later calls wait
// for the first to finish.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.begun {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.begun = true
	handlers := make([]cleanup, len(c.cleanups))
	copy(handlers, c.cleanups)
	c.mu.Unlock()

	defer close(c.done)

	c.logger.Info("draining in-flight requests",
		zap.Int64("in_flight", c.inflight.Load()),
		zap.Duration("timeout", c.timeout))

	deadline := time.Now().Add(c.timeout)
	for c.inflight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			c.logger.Warn("drain interrupted", zap.Int64("in_flight", c.inflight.Load()))
			goto cleanup
		case <-time.After(drainPollInterval):
		}
	}
	if remaining := c.inflight.Load(); remaining > 0 {
		c.logger.Warn("drain timeout reached with requests still in flight",
			zap.Int64("in_flight", remaining))
	}

cleanup:
	for _, h := range handlers {
		if err := h.fn(ctx); err != nil {
			c.logger.Error("cleanup handler failed",
				zap.String("handler", h.name),
				zap.Error(err))
		} else {
			c.logger.Debug("cleanup handler finished", zap.String("handler", h.name))
		}
	}
	c.logger.Info("shutdown complete")
}

// ListenForSignals installs SIGINT/SIGTERM handlers. The first signal calls
// onFirst (readiness flip, lifecycle shutdown) and then Shutdown; a second
// signal before completion forces immediate exit.
//
// Returns a channel that closes once graceful shutdown has finished.
func (c *Coordinator) ListenForSignals(ctx context.Context, onFirst func()) <-chan struct{} {
	finished := make(chan struct{})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info("received signal, beginning graceful shutdown",
				zap.String("signal", sig.String()))
		case <-ctx.Done():
		}

		if onFirst != nil {
			onFirst()
		}

		go func() {
			if sig, ok := <-sigCh; ok {
				c.logger.Warn("second signal received, forcing exit",
					zap.String("signal", sig.String()))
				os.Exit(1)
			}
		}()

		c.Shutdown(context.Background())
		close(finished)
	}()

	return finished
}
