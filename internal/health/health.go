// Package health aggregates liveness and readiness for the HTTP surface.
package health

import (
	"sync"
)

// Probe reports whether a named subsystem is ready to serve.
type Probe func() error

// Surface aggregates liveness and readiness state.
//
// Liveness is true for the lifetime of the process. Readiness ANDs every
// registered probe with the shutdown gate: once shutdown begins the surface
// reports not-ready regardless of probe state, so load balancers stop
// routing new work while in-flight requests drain.
type Surface struct {
	mu           sync.RWMutex
	probes       map[string]Probe
	shuttingDown bool
}

// NewSurface creates an empty health surface.
func NewSurface() *Surface {
	return &Surface{
		probes: make(map[string]Probe),
	}
}

// Register adds a named readiness probe. Re-registering a name replaces it.
func (s *Surface) Register(name string, probe Probe) {
	if name == "" || probe == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = probe
}

// BeginShutdown flips readiness off permanently.
func (s *Surface) BeginShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
}

// Live reports process liveness.
func (s *Surface) Live() bool {
	return true
}

// Ready evaluates all probes. Returns the failing probe names, empty when
// ready.
func (s *Surface) Ready() (bool, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failures := make(map[string]string)
	if s.shuttingDown {
		failures["shutdown"] = "shutting down"
	}
	for name, probe := range s.probes {
		if err := probe(); err != nil {
			failures[name] = err.Error()
		}
	}
	return len(failures) == 0, failures
}
