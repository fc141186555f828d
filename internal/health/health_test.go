package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveAlwaysTrue(t *testing.T) {
	s := NewSurface()
	assert.True(t, s.Live())
	s.BeginShutdown()
	assert.True(t, s.Live(), "liveness survives shutdown so the process is not killed mid-drain")
}

func TestReadyAggregatesProbes(t *testing.T) {
	s := NewSurface()

	ready, failures := s.Ready()
	assert.True(t, ready)
	assert.Empty(t, failures)

	s.Register("store", func() error { return nil })
	s.Register("broker", func() error { return errors.New("not connected") })

	ready, failures = s.Ready()
	require.False(t, ready)
	assert.Equal(t, map[string]string{"broker": "not connected"}, failures)

	// Re-registering a name replaces the probe.
	s.Register("broker", func() error { return nil })
	ready, _ = s.Ready()
	assert.True(t, ready)
}

func TestReadyFalseAfterShutdown(t *testing.T) {
	s := NewSurface()
	s.Register("store", func() error { return nil })

	s.BeginShutdown()
	ready, failures := s.Ready()
	require.False(t, ready)
	assert.Contains(t, failures, "shutdown")
}

func TestRegisterIgnoresInvalid(t *testing.T) {
	s := NewSurface()
	s.Register("", func() error { return errors.New("nope") })
	s.Register("nil-probe", nil)

	ready, _ := s.Ready()
	assert.True(t, ready)
}
