package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testInitParams(version string) InitializeParams {
	return InitializeParams{
		ProtocolVersion: version,
		ClientInfo:      ClientInfo{Name: "test-client", Version: "1.0.0"},
	}
}

func TestSessionStoreInitialize(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr error
	}{
		{name: "current version", version: "2025-11-25"},
		{name: "previous version", version: "2025-06-18"},
		{name: "unsupported version", version: "2024-01-01", wantErr: ErrVersionMismatch},
		{name: "empty version", version: "", wantErr: ErrVersionMismatch},
		{name: "prefix is not a match", version: "2025-11", wantErr: ErrVersionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewSessionStore(0, zap.NewNop())
			session, err := store.Initialize(testInitParams(tt.version), "", nil)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, session, "no session may exist after a failed handshake")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, session)
			assert.Equal(t, tt.version, session.ProtocolVersion)
			assert.Equal(t, StateInitializing, session.State())
			assert.GreaterOrEqual(t, len(session.ID), 32, "session ids carry at least 128 bits of entropy")
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	session, err := store.Initialize(testInitParams("2025-11-25"), "alice", []string{"mcp:read"})
	require.NoError(t, err)

	// Tool calls are rejected until notifications/initialized arrives.
	require.ErrorIs(t, store.Gate(session, "tools/call"), ErrSessionNotReady)
	require.NoError(t, store.Gate(session, "initialize"))
	require.NoError(t, store.Gate(session, "notifications/initialized"))

	require.NoError(t, store.MarkInitialized(session.ID))
	assert.Equal(t, StateReady, session.State())
	require.NoError(t, store.Gate(session, "tools/call"))

	store.BeginShutdown()
	assert.Equal(t, StateShuttingDown, session.State())
	require.ErrorIs(t, store.Gate(session, "tools/call"), ErrShuttingDown)

	store.Close(session.ID)
	assert.Nil(t, store.Get(session.ID), "closed sessions are gone")
}

func TestSessionGateWithoutSession(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())
	require.ErrorIs(t, store.Gate(nil, "tools/list"), ErrSessionNotFound)
	require.NoError(t, store.Gate(nil, "initialize"))
}

func TestReinitializeIdempotency(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())
	params := testInitParams("2025-11-25")

	session, err := store.Initialize(params, "", nil)
	require.NoError(t, err)

	// Identical params within the window are accepted silently.
	require.NoError(t, store.Reinitialize(session, params))

	// Different params are rejected.
	other := testInitParams("2025-11-25")
	other.ClientInfo.Name = "someone-else"
	require.ErrorIs(t, store.Reinitialize(session, other), ErrDuplicateSession)

	// A stale handshake is rejected even with identical params.
	session.mu.Lock()
	session.initAt = time.Now().Add(-time.Minute)
	session.mu.Unlock()
	require.ErrorIs(t, store.Reinitialize(session, params), ErrDuplicateSession)
}

func TestInitializeAfterShutdownRejected(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())
	store.BeginShutdown()

	_, err := store.Initialize(testInitParams("2025-11-25"), "", nil)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestSweepIdle(t *testing.T) {
	store := NewSessionStore(time.Millisecond, zap.NewNop())

	session, err := store.Initialize(testInitParams("2025-11-25"), "", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInitialized(session.ID))

	time.Sleep(5 * time.Millisecond)
	closed := store.SweepIdle()
	require.Equal(t, []string{session.ID}, closed)
	assert.Nil(t, store.Get(session.ID))
}

func TestReadySessionIDs(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	ready, err := store.Initialize(testInitParams("2025-11-25"), "", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInitialized(ready.ID))

	_, err = store.Initialize(testInitParams("2025-11-25"), "", nil)
	require.NoError(t, err)

	ids := store.ReadySessionIDs()
	require.Equal(t, []string{ready.ID}, ids, "only ready sessions receive fan-out")
}
