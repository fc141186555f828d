package mcp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SupportedProtocolVersions lists the protocol revisions this server
// speaks. Negotiation is exact match only.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
}

// duplicateInitWindow bounds how long a repeated initialize with identical
// params is treated as idempotent.
const duplicateInitWindow = 5 * time.Second

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateReady         SessionState = "ready"
	StateShuttingDown  SessionState = "shutting_down"
	StateClosed        SessionState = "closed"
)

// Session is a logical conversation with lifecycle, identified by an
// opaque server-assigned id.
type Session struct {
	mu sync.Mutex

	ID              string
	state           SessionState
	ProtocolVersion string
	ClientInfo      ClientInfo

	// Subject and Scopes come from the bearer token, when auth is on.
	Subject string
	Scopes  []string

	CreatedAt      time.Time
	LastActivityAt time.Time

	// initHash detects repeated initialize calls with identical params.
	initHash string
	initAt   time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = time.Now()
}

// SessionStore manages protocol sessions in memory and enforces the
// lifecycle state machine:
//
//	uninitialized → initializing → ready → shutting_down → closed
//
// A session is created only by a successful initialize; it becomes ready
// only after notifications/initialized; once shutting_down it rejects new
// requests but drains in-flight ones; closed is terminal.
type SessionStore struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	shuttingDown bool
	idleTTL      time.Duration
	logger       *zap.Logger
}

// NewSessionStore creates an in-memory session store. idleTTL of zero
// disables the idle sweep.
func NewSessionStore(idleTTL time.Duration, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		logger:   logger.Named("session"),
	}
}

// newSessionID returns a cryptographically random opaque id (256 bits).
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashInitParams fingerprints initialize params for idempotency detection.
func hashInitParams(params InitializeParams) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		params.ProtocolVersion, params.ClientInfo.Name, params.ClientInfo.Version)))
	return hex.EncodeToString(sum[:])
}

// Initialize creates a new session for the given initialize params.
//
// Fails with ErrVersionMismatch when the requested protocol version is not
// in the supported set, and with ErrShuttingDown after BeginShutdown. No
// session is created on failure.
func (s *SessionStore) Initialize(params InitializeParams, subject string, scopes []string) (*Session, error) {
	if !versionSupported(params.ProtocolVersion) {
		return nil, ErrVersionMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return nil, ErrShuttingDown
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:              id,
		state:           StateInitializing,
		ProtocolVersion: params.ProtocolVersion,
		ClientInfo:      params.ClientInfo,
		Subject:         subject,
		Scopes:          scopes,
		CreatedAt:       now,
		LastActivityAt:  now,
		initHash:        hashInitParams(params),
		initAt:          now,
	}
	s.sessions[id] = session

	s.logger.Debug("session created",
		zap.String("session_id", id),
		zap.String("protocol_version", params.ProtocolVersion),
		zap.String("client", params.ClientInfo.Name))
	return session, nil
}

// Reinitialize handles a repeated initialize on an existing session.
// Idempotent when the params are identical and the original handshake is
// recent; otherwise the call is rejected.
func (s *SessionStore) Reinitialize(session *Session, params InitializeParams) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == StateClosed || session.state == StateShuttingDown {
		return ErrSessionNotFound
	}
	if session.initHash == hashInitParams(params) && time.Since(session.initAt) <= duplicateInitWindow {
		return nil
	}
	return ErrDuplicateSession
}

// MarkInitialized transitions a session to ready. Triggered by the
// notifications/initialized notification.
func (s *SessionStore) MarkInitialized(sessionID string) error {
	session := s.Get(sessionID)
	if session == nil {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	switch session.state {
	case StateInitializing, StateReady:
		session.state = StateReady
		return nil
	default:
		return fmt.Errorf("cannot mark session initialized in state %s", session.state)
	}
}

// Get retrieves a session by id and touches its activity timestamp.
// Returns nil if the session doesn't exist or is closed.
func (s *SessionStore) Get(sessionID string) *Session {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state == StateClosed {
		return nil
	}
	session.LastActivityAt = time.Now()
	return session
}

// Gate checks whether a session may execute the given method right now.
//
// Before notifications/initialized every non-lifecycle request fails with
// ErrSessionNotReady, surfaced as INVALID_REQUEST (-32600) on both
// transports. After BeginShutdown everything non-notification fails with
// ErrShuttingDown.
func (s *SessionStore) Gate(session *Session, method string) error {
	s.mu.RLock()
	shuttingDown := s.shuttingDown
	s.mu.RUnlock()
	if shuttingDown {
		return ErrShuttingDown
	}

	switch method {
	case "initialize", "notifications/initialized":
		return nil
	}

	if session == nil {
		return ErrSessionNotFound
	}
	if session.State() != StateReady {
		return ErrSessionNotReady
	}
	return nil
}

// BeginShutdown transitions all sessions to shutting_down and rejects new
// requests. Idempotent.
func (s *SessionStore) BeginShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	for _, session := range s.sessions {
		session.mu.Lock()
		if session.state != StateClosed {
			session.state = StateShuttingDown
		}
		session.mu.Unlock()
	}
	s.logger.Info("all sessions transitioned to shutting_down",
		zap.Int("sessions", len(s.sessions)))
}

// ShuttingDown reports whether BeginShutdown has been called.
func (s *SessionStore) ShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

// Close transitions a session to closed and removes it.
func (s *SessionStore) Close(sessionID string) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.state = StateClosed
	session.mu.Unlock()
}

// ReadySessionIDs returns the ids of all sessions currently in ready state.
// Used for fan-out of server-initiated notifications.
func (s *SessionStore) ReadySessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, session := range s.sessions {
		if session.State() == StateReady {
			ids = append(ids, id)
		}
	}
	return ids
}

// SweepIdle closes sessions idle past the configured TTL and returns
// their ids so callers can release per-session transport state.
func (s *SessionStore) SweepIdle() []string {
	if s.idleTTL <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-s.idleTTL)
	s.mu.Lock()
	var stale []string
	for id, session := range s.sessions {
		session.mu.Lock()
		if session.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
		session.mu.Unlock()
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Close(id)
	}
	if len(stale) > 0 {
		s.logger.Info("closed idle sessions", zap.Int("count", len(stale)))
	}
	return stale
}

func versionSupported(requested string) bool {
	for _, v := range SupportedProtocolVersions {
		if requested == v {
			return true
		}
	}
	return false
}
