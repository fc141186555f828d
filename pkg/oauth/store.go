// Package oauth implements the OAuth 2.1 authorization server embedded in
// mcpd: authorization-code issuance with PKCE (S256 only), single-use code
// consumption, refresh-token rotation, and symmetric JWT access tokens.
//
// All state is in-memory; there is a single registered client and realm.
package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// CodeTTL bounds authorization-code lifetime.
const CodeTTL = 60 * time.Second

// AuthCode is a single-use authorization code record. It binds the code to
// the exact client, redirect URI, PKCE challenge, subject, scope, and
// state echo presented at authorization time.
type AuthCode struct {
	Code            string
	ClientID        string
	RedirectURI     string
	CodeChallenge   string
	ChallengeMethod string
	Subject         string
	Scope           string
	State           string
	ExpiresAt       time.Time
}

// RefreshToken is an opaque refresh-token record.
type RefreshToken struct {
	Token     string
	ClientID  string
	Subject   string
	Scope     string
	ExpiresAt time.Time
}

// TokenStore holds authorization codes and refresh tokens in memory.
//
// Code consumption is atomic check-and-remove: a code can be redeemed at
// most once, and it is removed even when the redemption subsequently fails
// PKCE verification. Refresh tokens rotate on use.
type TokenStore struct {
	mu      sync.Mutex
	codes   map[string]*AuthCode
	refresh map[string]*RefreshToken
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		codes:   make(map[string]*AuthCode),
		refresh: make(map[string]*RefreshToken),
	}
}

// newOpaqueToken returns a high-entropy opaque string (256 bits).
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MintCode issues a single-use authorization code bound to the given
// authorization request.
func (s *TokenStore) MintCode(clientID, redirectURI, challenge, method, subject, scope, state string) (string, error) {
	code, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = &AuthCode{
		Code:            code,
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		CodeChallenge:   challenge,
		ChallengeMethod: method,
		Subject:         subject,
		Scope:           scope,
		State:           state,
		ExpiresAt:       time.Now().Add(CodeTTL),
	}
	return code, nil
}

// ConsumeCode atomically removes and returns the code record. Reports
// false for unknown, already-consumed, or expired codes. Callers must not
// re-credit the code on later verification failure.
func (s *TokenStore) ConsumeCode(code string) (*AuthCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	delete(s.codes, code)
	if time.Now().After(record.ExpiresAt) {
		return nil, false
	}
	return record, true
}

// MintRefresh issues a fresh refresh token.
func (s *TokenStore) MintRefresh(clientID, subject, scope string, ttl time.Duration) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[token] = &RefreshToken{
		Token:     token,
		ClientID:  clientID,
		Subject:   subject,
		Scope:     scope,
		ExpiresAt: time.Now().Add(ttl),
	}
	return token, nil
}

// ConsumeRefresh atomically revokes and returns the refresh token record.
// A second consumption of the same token (replay after rotation) reports
// false.
func (s *TokenStore) ConsumeRefresh(token string) (*RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refresh[token]
	if !ok {
		return nil, false
	}
	delete(s.refresh, token)
	if time.Now().After(record.ExpiresAt) {
		return nil, false
	}
	return record, true
}

// Sweep removes expired codes and refresh tokens. Returns counts removed.
func (s *TokenStore) Sweep() (codes, tokens int) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			codes++
		}
	}
	for token, record := range s.refresh {
		if now.After(record.ExpiresAt) {
			delete(s.refresh, token)
			tokens++
		}
	}
	return codes, tokens
}
