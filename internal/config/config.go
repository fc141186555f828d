// Package config provides environment-driven configuration for mcpd.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Transport selects which transports the daemon serves.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportBoth  = "both"
)

// Config is the root configuration for mcpd.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Auth   AuthConfig   `koanf:"auth"`
	OAuth  OAuthConfig  `koanf:"oauth"`
	Log    LogConfig    `koanf:"log"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ServerConfig holds transport and HTTP server settings.
type ServerConfig struct {
	// Transport is one of stdio, http, or both.
	Transport string `koanf:"transport"`

	// Host and Port bind the HTTP listener.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// ShutdownTimeoutMS bounds the in-flight drain during graceful shutdown.
	ShutdownTimeoutMS int `koanf:"shutdown_timeout_ms"`

	// AllowedOrigins is a comma-separated origin allowlist. "*" is only
	// honoured when DevMode is set.
	AllowedOrigins string `koanf:"allowed_origins"`

	// CursorSecret keys the HMAC over pagination cursors.
	CursorSecret Secret `koanf:"cursor_secret"`

	// SessionIdleTTL closes sessions with no activity.
	SessionIdleTTL Duration `koanf:"session_idle_ttl"`

	// MaxBodyBytes caps JSON-RPC request bodies. Oversized requests get
	// a content-too-large protocol error.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`

	// Stateless disables session creation and the GET /mcp stream.
	Stateless bool `koanf:"stateless"`

	// DevMode relaxes origin enforcement ("*") and login hardening.
	DevMode bool `koanf:"dev_mode"`
}

// AuthConfig controls the bearer-token gate on protected routes.
type AuthConfig struct {
	Enabled bool `koanf:"enabled"`
}

// OAuthConfig holds authorization-server settings.
type OAuthConfig struct {
	SigningSecret   Secret   `koanf:"signing_secret"`
	AccessTokenTTL  Duration `koanf:"access_token_ttl"`
	RefreshTokenTTL Duration `koanf:"refresh_token_ttl"`
	Issuer          string   `koanf:"issuer"`

	// ClientID and RedirectURI identify the single registered client.
	ClientID    string `koanf:"client_id"`
	RedirectURI string `koanf:"redirect_uri"`

	// TestUser and TestPassword back the demo credential store.
	TestUser     string `koanf:"test_user"`
	TestPassword Secret `koanf:"test_password"`
}

// ShutdownTimeout returns the drain bound as a time.Duration.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

// Origins returns the parsed origin allowlist.
func (s ServerConfig) Origins() []string {
	if s.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(s.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks the configuration for unrecoverable problems.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP, TransportBoth:
	default:
		return fmt.Errorf("invalid transport %q (expected stdio, http, or both)", c.Server.Transport)
	}

	if c.Server.Transport != TransportStdio {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Server.Port)
		}
	}

	if c.Server.ShutdownTimeoutMS <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if !c.Server.DevMode {
		for _, origin := range c.Server.Origins() {
			if origin == "*" {
				return fmt.Errorf("wildcard origin requires dev mode")
			}
		}
	}

	if c.Auth.Enabled && !c.OAuth.SigningSecret.IsSet() {
		return fmt.Errorf("OAUTH_SIGNING_SECRET is required when auth is enabled")
	}

	if c.OAuth.AccessTokenTTL.Duration() <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}
	if c.OAuth.RefreshTokenTTL.Duration() <= c.OAuth.AccessTokenTTL.Duration() {
		return fmt.Errorf("refresh token TTL must exceed access token TTL")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportHTTP
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeoutMS == 0 {
		cfg.Server.ShutdownTimeoutMS = 30_000
	}
	if cfg.Server.SessionIdleTTL == 0 {
		cfg.Server.SessionIdleTTL = Duration(30 * time.Minute)
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 4 << 20
	}

	if cfg.OAuth.AccessTokenTTL == 0 {
		cfg.OAuth.AccessTokenTTL = Duration(time.Hour)
	}
	if cfg.OAuth.RefreshTokenTTL == 0 {
		cfg.OAuth.RefreshTokenTTL = Duration(30 * 24 * time.Hour)
	}
	if cfg.OAuth.Issuer == "" {
		cfg.OAuth.Issuer = fmt.Sprintf("http://%s", cfg.Server.Addr())
	}
	if cfg.OAuth.ClientID == "" {
		cfg.OAuth.ClientID = "mcp-ui-client"
	}
	if cfg.OAuth.RedirectURI == "" {
		cfg.OAuth.RedirectURI = "http://localhost:5173/callback"
	}
	if cfg.OAuth.TestUser == "" {
		cfg.OAuth.TestUser = "demo"
	}
	if !cfg.OAuth.TestPassword.IsSet() {
		cfg.OAuth.TestPassword = "demo"
	}
}
