package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// envMapping maps recognised environment variables to config keys.
// Unrecognised variables are ignored so mcpd can coexist with unrelated
// process environments.
var envMapping = map[string]string{
	"MCP_TRANSPORT":           "server.transport",
	"MCP_HOST":                "server.host",
	"MCP_PORT":                "server.port",
	"MCP_SHUTDOWN_TIMEOUT_MS": "server.shutdown_timeout_ms",
	"MCP_ALLOWED_ORIGINS":     "server.allowed_origins",
	"MCP_CURSOR_SECRET":       "server.cursor_secret",
	"MCP_SESSION_IDLE_TTL":    "server.session_idle_ttl",
	"MCP_MAX_BODY_BYTES":      "server.max_body_bytes",
	"MCP_STATELESS":           "server.stateless",
	"MCP_DEV_MODE":            "server.dev_mode",
	"AUTH_ENABLED":            "auth.enabled",
	"OAUTH_SIGNING_SECRET":    "oauth.signing_secret",
	"OAUTH_ACCESS_TOKEN_TTL":  "oauth.access_token_ttl",
	"OAUTH_REFRESH_TOKEN_TTL": "oauth.refresh_token_ttl",
	"OAUTH_ISSUER":            "oauth.issuer",
	"OAUTH_CLIENT_ID":         "oauth.client_id",
	"OAUTH_REDIRECT_URI":      "oauth.redirect_uri",
	"OAUTH_TEST_USER":         "oauth.test_user",
	"OAUTH_TEST_PASSWORD":     "oauth.test_password",
	"LOG_LEVEL":               "log.level",
	"LOG_FORMAT":              "log.format",
}

// Load builds the configuration from the process environment.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MCP_PORT, OAUTH_SIGNING_SECRET, ...)
//  2. Hardcoded defaults
//
// Returns an error on validation failure; callers should treat that as an
// unrecoverable init failure and exit non-zero.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// Returning "" drops variables outside the recognised surface.
		return envMapping[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// AUTH_ENABLED defaults to true; the bool zero value cannot carry that.
	if _, set := os.LookupEnv("AUTH_ENABLED"); !set {
		cfg.Auth.Enabled = true
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
