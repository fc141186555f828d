// Mcpd is a reference agent-protocol server: JSON-RPC tool invocation
// over streaming HTTP and stdio, with an embedded OAuth 2.1
// authorization server and a streaming chat API.
//
// Configuration is loaded from environment variables. See internal/config
// for the recognised surface.
//
// Usage:
//
//	# Serve HTTP on the default port
//	OAUTH_SIGNING_SECRET=... mcpd serve
//
//	# Serve stdio only, auth disabled
//	MCP_TRANSPORT=stdio AUTH_ENABLED=false mcpd serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/config"
	"github.com/fyrsmithlabs/mcpd/internal/health"
	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/shutdown"
	"github.com/fyrsmithlabs/mcpd/internal/tools"
	"github.com/fyrsmithlabs/mcpd/pkg/auth"
	"github.com/fyrsmithlabs/mcpd/pkg/chat"
	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/mcp/stdio"
	"github.com/fyrsmithlabs/mcpd/pkg/oauth"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// sweepInterval paces the idle-session and expired-token sweeps.
const sweepInterval = time.Minute

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mcpd",
	Short:   "Agent-protocol reference server",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start mcpd with the transports selected by MCP_TRANSPORT
(stdio, http, or both). HTTP serves JSON-RPC on /mcp, an SSE event
stream, the chat API, and the OAuth endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mcpd",
		zap.String("version", version),
		zap.String("transport", cfg.Server.Transport))

	surface := health.NewSurface()
	coordinator := shutdown.NewCoordinator(logger, cfg.Server.ShutdownTimeout())

	sessions := mcp.NewSessionStore(cfg.Server.SessionIdleTTL.Duration(), logger)
	registry := mcp.NewToolRegistry([]byte(cfg.Server.CursorSecret.Value()))
	broker := mcp.NewSSEBroker(0, logger)
	core := mcp.NewCore(sessions, registry, broker, logger)

	if err := tools.RegisterBuiltin(registry); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	tokenStore := oauth.NewTokenStore()
	var issuer *oauth.Issuer
	var gate mcp.AuthGate
	if cfg.Auth.Enabled {
		issuer, err = oauth.NewIssuer(
			[]byte(cfg.OAuth.SigningSecret.Value()),
			cfg.OAuth.Issuer,
			cfg.OAuth.Issuer+"/mcp",
			cfg.OAuth.AccessTokenTTL.Duration(),
		)
		if err != nil {
			return fmt.Errorf("create token issuer: %w", err)
		}
		gate = auth.NewGate(issuer, mcp.ServerName,
			cfg.OAuth.Issuer+"/.well-known/oauth-protected-resource", logger)
	} else {
		logger.Warn("authentication disabled, all requests run as the dev subject")
		gate = auth.DisabledGate{}
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	serveHTTP := cfg.Server.Transport != config.TransportStdio
	serveStdio := cfg.Server.Transport != config.TransportHTTP

	errCh := make(chan error, 2)

	var httpServer *mcp.Server
	if serveHTTP {
		httpServer = mcp.NewServer(core, mcp.ServerConfig{
			Addr:           cfg.Server.Addr(),
			AllowedOrigins: cfg.Server.Origins(),
			DevMode:        cfg.Server.DevMode,
			Stateless:      cfg.Server.Stateless,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		}, gate, coordinator, surface, logger)

		if cfg.Auth.Enabled {
			oauthServer := oauth.NewServer(tokenStore, issuer, oauth.Config{
				Issuer:          cfg.OAuth.Issuer,
				ClientID:        cfg.OAuth.ClientID,
				RedirectURI:     cfg.OAuth.RedirectURI,
				RefreshTokenTTL: cfg.OAuth.RefreshTokenTTL.Duration(),
				TestUser:        cfg.OAuth.TestUser,
				TestPassword:    cfg.OAuth.TestPassword.Value(),
			}, logger)
			oauthServer.RegisterRoutes(httpServer.Echo())
		}

		cancelCoordinator := chat.NewCancelCoordinator()
		producer := &chat.ScriptedProducer{Executor: core.Executor}
		streamer := chat.NewStreamer(producer, broker, cancelCoordinator, gate, coordinator, logger)
		streamer.RegisterRoutes(httpServer.Echo().Group("", httpServer.OriginMiddleware()))
		coordinator.OnCleanup("chat", func(context.Context) error {
			cancelCoordinator.CancelAll()
			return nil
		})

		go func() {
			errCh <- httpServer.Start(serveCtx, cfg.Server.ShutdownTimeout())
		}()
		logger.Info("http transport listening", zap.String("addr", cfg.Server.Addr()))
	}

	var stdioServer *stdio.Server
	if serveStdio {
		stdioServer = stdio.NewServer(core, os.Stdin, os.Stdout, coordinator, logger)
		go func() {
			errCh <- stdioServer.Run(serveCtx)
		}()
		logger.Info("stdio transport running")
	}

	// Cleanup order: HTTP listener, SSE broker, stdio, telemetry.
	if httpServer != nil {
		coordinator.OnCleanup("http", httpServer.Shutdown)
	}
	coordinator.OnCleanup("sse_broker", func(context.Context) error {
		broker.Flush()
		return nil
	})
	coordinator.OnCleanup("stdio", func(context.Context) error {
		cancelServe()
		return nil
	})
	coordinator.OnCleanup("logger", func(context.Context) error {
		return logger.Sync()
	})

	go runSweeps(serveCtx, sessions, tokenStore, broker, logger)

	beginShutdown := func() {
		surface.BeginShutdown()
		sessions.BeginShutdown()
	}
	finished := coordinator.ListenForSignals(serveCtx, beginShutdown)

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled && err != http.ErrServerClosed {
			return err
		}
		// A transport finished on its own (stdio EOF or graceful HTTP
		// close): run the full shutdown sequence.
		beginShutdown()
		coordinator.Shutdown(context.Background())
		return nil
	case <-finished:
		return nil
	}
}

// runSweeps periodically closes idle sessions, drops their broker state,
// and evicts expired OAuth codes and refresh tokens.
func runSweeps(ctx context.Context, sessions *mcp.SessionStore, store *oauth.TokenStore,
	broker *mcp.SSEBroker, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sessions.SweepIdle() {
				broker.Drop(id)
			}
			codes, tokens := store.Sweep()
			if codes > 0 || tokens > 0 {
				logger.Debug("swept expired oauth state",
					zap.Int("codes", codes), zap.Int("refresh_tokens", tokens))
			}
		}
	}
}
