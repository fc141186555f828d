package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/health"
)

// Protocol headers on the HTTP surface.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject string
	Scopes  []string
}

// AuthGate authenticates a request and authorizes a method (and tool, for
// tools/call). On failure the gate writes the 401/403 response itself and
// reports ok=false.
type AuthGate interface {
	Check(c echo.Context, method, tool string) (Identity, bool)
}

// RequestTracker registers in-flight requests with the shutdown
// coordinator.
type RequestTracker interface {
	Track() (untrack func())
}

// nopTracker is used when no coordinator is wired (tests).
type nopTracker struct{}

func (nopTracker) Track() func() { return func() {} }

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	DevMode        bool
	Stateless      bool
	MaxBodyBytes   int64
	SSEKeepAlive   time.Duration
}

// Server is the streaming HTTP transport: JSON-RPC over POST /mcp, an SSE
// stream on GET /mcp, and the health surface.
type Server struct {
	echo    *echo.Echo
	core    *Core
	cfg     ServerConfig
	gate    AuthGate
	tracker RequestTracker
	surface *health.Surface
	logger  *zap.Logger
}

// NewServer creates the HTTP transport. gate may be nil (auth disabled).
func NewServer(core *Core, cfg ServerConfig, gate AuthGate, tracker RequestTracker, surface *health.Surface, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	if surface == nil {
		surface = health.NewSurface()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:    e,
		core:    core,
		cfg:     cfg,
		gate:    gate,
		tracker: tracker,
		surface: surface,
		logger:  logger.Named("http"),
	}
	s.registerRoutes()
	return s
}

// requestLogger logs each request with latency and status.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	s.echo.GET("/.well-known/oauth-protected-resource", s.handleResourceMetadata)

	mcpGroup := s.echo.Group("/mcp", s.originMiddleware, s.protocolVersionMiddleware)
	mcpGroup.POST("", s.handleMCPRequest)
	mcpGroup.GET("", s.handleMCPStream)
	mcpGroup.OPTIONS("", s.handlePreflight)
}

// Echo exposes the router so the OAuth server and chat API register their
// routes on the same listener.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// OriginMiddleware exposes the origin check for routes registered by other
// packages on this listener.
func (s *Server) OriginMiddleware() echo.MiddlewareFunc {
	return s.originMiddleware
}

// originMiddleware enforces the allowed-origin list. Browsers without an
// Origin header (same-origin, curl) pass through.
func (s *Server) originMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		origin := c.Request().Header.Get(echo.HeaderOrigin)
		if origin == "" {
			return next(c)
		}
		if !s.originAllowed(origin) {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "origin not allowed",
			})
		}
		h := c.Response().Header()
		h.Set(echo.HeaderAccessControlAllowOrigin, origin)
		h.Set(echo.HeaderAccessControlAllowHeaders, "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
		h.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, OPTIONS")
		h.Set(echo.HeaderAccessControlExposeHeaders, "Mcp-Session-Id, Mcp-Protocol-Version")
		return next(c)
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
		// Wildcard is honoured only in dev mode; config validation rejects
		// it otherwise.
		if allowed == "*" && s.cfg.DevMode {
			return true
		}
	}
	return false
}

func (s *Server) handlePreflight(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// protocolVersionMiddleware rejects requests whose Mcp-Protocol-Version
// header names an unsupported revision, or is absent or disagrees with
// the negotiated version on a request carrying a live session, with HTTP
// 400 before dispatch. Unknown session ids fall through so dispatch can
// answer with the protocol-level error.
func (s *Server) protocolVersionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		headerVersion := c.Request().Header.Get(HeaderProtocolVersion)
		if headerVersion != "" && !versionSupported(headerVersion) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("Unsupported protocol version: %s", headerVersion),
			})
		}
		if sessionID := c.Request().Header.Get(HeaderSessionID); sessionID != "" {
			if session := s.core.Sessions.Get(sessionID); session != nil {
				if headerVersion == "" {
					return c.JSON(http.StatusBadRequest, map[string]string{
						"error": fmt.Sprintf("%s header required after initialize", HeaderProtocolVersion),
					})
				}
				if session.ProtocolVersion != headerVersion {
					return c.JSON(http.StatusBadRequest, map[string]string{
						"error": fmt.Sprintf("Unsupported protocol version: session negotiated %s", session.ProtocolVersion),
					})
				}
			}
		}
		return next(c)
	}
}

// handleMCPRequest handles POST /mcp: one JSON-RPC request or notification
// per body.
//
// Pipeline: origin and protocol-version middleware have already run; here
// the body is decoded, the auth gate applied (initialize is public), the
// session resolved, and the message dispatched while tracked as in-flight.
func (s *Server) handleMCPRequest(c echo.Context) error {
	if s.core.Sessions.ShuttingDown() {
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "server is shutting down",
		})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return s.writeRPCError(c, nil, ParseError, "failed to read request body")
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		return s.writeRPCError(c, nil, ContentTooLarge, "request body too large")
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.writeRPCError(c, nil, ParseError, "invalid JSON")
	}

	// Auth gate: initialize is the only public method; everything else
	// requires a bearer token when the gate is wired.
	var identity Identity
	if s.gate != nil && req.Method != "initialize" {
		toolName := ""
		if req.Method == "tools/call" {
			var params ToolsCallParams
			_ = json.Unmarshal(req.Params, &params)
			toolName = params.Name
		}
		var ok bool
		if identity, ok = s.gate.Check(c, req.Method, toolName); !ok {
			return nil // gate wrote the 401/403
		}
	}

	// Sessions exist only on the stateful surface and are created by
	// initialize alone.
	var session *Session
	if !s.cfg.Stateless {
		if sessionID := c.Request().Header.Get(HeaderSessionID); sessionID != "" {
			session = s.core.Sessions.Get(sessionID)
			if session == nil {
				return s.writeRPCError(c, req.ID, InvalidRequest, "unknown session id")
			}
		}
	}

	untrack := s.tracker.Track()
	defer untrack()

	res := s.core.Dispatch(c.Request().Context(), req, session)

	if res.Session != nil && req.Method == "initialize" {
		if s.cfg.Stateless {
			// Stateless mode keeps no session table; drop it again.
			s.core.Sessions.Close(res.Session.ID)
		} else {
			res.Session.Subject = identity.Subject
			res.Session.Scopes = identity.Scopes
			c.Response().Header().Set(HeaderSessionID, res.Session.ID)
			c.Response().Header().Set(HeaderProtocolVersion, res.Session.ProtocolVersion)
		}
	}

	if res.Error != nil {
		return c.JSON(http.StatusOK, JSONRPCError{JSONRPC: "2.0", ID: req.ID, Error: res.Error})
	}
	if res.Notification {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: res.Result})
}

// handleMCPStream handles GET /mcp: opens the session's SSE stream for
// server-initiated events, replaying from Last-Event-ID when provided.
func (s *Server) handleMCPStream(c echo.Context) error {
	if s.cfg.Stateless {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "event stream disabled in stateless mode",
		})
	}

	if s.gate != nil {
		if _, ok := s.gate.Check(c, "stream", ""); !ok {
			return nil
		}
	}

	sessionID := c.Request().Header.Get(HeaderSessionID)
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Mcp-Session-Id header required",
		})
	}
	session := s.core.Sessions.Get(sessionID)
	if session == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown session id",
		})
	}

	var lastEventID uint64
	if raw := c.Request().Header.Get(HeaderLastEventID); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	untrack := s.tracker.Track()
	defer untrack()

	return s.core.Broker.ServeStream(c, sessionID, lastEventID, s.cfg.SSEKeepAlive)
}

func (s *Server) writeRPCError(c echo.Context, id interface{}, code int, message string) error {
	return c.JSON(http.StatusOK, JSONRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorDetail{Code: code, Message: message},
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServerName,
	})
}

// handleReady aggregates readiness probes; 503 once shutdown begins.
func (s *Server) handleReady(c echo.Context) error {
	ready, failures := s.surface.Ready()
	if !ready {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"failures": failures,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// handleResourceMetadata serves the protected-resource metadata document
// referenced by WWW-Authenticate challenges.
func (s *Server) handleResourceMetadata(c echo.Context) error {
	base := fmt.Sprintf("http://%s", c.Request().Host)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resource":              base + "/mcp",
		"authorization_servers": []string{base},
		"bearer_methods_supported": []string{
			"header",
		},
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// with the given timeout. Returns http.ErrServerClosed on graceful stop.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Shutdown stops the listener directly. Used by the shutdown coordinator's
// cleanup sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
