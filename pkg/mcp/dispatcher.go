package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ServerName and ServerVersion identify this implementation in the
// initialize handshake.
const (
	ServerName    = "mcpd"
	ServerVersion = "1.0.0"
)

// Core is the transport-agnostic protocol engine shared by the HTTP and
// stdio transports: session lifecycle, method dispatch, tool execution,
// and server-initiated notifications.
type Core struct {
	Sessions *SessionStore
	Registry *ToolRegistry
	Executor *ToolExecutor
	Broker   *SSEBroker

	logger  *zap.Logger
	metrics *Metrics
}

// NewCore wires the protocol engine. The registry subscription that fans
// out tools/listChanged to ready sessions is installed here.
func NewCore(sessions *SessionStore, registry *ToolRegistry, broker *SSEBroker, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(logger)
	core := &Core{
		Sessions: sessions,
		Registry: registry,
		Executor: NewToolExecutor(registry, logger, metrics),
		Broker:   broker,
		logger:   logger.Named("dispatch"),
		metrics:  metrics,
	}

	registry.Subscribe(core.notifyToolsChanged)
	return core
}

// DispatchResult is the outcome of dispatching one JSON-RPC message.
type DispatchResult struct {
	// Result is the success payload; nil for notifications.
	Result interface{}

	// Error is the protocol error, if any.
	Error *ErrorDetail

	// Session is set when dispatch created a session (initialize), so the
	// transport can surface the id (mcp-session-id header on HTTP).
	Session *Session

	// Notification reports that no response must be written.
	Notification bool
}

// Dispatch routes one decoded JSON-RPC message. session may be nil for
// initialize or on stateless transports.
func (c *Core) Dispatch(ctx context.Context, req JSONRPCRequest, session *Session) DispatchResult {
	start := time.Now()
	res := c.dispatch(ctx, req, session)
	code := 0
	if res.Error != nil {
		code = res.Error.Code
	}
	c.metrics.RecordRequest(ctx, req.Method, time.Since(start), code)
	return res
}

func (c *Core) dispatch(ctx context.Context, req JSONRPCRequest, session *Session) DispatchResult {
	if req.JSONRPC != "2.0" {
		return errResult(InvalidRequest, "jsonrpc must be \"2.0\"")
	}

	switch req.Method {
	case "initialize":
		return c.handleInitialize(req, session)

	case "notifications/initialized":
		return c.handleInitialized(session)

	case "tools/list":
		return c.handleToolsList(req, session)

	case "tools/call":
		return c.handleToolsCall(ctx, req, session)

	default:
		if req.IsNotification() {
			// Unknown notifications are ignored per JSON-RPC 2.0.
			c.logger.Debug("ignoring unknown notification", zap.String("method", req.Method))
			return DispatchResult{Notification: true}
		}
		return errResult(MethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (c *Core) handleInitialize(req JSONRPCRequest, session *Session) DispatchResult {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult(InvalidParams, fmt.Sprintf("invalid initialize params: %v", err))
		}
	}

	// Repeated initialize on a live session: idempotent only when the
	// params match within a short window.
	if session != nil {
		if err := c.Sessions.Reinitialize(session, params); err != nil {
			return errResult(InvalidRequest, "session already initialized")
		}
		return DispatchResult{Result: c.initializeResult(session), Session: session}
	}

	created, err := c.Sessions.Initialize(params, "", nil)
	switch {
	case errors.Is(err, ErrVersionMismatch):
		return DispatchResult{Error: &ErrorDetail{
			Code:    InvalidRequest,
			Message: "Unsupported protocol version",
			Data: map[string]interface{}{
				"requested": params.ProtocolVersion,
				"supported": SupportedProtocolVersions,
			},
		}}
	case errors.Is(err, ErrShuttingDown):
		return errResult(InvalidRequest, "server is shutting down")
	case err != nil:
		return errResult(InternalError, "failed to create session")
	}

	return DispatchResult{Result: c.initializeResult(created), Session: created}
}

func (c *Core) initializeResult(session *Session) InitializeResult {
	return InitializeResult{
		ProtocolVersion: session.ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: ToolsCapability{ListChanged: true},
		},
		ServerInfo: ServerInfo{Name: ServerName, Version: ServerVersion},
	}
}

func (c *Core) handleInitialized(session *Session) DispatchResult {
	if session == nil {
		return DispatchResult{Notification: true}
	}
	if err := c.Sessions.MarkInitialized(session.ID); err != nil {
		c.logger.Warn("initialized notification in wrong state",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
	return DispatchResult{Notification: true}
}

func (c *Core) handleToolsList(req JSONRPCRequest, session *Session) DispatchResult {
	if res, bad := c.gate(req, session); bad {
		return res
	}

	var params ToolsListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult(InvalidParams, fmt.Sprintf("invalid tools/list params: %v", err))
		}
	}
	return DispatchResult{Result: c.Registry.List(params.Cursor, DefaultPageSize)}
}

func (c *Core) handleToolsCall(ctx context.Context, req JSONRPCRequest, session *Session) DispatchResult {
	if res, bad := c.gate(req, session); bad {
		return res
	}

	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResult(InvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
	}
	if params.Name == "" {
		return errResult(InvalidParams, "tool name is required")
	}

	// Wire a throttled progress reporter for handlers that want one.
	if session != nil && params.Meta != nil && params.Meta.ProgressToken != nil {
		ctx = withProgress(ctx, c.progressReporter(session.ID, params.Meta.ProgressToken))
	}

	return DispatchResult{Result: c.Executor.Execute(ctx, params.Name, params.Arguments)}
}

// gate applies the lifecycle checks shared by non-initialize methods.
func (c *Core) gate(req JSONRPCRequest, session *Session) (DispatchResult, bool) {
	err := c.Sessions.Gate(session, req.Method)
	switch {
	case err == nil:
		return DispatchResult{}, false
	case errors.Is(err, ErrShuttingDown):
		return errResult(InvalidRequest, "server is shutting down"), true
	case errors.Is(err, ErrSessionNotFound):
		return errResult(InvalidRequest, "valid session required"), true
	case errors.Is(err, ErrSessionNotReady):
		return errResult(InvalidRequest, "session not initialized: send notifications/initialized first"), true
	default:
		return errResult(InternalError, "lifecycle check failed"), true
	}
}

// notifyToolsChanged publishes notifications/tools/listChanged to every
// ready session's event stream. Fired by registry mutations, outside the
// registry lock.
func (c *Core) notifyToolsChanged() {
	note := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "notifications/tools/listChanged",
	}
	for _, sessionID := range c.Sessions.ReadySessionIDs() {
		if _, err := c.Broker.Publish(sessionID, "message", note); err != nil {
			c.logger.Warn("failed to publish listChanged",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		c.metrics.RecordSSEEvent(context.Background(), "message")
	}
}

// progressThrottle is the minimum interval between forwarded progress
// notifications per call.
const progressThrottle = 100 * time.Millisecond

// progressReporter returns a throttled func publishing
// notifications/progress on the session's stream.
func (c *Core) progressReporter(sessionID string, token interface{}) ProgressFunc {
	var last time.Time
	return func(progress, total float64, message string) {
		now := time.Now()
		if now.Sub(last) < progressThrottle {
			return
		}
		last = now

		params, _ := json.Marshal(ProgressParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
		note := JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  "notifications/progress",
			Params:  params,
		}
		if _, err := c.Broker.Publish(sessionID, "message", note); err != nil {
			c.logger.Debug("failed to publish progress", zap.Error(err))
		}
	}
}

func errResult(code int, message string) DispatchResult {
	return DispatchResult{Error: &ErrorDetail{Code: code, Message: message}}
}
