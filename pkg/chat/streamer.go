package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
)

// Terminal event names. The stream ends with exactly one of these.
const (
	eventDone  = "done"
	eventError = "error"
)

// errorEvent is the payload of the terminal error event.
type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// toolCallEvent announces a tool invocation started by the model.
type toolCallEvent struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolResultEvent carries the outcome of an announced tool call.
type toolResultEvent struct {
	Tool    string          `json:"tool"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// Streamer republishes a model producer's deltas as per-session SSE
// events, honouring broker backpressure and coordinator cancellation.
type Streamer struct {
	producer    ModelProducer
	broker      *mcp.SSEBroker
	coordinator *CancelCoordinator
	gate        mcp.AuthGate
	tracker     mcp.RequestTracker
	logger      *zap.Logger
}

// NewStreamer creates a chat streamer. gate and tracker may be nil.
func NewStreamer(producer ModelProducer, broker *mcp.SSEBroker, coordinator *CancelCoordinator,
	gate mcp.AuthGate, tracker mcp.RequestTracker, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		producer:    producer,
		broker:      broker,
		coordinator: coordinator,
		gate:        gate,
		tracker:     tracker,
		logger:      logger.Named("chat"),
	}
}

// RegisterRoutes mounts the chat endpoints on the given group.
func (s *Streamer) RegisterRoutes(g *echo.Group) {
	g.POST("/api/chat", s.handleChat)
	g.POST("/api/cancel", s.handleCancel)
}

// pauseGate blocks the producer loop while the broker signals
// backpressure.
type pauseGate struct {
	mu     sync.Mutex
	resume chan struct{}
}

func (g *pauseGate) set(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if paused && g.resume == nil {
		g.resume = make(chan struct{})
	}
	if !paused && g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

// wait blocks until the gate is open or the context ends.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	resume := g.resume
	g.mu.Unlock()
	if resume == nil {
		return ctx.Err()
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives one chat: it invokes the producer and publishes its deltas
// to the session's event stream. The published stream always ends with
// exactly one done or error event.
func (s *Streamer) Run(ctx context.Context, req Request) {
	sessionID := req.SessionID
	gate := &pauseGate{}
	s.broker.SetPauseFunc(sessionID, gate.set)
	defer s.broker.SetPauseFunc(sessionID, nil)

	deltas, err := s.producer.Stream(ctx, req)
	if err != nil {
		s.logger.Warn("model producer failed to start", zap.Error(err))
		s.terminate(sessionID, errorEvent{Code: "producer_error", Message: "model backend unavailable"})
		return
	}

	for delta := range deltas {
		if err := gate.wait(ctx); err != nil {
			break
		}
		if done := s.publishDelta(sessionID, delta); done {
			return
		}
		if ctx.Err() != nil {
			break
		}
	}

	// The producer closed without a terminal delta: cancelled chats end
	// with a cancelled error, anything else is an abnormal end of stream.
	if ctx.Err() != nil {
		s.terminate(sessionID, errorEvent{Code: "cancelled", Message: "chat cancelled"})
		return
	}
	s.terminate(sessionID, errorEvent{Code: "producer_error", Message: "model stream ended unexpectedly"})
}

// publishDelta emits the SSE event for one delta. Reports whether the
// delta was terminal.
func (s *Streamer) publishDelta(sessionID string, delta Delta) bool {
	switch delta.Kind {
	case DeltaToken:
		s.publish(sessionID, "token", map[string]string{"text": delta.Text})
	case DeltaToolCall:
		s.publish(sessionID, "tool_call", toolCallEvent{Tool: delta.Tool, Arguments: delta.Arguments})
	case DeltaToolResult:
		s.publish(sessionID, "tool_result", toolResultEvent{
			Tool: delta.Tool, Result: delta.Result, IsError: delta.IsError,
		})
	case DeltaDone:
		usage := delta.Usage
		if usage == nil {
			usage = &Usage{}
		}
		s.publish(sessionID, eventDone, map[string]*Usage{"usage": usage})
		return true
	case DeltaError:
		s.terminate(sessionID, errorEvent{Code: "producer_error", Message: delta.Message})
		return true
	}
	return false
}

func (s *Streamer) terminate(sessionID string, e errorEvent) {
	s.publish(sessionID, eventError, e)
}

func (s *Streamer) publish(sessionID, name string, data interface{}) {
	if _, err := s.broker.Publish(sessionID, name, data); err != nil {
		s.logger.Error("failed to publish chat event",
			zap.String("event", name), zap.Error(err))
	}
}

// handleChat starts a chat and streams its events back as the SSE
// response. A new chat for the same session cancels the previous one.
func (s *Streamer) handleChat(c echo.Context) error {
	if s.gate != nil {
		if _, ok := s.gate.Check(c, "chat", ""); !ok {
			return nil
		}
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(nil, c.Request().Body, 1<<20)).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		req.SessionID = c.Request().Header.Get(mcp.HeaderSessionID)
	}
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
	}

	if s.tracker != nil {
		untrack := s.tracker.Track()
		defer untrack()
	}

	// Transport close cancels the chat alongside explicit /api/cancel.
	ctx, release := s.coordinator.Acquire(c.Request().Context(), req.SessionID)
	defer release()

	go s.Run(ctx, req)

	lastEventID, _ := strconv.ParseUint(c.Request().Header.Get(mcp.HeaderLastEventID), 10, 64)
	return s.serveStream(c, req.SessionID, lastEventID)
}

// serveStream writes the session's chat events as SSE until a terminal
// event has been sent or the client disconnects.
func (s *Streamer) serveStream(c echo.Context, sessionID string, lastEventID uint64) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	consumer := s.broker.Attach(sessionID, lastEventID)
	defer s.broker.Detach(sessionID, consumer)

	keepAlive := time.NewTicker(mcp.DefaultKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-consumer.Events:
			if !ok {
				return nil
			}
			fmt.Fprintf(c.Response(), "id: %d\n", event.ID)
			fmt.Fprintf(c.Response(), "event: %s\n", event.Name)
			fmt.Fprintf(c.Response(), "data: %s\n\n", event.Data)
			c.Response().Flush()
			if event.Name == eventDone || event.Name == eventError {
				return nil
			}

		case <-keepAlive.C:
			fmt.Fprint(c.Response(), ": keep-alive\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// handleCancel aborts the in-flight chat for a session.
func (s *Streamer) handleCancel(c echo.Context) error {
	if s.gate != nil {
		if _, ok := s.gate.Check(c, "chat", ""); !ok {
			return nil
		}
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	cancelled := s.coordinator.Cancel(req.SessionID)
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}
