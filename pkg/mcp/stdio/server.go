// Package stdio serves the agent protocol over a byte-duplex pipe,
// typically the process's stdin/stdout.
//
// Framing is line-delimited JSON: exactly one JSON-RPC message per
// newline-terminated line, no embedded newlines. Requests are dispatched
// on parallel goroutines while all writes are serialized through a single
// writer. EOF on the input triggers graceful shutdown.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
)

// maxLineBytes caps one framed message (matches the HTTP body cap).
const maxLineBytes = 4 << 20

// Server is the stdio transport over a shared protocol core.
type Server struct {
	core    *mcp.Core
	in      io.Reader
	out     io.Writer
	tracker mcp.RequestTracker
	logger  *zap.Logger

	mu      sync.Mutex
	session *mcp.Session

	writeCh chan []byte
}

// NewServer creates a stdio transport reading from in and writing to out.
// tracker may be nil.
func NewServer(core *mcp.Core, in io.Reader, out io.Writer, tracker mcp.RequestTracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		core:    core,
		in:      in,
		out:     out,
		tracker: tracker,
		logger:  logger.Named("stdio"),
		writeCh: make(chan []byte, 64),
	}
}

// Run serves the pipe until EOF or context cancellation. Returns nil on
// EOF so the caller can begin graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for line := range s.writeCh {
			if _, err := s.out.Write(line); err != nil {
				s.logger.Error("stdio write failed", zap.Error(err))
				return
			}
		}
	}()

	var handlers sync.WaitGroup
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; handlers run concurrently.
		msg := make([]byte, len(line))
		copy(msg, line)

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleMessage(ctx, msg)
		}()
	}

	handlers.Wait()
	close(s.writeCh)
	writers.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read: %w", err)
	}
	s.logger.Info("stdin closed, shutting down stdio transport")
	return nil
}

func (s *Server) handleMessage(ctx context.Context, raw []byte) {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(nil, mcp.ParseError, "invalid JSON")
		return
	}

	if s.tracker != nil {
		untrack := s.tracker.Track()
		defer untrack()
	}

	res := s.core.Dispatch(ctx, req, s.currentSession())

	// The pipe carries a single logical session established by the first
	// successful initialize.
	if res.Session != nil && req.Method == "initialize" {
		s.mu.Lock()
		if s.session == nil {
			s.session = res.Session
		}
		s.mu.Unlock()
	}

	switch {
	case res.Error != nil && !req.IsNotification():
		s.write(mcp.JSONRPCError{JSONRPC: "2.0", ID: req.ID, Error: res.Error})
	case res.Notification:
		// Notifications produce no output.
	default:
		s.write(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: res.Result})
	}
}

func (s *Server) currentSession() *mcp.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	s.writeCh <- append(data, '\n')
}

func (s *Server) writeError(id interface{}, code int, message string) {
	s.write(mcp.JSONRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.ErrorDetail{Code: code, Message: message},
	})
}
