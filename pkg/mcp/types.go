// Package mcp implements the JSON-RPC agent protocol served by mcpd:
// session lifecycle, tool registry and execution, method dispatch, and the
// streaming HTTP and SSE surfaces.
//
// Example usage:
//
//	core := mcp.NewCore(cfg, logger)
//	srv := mcp.NewServer(core, deps)
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package mcp

import (
	"encoding/json"
	"errors"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request or notification.
// Notifications carry a nil ID.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse represents a successful JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

// JSONRPCError represents an error JSON-RPC 2.0 response.
type JSONRPCError struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Error   *ErrorDetail `json:"error"`
}

// ErrorDetail is the JSON-RPC error object.
type ErrorDetail struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     = -32700 // Invalid JSON
	InvalidRequest = -32600 // Invalid Request object or wrong lifecycle state
	MethodNotFound = -32601 // Method doesn't exist
	InvalidParams  = -32602 // Invalid method params
	InternalError  = -32603 // Internal server error
)

// Protocol extension error codes.
const (
	RequestCancelled = -32800 // Request was cancelled
	ContentTooLarge  = -32801 // Request body exceeded the configured cap
)

// Sentinel errors shared across the package.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotReady  = errors.New("session not initialized")
	ErrShuttingDown     = errors.New("server is shutting down")
	ErrVersionMismatch  = errors.New("Unsupported protocol version")
	ErrDuplicateSession = errors.New("session already initialized")
)

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams contains parameters for the initialize method.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// InitializeResult contains the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ServerCapabilities describes what the server supports.
type ServerCapabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ToolsListParams contains parameters for tools/list.
type ToolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolsListResult is the tools/list result page.
type ToolsListResult struct {
	Tools      []ToolDef `json:"tools"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ToolsCallParams contains parameters for tools/call.
type ToolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      *CallMeta              `json:"_meta,omitempty"`
}

// CallMeta carries request metadata such as the progress token.
type CallMeta struct {
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

// ProgressParams is the payload of notifications/progress (server→client).
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// ToolAnnotations are optional behavioural hints on a tool definition.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
	IdempotentHint  bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool `json:"openWorldHint,omitempty"`
}

// ToolDef is the external tool definition returned by tools/list.
// The handler is never serialized.
type ToolDef struct {
	Name        string                 `json:"name"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Annotations *ToolAnnotations       `json:"annotations,omitempty"`
}

// ContentBlock is a single entry in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolResult is the result shape of tools/call. Tool failures travel here
// with IsError set, inside a successful JSON-RPC response, so the model can
// see and reason about them.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ErrorResult builds a ToolResult carrying a failure message.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{TextContent(text)},
		IsError: true,
	}
}
