// Package chat drives a streaming model producer and republishes its
// deltas as per-session server-sent events: token text, tool calls and
// their results, and a single terminal done or error event.
package chat

import (
	"context"
	"encoding/json"
)

// Message is one turn of the conversation sent to the producer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat invocation. SessionID keys the event stream and the
// cancellation handle.
type Request struct {
	SessionID string    `json:"session_id,omitempty"`
	Messages  []Message `json:"messages"`
}

// Usage is the token accounting carried by the terminal done event.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// DeltaKind discriminates producer stream items.
type DeltaKind string

const (
	DeltaToken      DeltaKind = "token"
	DeltaToolCall   DeltaKind = "tool_call"
	DeltaToolResult DeltaKind = "tool_result"
	DeltaDone       DeltaKind = "done"
	DeltaError      DeltaKind = "error"
)

// Delta is one item of the producer's output stream. Fields are
// populated per kind: Text for token, Tool/Arguments for tool_call,
// Tool/Result/IsError for tool_result, Usage for done, Message for
// error.
type Delta struct {
	Kind      DeltaKind
	Text      string
	Tool      string
	Arguments json.RawMessage
	Result    json.RawMessage
	IsError   bool
	Usage     *Usage
	Message   string
}

// ModelProducer is the external language-model backend. Stream returns a
// channel of deltas that the producer closes when the message is
// complete or the context is cancelled. A well-behaved producer ends
// with exactly one done or error delta; the streamer normalizes streams
// that close without one.
type ModelProducer interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
