package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
)

// ScriptedProducer is the built-in development backend. It echoes the
// last user message back token by token, and a message of the form
// "/call <tool> <json-args>" runs the named tool through the executor,
// surfacing the tool_call and tool_result events a real model would
// produce.
type ScriptedProducer struct {
	// Executor runs /call invocations. When nil, /call messages are
	// echoed like any other text.
	Executor *mcp.ToolExecutor

	// TokenDelay paces token emission. Zero means no pacing.
	TokenDelay time.Duration
}

// Stream implements ModelProducer.
func (p *ScriptedProducer) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	out := make(chan Delta)
	go func() {
		defer close(out)

		text := lastUserMessage(req.Messages)
		if tool, args, ok := parseCallCommand(text); ok && p.Executor != nil {
			p.runTool(ctx, out, tool, args)
			return
		}
		p.echo(ctx, out, text)
	}()
	return out, nil
}

func (p *ScriptedProducer) echo(ctx context.Context, out chan<- Delta, text string) {
	if text == "" {
		text = "(empty message)"
	}
	words := strings.Fields("You said: " + text)
	emitted := 0
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if !p.emit(ctx, out, Delta{Kind: DeltaToken, Text: word}) {
			return
		}
		emitted++
		if p.TokenDelay > 0 {
			select {
			case <-time.After(p.TokenDelay):
			case <-ctx.Done():
				return
			}
		}
	}
	p.emit(ctx, out, Delta{Kind: DeltaDone, Usage: &Usage{
		InputTokens:  len(words),
		OutputTokens: emitted,
	}})
}

func (p *ScriptedProducer) runTool(ctx context.Context, out chan<- Delta, tool string, args json.RawMessage) {
	if !p.emit(ctx, out, Delta{Kind: DeltaToolCall, Tool: tool, Arguments: args}) {
		return
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(args, &parsed); err != nil {
		p.emit(ctx, out, Delta{Kind: DeltaError, Message: "invalid tool arguments"})
		return
	}

	result := p.Executor.Execute(ctx, tool, parsed)
	payload, err := json.Marshal(result)
	if err != nil {
		p.emit(ctx, out, Delta{Kind: DeltaError, Message: "tool result not serializable"})
		return
	}
	if !p.emit(ctx, out, Delta{Kind: DeltaToolResult, Tool: tool, Result: payload, IsError: result.IsError}) {
		return
	}
	p.emit(ctx, out, Delta{Kind: DeltaDone, Usage: &Usage{InputTokens: 1, OutputTokens: 1}})
}

func (p *ScriptedProducer) emit(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" || messages[i].Role == "" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// parseCallCommand splits "/call <tool> <json-args>". Args default to an
// empty object.
func parseCallCommand(text string) (string, json.RawMessage, bool) {
	if !strings.HasPrefix(text, "/call ") {
		return "", nil, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, "/call "))
	if rest == "" {
		return "", nil, false
	}
	parts := strings.SplitN(rest, " ", 2)
	args := "{}"
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		args = strings.TrimSpace(parts[1])
	}
	return parts[0], json.RawMessage(args), true
}
