package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// DefaultToolTimeout bounds tool handler execution unless the tool
// overrides it.
const DefaultToolTimeout = 30 * time.Second

// maxErrorMessageLen caps handler error text relayed in an error-result.
// Handlers run in-process and own their diagnostics; the full error is
// kept in the server log.
const maxErrorMessageLen = 256

// ToolExecutor validates arguments against the tool's input schema and
// invokes the handler under a bounded deadline.
//
// Tool failures (unknown tool, validation, timeout, handler error or
// panic) are returned as error-results: {content, isError:true} inside a
// successful JSON-RPC response. Only protocol-level problems become
// JSON-RPC errors.
type ToolExecutor struct {
	registry       *ToolRegistry
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics
}

// NewToolExecutor creates an executor over the given registry.
func NewToolExecutor(registry *ToolRegistry, logger *zap.Logger, metrics *Metrics) *ToolExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolExecutor{
		registry:       registry,
		defaultTimeout: DefaultToolTimeout,
		logger:         logger.Named("executor"),
		metrics:        metrics,
	}
}

// compileSchema compiles a tool's input schema at registration time.
// The schema root must be an object.
func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	if t, _ := schema["type"].(string); t != "object" {
		return nil, fmt.Errorf("tool %q: input schema root must be type object", name)
	}

	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("mcpd:///tools/%s/input.json", name)
	if err := c.AddResource(url, schema); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", name, err)
	}
	return compiled, nil
}

// Execute runs the named tool with the given arguments.
//
// The returned ToolResult is never nil. Handlers are invoked only after
// their input schema accepts the arguments.
func (e *ToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	start := time.Now()
	tool, ok := e.registry.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	if e.metrics != nil {
		e.metrics.IncActiveTools(ctx, name)
		defer e.metrics.DecActiveTools(ctx, name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := tool.compiled.Validate(normalizeForSchema(args)); err != nil {
		result := ErrorResult(fmt.Sprintf("invalid arguments for tool %s: %s", name, err))
		e.record(ctx, name, start, "validation")
		return result
	}

	timeout := e.defaultTimeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// Never leak the panic value or a stack trace to the client.
				e.logger.Error("tool handler panicked",
					zap.String("tool", name),
					zap.Any("panic", r))
				resultCh <- outcome{err: fmt.Errorf("tool execution failed")}
			}
		}()
		result, err := tool.Handler(callCtx, args)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			e.logger.Warn("tool handler failed",
				zap.String("tool", name),
				zap.Error(out.err))
			e.record(ctx, name, start, "handler_error")
			return ErrorResult(clientErrorMessage(out.err))
		}
		if out.result == nil {
			out.result = &ToolResult{Content: []ContentBlock{}}
		}
		e.record(ctx, name, start, "")
		return out.result

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// The request itself was cancelled, not the per-tool deadline.
			e.record(ctx, name, start, "cancelled")
			return ErrorResult(fmt.Sprintf("tool %s cancelled", name))
		}
		e.record(ctx, name, start, "timeout")
		return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, timeout))
	}
}

// clientErrorMessage bounds handler error text before it is relayed.
func clientErrorMessage(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + "..."
	}
	return msg
}

func (e *ToolExecutor) record(ctx context.Context, name string, start time.Time, failure string) {
	if e.metrics != nil {
		e.metrics.RecordToolCall(ctx, name, time.Since(start), failure)
	}
}

// normalizeForSchema rebuilds the argument map through generic JSON types
// so the validator sees exactly what a decode of the wire payload would
// produce. Arguments already come from encoding/json in practice; this
// keeps programmatic callers (tests, stdio) consistent.
func normalizeForSchema(args map[string]interface{}) interface{} {
	return map[string]interface{}(args)
}
