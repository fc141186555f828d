// Package tools registers the built-in tool set: a four-function
// calculator and a text echo. Both are exercised by the development chat
// backend and by the protocol test suites.
package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
)

// RegisterBuiltin adds the built-in tools to the registry.
func RegisterBuiltin(registry *mcp.ToolRegistry) error {
	for _, tool := range []*mcp.Tool{calculateTool(), echoTextTool()} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Def.Name, err)
		}
	}
	return nil
}

func calculateTool() *mcp.Tool {
	return &mcp.Tool{
		Def: mcp.ToolDef{
			Name:        "calculate",
			Title:       "Calculator",
			Description: "Performs basic arithmetic on two numbers.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"operation": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"add", "subtract", "multiply", "divide"},
					},
					"a": map[string]interface{}{"type": "number"},
					"b": map[string]interface{}{"type": "number"},
				},
				"required": []interface{}{"operation", "a", "b"},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:   true,
				IdempotentHint: true,
			},
		},
		Handler: handleCalculate,
	}
}

func handleCalculate(ctx context.Context, args map[string]interface{}) (*mcp.ToolResult, error) {
	operation, _ := args["operation"].(string)
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)

	var result float64
	switch operation {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return mcp.ErrorResult("cannot divide by zero"), nil
		}
		result = a / b
	default:
		return mcp.ErrorResult(fmt.Sprintf("unsupported operation: %s", operation)), nil
	}

	return &mcp.ToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(strconv.FormatFloat(result, 'f', -1, 64))},
	}, nil
}

func echoTextTool() *mcp.Tool {
	return &mcp.Tool{
		Def: mcp.ToolDef{
			Name:        "echo_text",
			Title:       "Echo",
			Description: "Returns the provided text unchanged.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":      "string",
						"minLength": float64(1),
					},
				},
				"required": []interface{}{"text"},
			},
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:   true,
				IdempotentHint: true,
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (*mcp.ToolResult, error) {
			text, _ := args["text"].(string)
			return &mcp.ToolResult{
				Content: []mcp.ContentBlock{mcp.TextContent(text)},
			}, nil
		},
	}
}
