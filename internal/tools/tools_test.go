package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
)

func newBuiltinExecutor(t *testing.T) *mcp.ToolExecutor {
	t.Helper()
	registry := mcp.NewToolRegistry(nil)
	require.NoError(t, RegisterBuiltin(registry))
	return mcp.NewToolExecutor(registry, zap.NewNop(), nil)
}

func resultText(t *testing.T, result *mcp.ToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text
}

func TestRegisterBuiltin(t *testing.T) {
	registry := mcp.NewToolRegistry(nil)
	require.NoError(t, RegisterBuiltin(registry))

	listed := registry.List("", 10)
	names := make([]string, len(listed.Tools))
	for i, def := range listed.Tools {
		names[i] = def.Name
	}
	assert.Equal(t, []string{"calculate", "echo_text"}, names)

	// Registering twice collides on names.
	assert.Error(t, RegisterBuiltin(registry))
}

func TestCalculate(t *testing.T) {
	executor := newBuiltinExecutor(t)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{
			name: "add",
			args: map[string]interface{}{"operation": "add", "a": 2.0, "b": 3.0},
			want: "5",
		},
		{
			name: "subtract",
			args: map[string]interface{}{"operation": "subtract", "a": 2.0, "b": 3.0},
			want: "-1",
		},
		{
			name: "multiply",
			args: map[string]interface{}{"operation": "multiply", "a": 4.0, "b": 2.5},
			want: "10",
		},
		{
			name: "divide",
			args: map[string]interface{}{"operation": "divide", "a": 1.0, "b": 8.0},
			want: "0.125",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := executor.Execute(context.Background(), "calculate", tt.args)
			require.False(t, result.IsError)
			assert.Equal(t, tt.want, resultText(t, result))
		})
	}
}

func TestCalculateDivideByZero(t *testing.T) {
	executor := newBuiltinExecutor(t)

	result := executor.Execute(context.Background(), "calculate", map[string]interface{}{
		"operation": "divide", "a": 1.0, "b": 0.0,
	})
	require.True(t, result.IsError, "division by zero is a tool error, not a protocol error")
	assert.Contains(t, resultText(t, result), "zero")
}

func TestCalculateRejectsBadArguments(t *testing.T) {
	executor := newBuiltinExecutor(t)

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "unknown operation", args: map[string]interface{}{"operation": "modulo", "a": 1.0, "b": 2.0}},
		{name: "missing operand", args: map[string]interface{}{"operation": "add", "a": 1.0}},
		{name: "wrong type", args: map[string]interface{}{"operation": "add", "a": "one", "b": 2.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := executor.Execute(context.Background(), "calculate", tt.args)
			assert.True(t, result.IsError)
		})
	}
}

func TestEchoText(t *testing.T) {
	executor := newBuiltinExecutor(t)

	result := executor.Execute(context.Background(), "echo_text", map[string]interface{}{
		"text": "hello",
	})
	require.False(t, result.IsError)
	assert.Equal(t, "hello", resultText(t, result))

	result = executor.Execute(context.Background(), "echo_text", map[string]interface{}{
		"text": "",
	})
	assert.True(t, result.IsError, "minLength rejects the empty string")
}
