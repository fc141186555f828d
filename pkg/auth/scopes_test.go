package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSatisfiesHierarchy(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{name: "exact read", granted: []string{ScopeRead}, required: ScopeRead, want: true},
		{name: "write implies read", granted: []string{ScopeWrite}, required: ScopeRead, want: true},
		{name: "admin implies read", granted: []string{ScopeAdmin}, required: ScopeRead, want: true},
		{name: "admin implies write", granted: []string{ScopeAdmin}, required: ScopeWrite, want: true},
		{name: "read does not imply write", granted: []string{ScopeRead}, required: ScopeWrite, want: false},
		{name: "write does not imply admin", granted: []string{ScopeWrite}, required: ScopeAdmin, want: false},
		{name: "tool scope exact match", granted: []string{"mcp:tool:calculate"}, required: "mcp:tool:calculate", want: true},
		{name: "admin does not imply tool scope", granted: []string{ScopeAdmin}, required: "mcp:tool:calculate", want: false},
		{name: "different tool scope", granted: []string{"mcp:tool:other"}, required: "mcp:tool:calculate", want: false},
		{name: "empty grant", granted: nil, required: ScopeRead, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.granted, tt.required))
		})
	}
}

func TestRequiredScopes(t *testing.T) {
	restricted := map[string]bool{"secret_tool": true}

	assert.Equal(t, []string{ScopeRead}, RequiredScopes("tools/list", "", nil))
	assert.Equal(t, []string{ScopeWrite}, RequiredScopes("tools/call", "calculate", restricted))
	assert.Equal(t, []string{ScopeWrite, "mcp:tool:secret_tool"},
		RequiredScopes("tools/call", "secret_tool", restricted))
	assert.Equal(t, []string{ScopeRead}, RequiredScopes("stream", "", nil))
}
