package auth

import "strings"

// Scope names. ScopeAdmin implies ScopeWrite, which implies ScopeRead.
// Tool scopes (ToolScopePrefix + tool name) are exact-match only.
const (
	ScopeRead  = "mcp:read"
	ScopeWrite = "mcp:write"
	ScopeAdmin = "mcp:admin"

	ToolScopePrefix = "mcp:tool:"
)

// RequiredScopes returns the scopes a caller must hold for the given
// method. tool is the target tool name for tools/call and is consulted
// against restricted, the set of tools that additionally demand their own
// tool scope.
func RequiredScopes(method, tool string, restricted map[string]bool) []string {
	switch method {
	case "tools/list":
		return []string{ScopeRead}
	case "tools/call":
		required := []string{ScopeWrite}
		if restricted[tool] {
			required = append(required, ToolScopePrefix+tool)
		}
		return required
	default:
		// Stream attachment and any future read-style surface.
		return []string{ScopeRead}
	}
}

// Satisfies reports whether the granted scope set covers required.
// Hierarchy scopes inherit downward; tool scopes never inherit.
func Satisfies(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
	}
	if strings.HasPrefix(required, ToolScopePrefix) {
		return false
	}
	switch required {
	case ScopeRead:
		return contains(granted, ScopeWrite) || contains(granted, ScopeAdmin)
	case ScopeWrite:
		return contains(granted, ScopeAdmin)
	}
	return false
}

func contains(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
