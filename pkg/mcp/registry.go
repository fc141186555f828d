package mcp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultPageSize is the tools/list page size when the caller doesn't ask
// for one.
const DefaultPageSize = 50

// MaxPageSize caps tools/list pages.
const MaxPageSize = 200

var toolNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ToolHandler executes a tool call. A returned error becomes a sanitized
// error-result; handlers that want structured failure detail should return
// a ToolResult with IsError set instead.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (*ToolResult, error)

// Tool is a registered tool: the external definition plus its handler and
// an optional per-tool timeout override.
type Tool struct {
	Def     ToolDef
	Handler ToolHandler

	// TimeoutSeconds overrides the executor default when positive.
	TimeoutSeconds int

	// compiled is the input schema compiled at registration.
	compiled *jsonschema.Schema
}

// ToolRegistry maintains the insertion-ordered tool catalogue with opaque
// tamper-resistant pagination cursors and change subscriptions.
type ToolRegistry struct {
	mu      sync.RWMutex
	order   []string
	tools   map[string]*Tool
	epoch   uint64
	secret  []byte
	nextSub int
	subs    map[int]func()
}

// NewToolRegistry creates a registry. cursorSecret keys the HMAC over
// pagination cursors; when empty a random per-process secret is generated,
// which invalidates cursors across restarts (listing silently restarts at
// the origin, so that is safe).
func NewToolRegistry(cursorSecret []byte) *ToolRegistry {
	if len(cursorSecret) == 0 {
		cursorSecret = make([]byte, 32)
		_, _ = rand.Read(cursorSecret)
	}
	return &ToolRegistry{
		tools:  make(map[string]*Tool),
		secret: cursorSecret,
		subs:   make(map[int]func()),
	}
}

// Register adds a tool to the catalogue. Fails when the name is invalid or
// taken, the description is empty, or schema/handler are missing.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if !toolNameRe.MatchString(tool.Def.Name) {
		return fmt.Errorf("invalid tool name %q", tool.Def.Name)
	}
	if tool.Def.Description == "" {
		return fmt.Errorf("tool %q requires a description", tool.Def.Name)
	}
	if tool.Def.InputSchema == nil {
		return fmt.Errorf("tool %q requires an input schema", tool.Def.Name)
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", tool.Def.Name)
	}

	compiled, err := compileSchema(tool.Def.Name, tool.Def.InputSchema)
	if err != nil {
		return err
	}
	tool.compiled = compiled

	r.mu.Lock()
	if _, exists := r.tools[tool.Def.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q already registered", tool.Def.Name)
	}
	r.tools[tool.Def.Name] = tool
	r.order = append(r.order, tool.Def.Name)
	r.epoch++
	subs := r.snapshotSubs()
	r.mu.Unlock()

	// Change events fire outside the lock.
	for _, fn := range subs {
		fn()
	}
	return nil
}

// Unregister removes a tool by name. Returns whether anything was removed.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.epoch++
	subs := r.snapshotSubs()
	r.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return true
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns one page of tool definitions in insertion order and a
// cursor for the next page iff more remain. An invalid or stale cursor
// restarts from the beginning without error.
func (r *ToolRegistry) List(cursor string, pageSize int) ToolsListResult {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if pos, epoch, ok := r.decodeCursor(cursor); ok && epoch == r.epoch && pos <= len(r.order) {
		start = pos
	}

	end := start + pageSize
	if end > len(r.order) {
		end = len(r.order)
	}

	defs := make([]ToolDef, 0, end-start)
	for _, name := range r.order[start:end] {
		defs = append(defs, r.tools[name].Def)
	}

	result := ToolsListResult{Tools: defs}
	if end < len(r.order) {
		result.NextCursor = r.encodeCursor(end, r.epoch)
	}
	return result
}

// Subscribe registers a callback fired after every catalogue mutation.
// Returns an unsubscribe func.
func (r *ToolRegistry) Subscribe(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// snapshotSubs copies current subscribers. Caller must hold r.mu.
func (r *ToolRegistry) snapshotSubs() []func() {
	out := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		out = append(out, fn)
	}
	return out
}

// cursorPayload binds a list position to a catalogue epoch so mutations
// invalidate outstanding cursors.
type cursorPayload struct {
	Pos   int    `json:"pos"`
	Epoch uint64 `json:"epoch"`
}

// encodeCursor produces base64url(HMAC-SHA256 tag || JSON payload).
func (r *ToolRegistry) encodeCursor(pos int, epoch uint64) string {
	payload, _ := json.Marshal(cursorPayload{Pos: pos, Epoch: epoch})
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(append(mac.Sum(nil), payload...))
}

// decodeCursor verifies and unpacks a cursor. Any failure reports !ok so
// the caller restarts from the origin; no detail is leaked to the client.
func (r *ToolRegistry) decodeCursor(cursor string) (pos int, epoch uint64, ok bool) {
	if cursor == "" {
		return 0, 0, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) <= sha256.Size {
		return 0, 0, false
	}
	tag, payload := raw[:sha256.Size], raw[sha256.Size:]

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(payload)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return 0, 0, false
	}

	var p cursorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Pos < 0 {
		return 0, 0, false
	}
	return p.Pos, p.Epoch, true
}
