package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// denyGate rejects everything, recording what it was asked about.
type denyGate struct {
	method string
	tool   string
}

func (g *denyGate) Check(c echo.Context, method, tool string) (Identity, bool) {
	g.method = method
	g.tool = tool
	c.Response().Header().Set("WWW-Authenticate", `Bearer realm="test"`)
	_ = c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
	return Identity{}, false
}

func newTestServer(t *testing.T, cfg ServerConfig, gate AuthGate) (*Server, *Core) {
	t.Helper()
	core := newTestCore(t)
	require.NoError(t, core.Registry.Register(testTool("alpha")))
	srv := NewServer(core, cfg, gate, nil, nil, zap.NewNop())
	return srv, core
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeRPCError(t *testing.T, rec *httptest.ResponseRecorder) *ErrorDetail {
	t.Helper()
	var resp JSONRPCError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestHTTPInitializeAssignsSession(t *testing.T) {
	srv, core := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "2025-11-25", rec.Header().Get(HeaderProtocolVersion))
	assert.NotNil(t, core.Sessions.Get(sessionID))

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2025-11-25", result["protocolVersion"])
}

func TestHTTPFullHandshakeAndToolCall(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(HeaderSessionID)
	headers := map[string]string{
		HeaderSessionID:       sessionID,
		HeaderProtocolVersion: "2025-11-25",
	}

	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}, headers)
	require.Equal(t, http.StatusAccepted, rec.Code, "notifications get 202 with no body")

	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 2, "tools/call", ToolsCallParams{Name: "alpha"}), headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHTTPUnsupportedVersionHeader(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")),
		map[string]string{HeaderProtocolVersion: "1999-01-01"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported protocol version")
}

func TestHTTPVersionHeaderMismatchWithSession(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	sessionID := rec.Header().Get(HeaderSessionID)

	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 2, "tools/list", nil),
		map[string]string{
			HeaderSessionID:       sessionID,
			HeaderProtocolVersion: "2025-06-18", // supported, but not what this session negotiated
		})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPVersionHeaderRequiredAfterInitialize(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	sessionID := rec.Header().Get(HeaderSessionID)

	// Omitting the version header on a live session is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 2, "tools/list", nil),
		map[string]string{HeaderSessionID: sessionID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), HeaderProtocolVersion)

	// An unknown session id falls through to the protocol-level error
	// rather than the header check.
	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 3, "tools/list", nil),
		map[string]string{HeaderSessionID: "ghost"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, InvalidRequest, decodeRPCError(t, rec).Code)
}

func TestHTTPOriginEnforcement(t *testing.T) {
	cfg := ServerConfig{AllowedOrigins: []string{"http://allowed.example"}}
	srv, _ := newTestServer(t, cfg, nil)

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{name: "no origin", origin: "", wantStatus: http.StatusOK},
		{name: "allowed origin", origin: "http://allowed.example", wantStatus: http.StatusOK},
		{name: "disallowed origin", origin: "http://evil.example", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.origin != "" {
				headers["Origin"] = tt.origin
			}
			rec := doJSON(t, srv, http.MethodPost, "/mcp",
				rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), headers)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK && tt.origin != "" {
				assert.Equal(t, tt.origin, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
			}
		})
	}
}

func TestHTTPWildcardOriginOnlyInDevMode(t *testing.T) {
	headers := map[string]string{"Origin": "http://anywhere.example"}
	body := rpcRequest(t, 1, "initialize", testInitParams("2025-11-25"))

	prod, _ := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}}, nil)
	rec := doJSON(t, prod, http.MethodPost, "/mcp", body, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	dev, _ := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}, DevMode: true}, nil)
	rec = doJSON(t, dev, http.MethodPost, "/mcp", body, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 128}, nil)

	big := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":%q}}`,
		strings.Repeat("x", 256))
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(big))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTooLarge, decodeRPCError(t, rec).Code)
}

func TestHTTPParseError(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ParseError, decodeRPCError(t, rec).Code)
}

func TestHTTPUnknownSessionID(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "tools/list", nil),
		map[string]string{HeaderSessionID: "nope"})
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeRPCError(t, rec)
	assert.Equal(t, InvalidRequest, detail.Code)
	assert.Contains(t, detail.Message, "unknown session id")
}

func TestHTTPAuthGateApplied(t *testing.T) {
	gate := &denyGate{}
	srv, _ := newTestServer(t, ServerConfig{}, gate)

	// initialize is public even with a gate wired.
	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Everything else hits the gate; the gate saw the pre-parsed tool name.
	rec = doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 2, "tools/call", ToolsCallParams{Name: "alpha"}), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "tools/call", gate.method)
	assert.Equal(t, "alpha", gate.tool)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestHTTPShuttingDownReturns503(t *testing.T) {
	srv, core := newTestServer(t, ServerConfig{}, nil)
	core.Sessions.BeginShutdown()

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestHTTPStatelessMode(t *testing.T) {
	srv, core := newTestServer(t, ServerConfig{Stateless: true}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/mcp",
		rpcRequest(t, 1, "initialize", testInitParams("2025-11-25")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderSessionID), "stateless mode assigns no session")
	assert.Empty(t, core.Sessions.ReadySessionIDs())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	stream := httptest.NewRecorder()
	srv.Echo().ServeHTTP(stream, req)
	assert.Equal(t, http.StatusMethodNotAllowed, stream.Code, "event stream disabled in stateless mode")
}

func TestHTTPStreamRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(HeaderSessionID, "ghost")
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	srv, core := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.surface.BeginShutdown()
	core.Sessions.BeginShutdown()
	rec = doJSON(t, srv, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{}, nil)

	rec := doJSON(t, srv, http.MethodGet, "/.well-known/oauth-protected-resource", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc["resource"], "/mcp")
}
