// Package auth enforces bearer-token authentication and scope
// authorization for the protected protocol surface, and provides the
// promise-lock token refresher used by clients of the token endpoint.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/oauth"
)

// Gate validates bearer tokens and resolves per-method scope
// requirements. It writes the 401/403 response itself so transports only
// see pass/fail.
type Gate struct {
	issuer           *oauth.Issuer
	realm            string
	resourceMetadata string
	restricted       map[string]bool
	logger           *zap.Logger
}

// NewGate creates an auth gate backed by the given token verifier.
// resourceMetadata is the absolute URL of the protected-resource metadata
// document advertised in 401 challenges.
func NewGate(issuer *oauth.Issuer, realm, resourceMetadata string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		issuer:           issuer,
		realm:            realm,
		resourceMetadata: resourceMetadata,
		restricted:       make(map[string]bool),
		logger:           logger.Named("auth"),
	}
}

// RestrictTool marks a tool as requiring its own mcp:tool:<name> scope in
// addition to mcp:write.
func (g *Gate) RestrictTool(name string) {
	g.restricted[name] = true
}

// Check implements mcp.AuthGate.
func (g *Gate) Check(c echo.Context, method, tool string) (mcp.Identity, bool) {
	token, ok := bearerToken(c.Request().Header.Get("Authorization"))
	if !ok {
		g.challenge(c, "invalid_request", "missing bearer token")
		return mcp.Identity{}, false
	}

	claims, err := g.issuer.Verify(token)
	if err != nil {
		g.logger.Debug("token rejected", zap.Error(err))
		g.challenge(c, "invalid_token", "token is expired or invalid")
		return mcp.Identity{}, false
	}

	granted := strings.Fields(claims.Scope)
	for _, required := range RequiredScopes(method, tool, g.restricted) {
		if !Satisfies(granted, required) {
			g.forbid(c, required)
			return mcp.Identity{}, false
		}
	}

	return mcp.Identity{Subject: claims.Subject, Scopes: granted}, true
}

// bearerToken extracts the token from an Authorization header. The scheme
// match is case-insensitive per RFC 9110.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func (g *Gate) challenge(c echo.Context, code, description string) {
	c.Response().Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm=%q, resource_metadata=%q`, g.realm, g.resourceMetadata))
	_ = c.JSON(http.StatusUnauthorized, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (g *Gate) forbid(c echo.Context, requiredScope string) {
	c.Response().Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", scope=%q`, g.realm, requiredScope))
	_ = c.JSON(http.StatusForbidden, map[string]string{
		"error":             "insufficient_scope",
		"error_description": "token lacks required scope: " + requiredScope,
	})
}

// DisabledGate is wired when authentication is switched off. Every
// request passes with a fixed development identity.
type DisabledGate struct {
	Subject string
}

// Check implements mcp.AuthGate.
func (d DisabledGate) Check(echo.Context, string, string) (mcp.Identity, bool) {
	subject := d.Subject
	if subject == "" {
		subject = "dev"
	}
	return mcp.Identity{Subject: subject, Scopes: []string{ScopeAdmin}}, true
}
