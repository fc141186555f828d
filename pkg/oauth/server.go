package oauth

import (
	"crypto/subtle"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultScope is granted when the authorization request names none.
const DefaultScope = "mcp:read mcp:write"

// Token endpoint rate limit per client IP: replayed codes and brute-forced
// verifiers are the attack surface here.
const (
	tokenRatePerSecond = 5
	tokenRateBurst     = 10
)

// Config holds authorization-server settings.
type Config struct {
	// Issuer is the value minted into the iss claim and the metadata
	// document.
	Issuer string

	// ClientID and RedirectURI describe the single registered client.
	// RedirectURI matching is exact.
	ClientID    string
	RedirectURI string

	// RefreshTokenTTL bounds refresh-token lifetime.
	RefreshTokenTTL time.Duration

	// TestUser and TestPassword back the demo credential store.
	TestUser     string
	TestPassword string
}

// Server exposes the authorize, login, and token endpoints.
type Server struct {
	store  *TokenStore
	issuer *Issuer
	cfg    Config
	logger *zap.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates the authorization server.
func NewServer(store *TokenStore, issuer *Issuer, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    store,
		issuer:   issuer,
		cfg:      cfg,
		logger:   logger.Named("oauth"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes mounts the OAuth endpoints on the given router.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/oauth/authorize", s.handleAuthorize)
	e.GET("/oauth/login", s.handleLoginForm)
	e.POST("/oauth/login", s.handleLogin)
	e.POST("/oauth/token", s.handleToken)
	e.GET("/.well-known/oauth-authorization-server", s.handleMetadata)
}

// errorResponse is the OAuth 2.1 error envelope.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// tokenResponse is the successful token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// authorizeRequest is the validated query of /oauth/authorize.
type authorizeRequest struct {
	ResponseType    string
	ClientID        string
	RedirectURI     string
	CodeChallenge   string
	ChallengeMethod string
	Scope           string
	State           string
}

func parseAuthorizeRequest(q url.Values) authorizeRequest {
	return authorizeRequest{
		ResponseType:    q.Get("response_type"),
		ClientID:        q.Get("client_id"),
		RedirectURI:     q.Get("redirect_uri"),
		CodeChallenge:   q.Get("code_challenge"),
		ChallengeMethod: q.Get("code_challenge_method"),
		Scope:           q.Get("scope"),
		State:           q.Get("state"),
	}
}

// validatePreRedirect checks the parameters that must hold before any
// redirect can be trusted: the client identity and the exact redirect URI.
func (s *Server) validatePreRedirect(req authorizeRequest) *errorResponse {
	if req.ClientID != s.cfg.ClientID {
		return &errorResponse{Error: "invalid_client", ErrorDescription: "unknown client_id"}
	}
	if req.RedirectURI != s.cfg.RedirectURI {
		return &errorResponse{Error: "invalid_request", ErrorDescription: "redirect_uri does not match registered value"}
	}
	return nil
}

// validatePostRedirect checks the remaining parameters. Failures here are
// reported by redirecting back to the (already validated) client.
func (s *Server) validatePostRedirect(req authorizeRequest) *errorResponse {
	if req.ResponseType != "code" {
		return &errorResponse{Error: "unsupported_response_type", ErrorDescription: "only response_type=code is supported"}
	}
	if req.CodeChallenge == "" {
		return &errorResponse{Error: "invalid_request", ErrorDescription: "code_challenge is required"}
	}
	if req.ChallengeMethod != "S256" {
		return &errorResponse{Error: "invalid_request", ErrorDescription: "only code_challenge_method=S256 is supported"}
	}
	if req.State == "" {
		return &errorResponse{Error: "invalid_request", ErrorDescription: "state is required"}
	}
	return nil
}

func redirectError(c echo.Context, redirectURI string, oauthErr *errorResponse, state string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return c.JSON(http.StatusBadRequest, oauthErr)
	}
	q := u.Query()
	q.Set("error", oauthErr.Error)
	if oauthErr.ErrorDescription != "" {
		q.Set("error_description", oauthErr.ErrorDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, u.String())
}

// handleAuthorize validates the authorization request and sends the
// resource owner to the login page with the original query preserved.
func (s *Server) handleAuthorize(c echo.Context) error {
	req := parseAuthorizeRequest(c.QueryParams())

	if oauthErr := s.validatePreRedirect(req); oauthErr != nil {
		status := http.StatusBadRequest
		if oauthErr.Error == "invalid_client" {
			status = http.StatusUnauthorized
		}
		return c.JSON(status, oauthErr)
	}
	if oauthErr := s.validatePostRedirect(req); oauthErr != nil {
		return redirectError(c, req.RedirectURI, oauthErr, req.State)
	}

	return c.Redirect(http.StatusFound, "/oauth/login?"+c.QueryString())
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
  <h1>Sign in to {{.Client}}</h1>
  <form method="post" action="/oauth/login?{{.Query}}">
    <label>Username <input type="text" name="username" autocomplete="username"></label>
    <label>Password <input type="password" name="password" autocomplete="current-password"></label>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>
`))

// handleLoginForm renders the login page embedding the original
// authorization query.
func (s *Server) handleLoginForm(c echo.Context) error {
	req := parseAuthorizeRequest(c.QueryParams())
	if oauthErr := s.validatePreRedirect(req); oauthErr != nil {
		return c.JSON(http.StatusBadRequest, oauthErr)
	}

	var buf []byte
	w := &writerCapture{buf: &buf}
	if err := loginTemplate.Execute(w, map[string]string{
		"Client": req.ClientID,
		"Query":  c.QueryString(),
	}); err != nil {
		return fmt.Errorf("render login form: %w", err)
	}
	return c.HTMLBlob(http.StatusOK, buf)
}

type writerCapture struct{ buf *[]byte }

func (w *writerCapture) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// handleLogin re-validates the authorization parameters, checks the
// credentials, and on success redirects back to the client with a
// single-use code bound to the full request.
func (s *Server) handleLogin(c echo.Context) error {
	req := parseAuthorizeRequest(c.QueryParams())

	if oauthErr := s.validatePreRedirect(req); oauthErr != nil {
		return c.JSON(http.StatusBadRequest, oauthErr)
	}
	if oauthErr := s.validatePostRedirect(req); oauthErr != nil {
		return redirectError(c, req.RedirectURI, oauthErr, req.State)
	}

	username := c.FormValue("username")
	password := c.FormValue("password")
	if !s.credentialsValid(username, password) {
		s.logger.Warn("login failed", zap.String("username", username))
		return redirectError(c, req.RedirectURI, &errorResponse{
			Error:            "access_denied",
			ErrorDescription: "invalid credentials",
		}, req.State)
	}

	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}

	code, err := s.store.MintCode(req.ClientID, req.RedirectURI, req.CodeChallenge,
		req.ChallengeMethod, username, scope, req.State)
	if err != nil {
		return fmt.Errorf("mint authorization code: %w", err)
	}

	u, _ := url.Parse(req.RedirectURI)
	q := u.Query()
	q.Set("code", code)
	q.Set("state", req.State)
	u.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, u.String())
}

// credentialsValid checks the demo user store in constant time.
func (s *Server) credentialsValid(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.TestUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.TestPassword)) == 1
	return userOK && passOK
}

// handleToken serves grant_type=authorization_code and
// grant_type=refresh_token.
func (s *Server) handleToken(c echo.Context) error {
	if !s.allowToken(c.RealIP()) {
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error:            "slow_down",
			ErrorDescription: "token endpoint rate limit exceeded",
		})
	}

	clientID := c.FormValue("client_id")
	if clientID != s.cfg.ClientID {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid_client"})
	}

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return s.handleCodeGrant(c)
	case "refresh_token":
		return s.handleRefreshGrant(c)
	default:
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:            "unsupported_grant_type",
			ErrorDescription: "supported grant types: authorization_code, refresh_token",
		})
	}
}

// handleCodeGrant redeems an authorization code. The code is consumed
// before any verification, so every failure path below leaves it burned.
func (s *Server) handleCodeGrant(c echo.Context) error {
	record, ok := s.store.ConsumeCode(c.FormValue("code"))
	if !ok {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}

	if record.ClientID != c.FormValue("client_id") {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}
	if record.RedirectURI != c.FormValue("redirect_uri") {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}
	if !VerifyS256(c.FormValue("code_verifier"), record.CodeChallenge) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}

	return s.mintTokens(c, record.Subject, record.Scope, record.ClientID)
}

// handleRefreshGrant rotates a refresh token: the presented token is
// revoked and a fresh one issued with the new access token. Replaying an
// already-rotated token fails.
func (s *Server) handleRefreshGrant(c echo.Context) error {
	record, ok := s.store.ConsumeRefresh(c.FormValue("refresh_token"))
	if !ok {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}
	if record.ClientID != c.FormValue("client_id") {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_grant"})
	}
	return s.mintTokens(c, record.Subject, record.Scope, record.ClientID)
}

func (s *Server) mintTokens(c echo.Context, subject, scope, clientID string) error {
	accessToken, err := s.issuer.Issue(subject, scope)
	if err != nil {
		s.logger.Error("failed to issue access token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}

	refreshToken, err := s.store.MintRefresh(clientID, subject, scope, s.cfg.RefreshTokenTTL)
	if err != nil {
		s.logger.Error("failed to mint refresh token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
		Scope:        scope,
	})
}

// handleMetadata serves the authorization-server metadata document.
func (s *Server) handleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + "/oauth/authorize",
		"token_endpoint":                        s.cfg.Issuer + "/oauth/token",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

// allowToken applies the per-IP token endpoint rate limit.
func (s *Server) allowToken(ip string) bool {
	s.limitMu.Lock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(tokenRatePerSecond), tokenRateBurst)
		s.limiters[ip] = limiter
	}
	s.limitMu.Unlock()
	return limiter.Allow()
}
