package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// noRedirectClient surfaces 302 responses instead of following them, so
// the tests can inspect each hop of the flow.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// TestStandardClientRoundTrip drives the full flow with a stock oauth2
// client over real HTTP: authorize, login, code exchange with PKCE, then
// a refresh through the client's token source.
func TestStandardClientRoundTrip(t *testing.T) {
	h := newOAuthHarness(t)
	srv := httptest.NewServer(h.echo)
	defer srv.Close()

	cfg := oauth2.Config{
		ClientID:    testClientID,
		RedirectURL: testRedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/oauth/authorize",
			TokenURL:  srv.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL("state-e2e", oauth2.S256ChallengeOption(verifier))

	client := noRedirectClient()

	// authorize hands off to the login form, carrying the query along.
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loginPath := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(loginPath, "/oauth/login?"))

	// Valid credentials redirect back to the client with a code.
	resp, err = client.PostForm(srv.URL+loginPath, url.Values{
		"username": {"demo"},
		"password": {"demo"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "state-e2e", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	token, err := cfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	require.NotEmpty(t, token.RefreshToken)

	claims, err := h.issuer.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "demo", claims.Subject)

	// The token source transparently rotates the refresh token.
	source := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: token.RefreshToken})
	refreshed, err := source.Token()
	require.NoError(t, err)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, token.RefreshToken, refreshed.RefreshToken)

	_, err = h.issuer.Verify(refreshed.AccessToken)
	assert.NoError(t, err)
}

// TestStandardClientRejectsWrongVerifier exercises PKCE end to end: a
// code exchanged with the wrong verifier fails, and the code is burned.
func TestStandardClientRejectsWrongVerifier(t *testing.T) {
	h := newOAuthHarness(t)
	srv := httptest.NewServer(h.echo)
	defer srv.Close()

	cfg := oauth2.Config{
		ClientID:    testClientID,
		RedirectURL: testRedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/oauth/authorize",
			TokenURL:  srv.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	verifier := oauth2.GenerateVerifier()
	code := h.obtainCodeForChallenge(t, oauth2.S256ChallengeFromVerifier(verifier))

	_, err := cfg.Exchange(context.Background(), code, oauth2.VerifierOption(oauth2.GenerateVerifier()))
	require.Error(t, err)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)

	// The failed attempt consumed the code.
	_, err = cfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	assert.Error(t, err)
}
