package oauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{name: "minimum length", verifier: strings.Repeat("a", 43), want: true},
		{name: "maximum length", verifier: strings.Repeat("a", 128), want: true},
		{name: "too short", verifier: strings.Repeat("a", 42), want: false},
		{name: "too long", verifier: strings.Repeat("a", 129), want: false},
		{name: "full charset", verifier: strings.Repeat("Az0-._~", 7), want: true},
		{name: "illegal character", verifier: strings.Repeat("a", 42) + "!", want: false},
		{name: "space", verifier: strings.Repeat("a", 42) + " ", want: false},
		{name: "empty", verifier: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidVerifier(tt.verifier))
		})
	}
}

func TestChallengeS256KnownVector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", ChallengeS256(verifier))
}

func TestVerifyS256(t *testing.T) {
	verifier := strings.Repeat("v", 50)
	challenge := ChallengeS256(verifier)

	assert.True(t, VerifyS256(verifier, challenge))
	assert.False(t, VerifyS256(strings.Repeat("w", 50), challenge))
	assert.False(t, VerifyS256("short", challenge), "invalid verifiers never match")
	assert.False(t, VerifyS256(verifier, "tampered-challenge"))
}
