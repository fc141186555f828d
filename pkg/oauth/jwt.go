package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClockSkewTolerance is the leeway applied to exp/iat/nbf validation.
const ClockSkewTolerance = 60 * time.Second

// Sentinel errors from token verification.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrWrongIssuer    = errors.New("unexpected issuer")
	ErrWrongAudience  = errors.New("unexpected audience")
	ErrMissingSubject = errors.New("missing subject claim")
)

// Claims is the access-token claim set: the registered claims plus the
// space-separated scope string.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Issuer signs and verifies symmetric (HS256) access tokens.
//
// The signing algorithm is pinned on both ends: tokens signed with any
// other method are rejected outright, which blocks algorithm-substitution
// attacks.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewIssuer creates a JWT issuer. secret must be non-empty.
func NewIssuer(secret []byte, issuer, audience string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	return &Issuer{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
	}, nil
}

// TTL returns the configured access-token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints an access token for the subject with the given scope.
// exp - iat always equals the configured TTL; jti is unique per issuance.
func (i *Issuer) Issue(subject, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token: signature, pinned
// algorithm, issuer, audience, and expiry with clock-skew tolerance.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(ClockSkewTolerance),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, ErrWrongIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrWrongAudience
	case err != nil:
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
