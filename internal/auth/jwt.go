// Package auth resolves bearer credentials into user identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/smukkama/aqi-server/pkg/config"
)

// ErrUnauthorized is returned for a missing, malformed or rejected credential
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the user a bearer credential resolves to
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// IdentityProvider exchanges a bearer credential for an identity
type IdentityProvider interface {
	Identify(ctx context.Context, bearer string) (Identity, error)
}

// Claims are the token claims the verifier reads
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens issued by the identity provider
type JWTVerifier struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// NewJWTVerifier creates a verifier. With an empty secret every token is
// rejected.
func NewJWTVerifier(cfg config.AuthConfig, clock clockwork.Clock) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		clock:  clock,
	}
}

// Identify validates the token and returns its subject
func (v *JWTVerifier) Identify(_ context.Context, bearer string) (Identity, error) {
	if len(v.secret) == 0 || bearer == "" {
		return Identity{}, ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(bearer, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// IssueToken signs a token for userID; used by tests and local tooling
func (v *JWTVerifier) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
