package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/aqi-server/pkg/config"
)

var issuedAt = time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC)

func newVerifier(secret, issuer string) (*JWTVerifier, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(issuedAt)
	return NewJWTVerifier(config.AuthConfig{JWTSecret: secret, Issuer: issuer}, clock), clock
}

func TestJWTVerifier_Identify(t *testing.T) {
	v, _ := newVerifier("top-secret", "aqi-idp")
	token, err := v.IssueToken("user-42", "a@example.com", time.Hour)
	require.NoError(t, err)

	id, err := v.Identify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-42", Email: "a@example.com"}, id)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v, clock := newVerifier("top-secret", "")
	token, err := v.IssueToken("user-42", "", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = v.Identify(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v, _ := newVerifier("top-secret", "aqi-idp")
	other, _ := newVerifier("other-secret", "aqi-idp")
	wrongIssuer, _ := newVerifier("top-secret", "someone-else")

	forged, err := other.IssueToken("user-42", "", time.Hour)
	require.NoError(t, err)
	misissued, err := wrongIssuer.IssueToken("user-42", "", time.Hour)
	require.NoError(t, err)
	noSubject, err := v.IssueToken("", "", time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": forged,
		"wrong issuer": misissued,
		"no subject":   noSubject,
		"alg none":     noneAlg,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Identify(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestJWTVerifier_EmptySecretRejectsAll(t *testing.T) {
	signer, _ := newVerifier("", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte("x"))
	require.NoError(t, err)

	_, err = signer.Identify(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRequireUser(t *testing.T) {
	v, _ := newVerifier("top-secret", "")
	token, err := v.IssueToken("user-7", "", time.Hour)
	require.NoError(t, err)

	var seen Identity
	handler := RequireUser(v, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/user/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-7", seen.UserID)

	req = httptest.NewRequest(http.MethodGet, "/api/user/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
