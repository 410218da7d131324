package ingest

import (
	"crypto/subtle"

	"github.com/smukkama/aqi-server/internal/database"
)

// SecretHeader carries the producer's shared secret
const SecretHeader = "X-Ingest-Secret"

// Authenticator checks the shared secret sent by producers. One secret
// covers every source kind.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret. An empty secret
// rejects every request.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Configured reports whether a secret is set
func (a *Authenticator) Configured() bool {
	return len(a.secret) > 0
}

// Authenticate reports whether supplied matches the configured secret
func (a *Authenticator) Authenticate(supplied string, _ database.SourceKind) bool {
	if !a.Configured() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), a.secret) == 1
}
