package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/darktower/conference-control/internal/apperr"
)

// bcryptCost matches the cost used for both service-credential secrets and
// user passwords.
const bcryptCost = 12

// DummyBcryptHash is a fixed cost-12 bcrypt hash used when a client_id does
// not exist, so the failure path costs the same as a real verification. A
// match against it is never treated as success; the credential existence
// check decides the outcome.
const DummyBcryptHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// GenerateClientSecret returns a fresh 32-byte random secret, base64-url
// encoded without padding. This is the only time the plaintext exists.
func GenerateClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Crypto(fmt.Errorf("generate client secret: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashClientSecret hashes a secret (or password) with bcrypt cost 12.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", apperr.Crypto(fmt.Errorf("hash secret: %w", err))
	}
	return string(hash), nil
}

// VerifyClientSecret reports whether the secret matches the stored bcrypt
// hash. Callers that need timing symmetry pass DummyBcryptHash when no
// stored hash exists.
func VerifyClientSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// HashForCorrelation returns the first 8 hex chars of SHA-256(s), used to
// correlate log lines without exposing the raw identifier or secret.
func HashForCorrelation(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// GenerateJoinTokenSecret returns 32 random bytes, hex encoded, for the
// meeting join_token_secret column.
func GenerateJoinTokenSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Crypto(fmt.Errorf("generate join token secret: %w", err))
	}
	return hex.EncodeToString(buf), nil
}
