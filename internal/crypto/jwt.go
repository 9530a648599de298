package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darktower/conference-control/internal/apperr"
)

// MaxTokenLength is the hard cap on accepted compact JWS inputs. Anything
// longer is rejected before parsing.
const MaxTokenLength = 8192

// SignJWT signs the given claims with an Ed25519 private key (PKCS#8 DER)
// and returns a compact JWS. The header carries alg=EdDSA, typ=JWT, and the
// given kid.
func SignJWT(claims jwt.MapClaims, privatePKCS8 []byte, kid string) (string, error) {
	priv, err := ParsePrivateKeyPKCS8(privatePKCS8)
	if err != nil {
		return "", err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", apperr.Crypto(fmt.Errorf("sign jwt: %w", err))
	}
	return signed, nil
}

// VerifyJWT validates a compact JWS against an Ed25519 public key. Only
// EdDSA is accepted; exp and iat are validated with the given skew
// allowance. Returns the claims on success.
func VerifyJWT(token string, publicPEM string, clockSkew time.Duration) (jwt.MapClaims, error) {
	claims, _, err := VerifyJWTWithHeader(token, publicPEM, clockSkew)
	return claims, err
}

// VerifyJWTWithHeader is VerifyJWT but also returns the token header, so
// callers can inspect the kid that was used.
func VerifyJWTWithHeader(token string, publicPEM string, clockSkew time.Duration) (jwt.MapClaims, map[string]interface{}, error) {
	if token == "" {
		return nil, nil, apperr.InvalidToken(errors.New("empty token"))
	}
	if len(token) > MaxTokenLength {
		return nil, nil, apperr.InvalidToken(fmt.Errorf("token exceeds %d bytes", MaxTokenLength))
	}

	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return nil, nil, err
	}
	return verifyWithKey(token, pub, clockSkew)
}

// VerifyJWTWithRawKey validates a token against raw Ed25519 public key
// bytes, as held by the JWKS cache.
func VerifyJWTWithRawKey(token string, rawPublicKey []byte, clockSkew time.Duration) (jwt.MapClaims, error) {
	if token == "" {
		return nil, apperr.InvalidToken(errors.New("empty token"))
	}
	if len(token) > MaxTokenLength {
		return nil, apperr.InvalidToken(fmt.Errorf("token exceeds %d bytes", MaxTokenLength))
	}
	if len(rawPublicKey) != ed25519.PublicKeySize {
		return nil, apperr.Crypto(fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize))
	}
	claims, _, err := verifyWithKey(token, ed25519.PublicKey(rawPublicKey), clockSkew)
	return claims, err
}

func verifyWithKey(token string, pub ed25519.PublicKey, clockSkew time.Duration) (jwt.MapClaims, map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		// Algorithm pinning: anything other than EdDSA is refused before
		// any signature work, including alg=none.
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing algorithm %q", t.Method.Alg())
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, nil, apperr.InvalidToken(err)
	}
	if !parsed.Valid {
		return nil, nil, apperr.InvalidToken(errors.New("token failed validation"))
	}

	// iat must not sit in the future beyond the skew window. jwt/v5 only
	// enforces iat when present and leeway applies symmetrically, so check
	// explicitly.
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		if iat.Time.After(time.Now().Add(clockSkew)) {
			return nil, nil, apperr.InvalidToken(errors.New("token issued in the future"))
		}
	}

	return claims, parsed.Header, nil
}

// PeekKid extracts the kid header from a compact JWS without verifying the
// signature. Used by validators to pick a JWKS entry; the subsequent
// signature check is what authenticates the token.
func PeekKid(token string) (string, error) {
	if token == "" || len(token) > MaxTokenLength {
		return "", apperr.InvalidToken(errors.New("token empty or oversized"))
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", apperr.InvalidToken(err)
	}
	if alg, _ := parsed.Header["alg"].(string); alg != "EdDSA" {
		return "", apperr.InvalidToken(fmt.Errorf("unexpected signing algorithm %q", alg))
	}
	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		return "", apperr.InvalidToken(errors.New("token has no kid header"))
	}
	return kid, nil
}
