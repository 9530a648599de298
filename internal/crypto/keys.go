// Package crypto provides the signing-key and token primitives used by the
// Authentication Controller: Ed25519 keypair generation, PEM/PKCS#8
// serialization, AES-256-GCM wrapping of private keys at rest, EdDSA JWT
// signing and verification, and bcrypt secret handling.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/darktower/conference-control/internal/apperr"
)

const (
	// MasterKeySize is the required length of the decoded AC_MASTER_KEY.
	MasterKeySize = 32

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// EncryptedKey is an AES-256-GCM wrapped private key as stored in the
// signing_keys table. Tag is kept separate to match the column layout.
type EncryptedKey struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// GenerateSigningKey creates a fresh Ed25519 keypair. The public key is
// returned as a PEM-encoded SubjectPublicKeyInfo block and the private key
// as PKCS#8 DER bytes.
func GenerateSigningKey() (publicPEM string, privatePKCS8 []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, apperr.Crypto(fmt.Errorf("generate ed25519 key: %w", err))
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", nil, apperr.Crypto(fmt.Errorf("marshal public key: %w", err))
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", nil, apperr.Crypto(fmt.Errorf("marshal private key: %w", err))
	}

	return string(pemBytes), privDER, nil
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, apperr.Crypto(errors.New("failed to decode PEM block"))
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apperr.Crypto(fmt.Errorf("parse public key: %w", err))
	}

	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, apperr.Crypto(errors.New("not an Ed25519 public key"))
	}
	return edPub, nil
}

// RawPublicKeyFromPEM strips the PEM envelope and returns the 32 raw
// Ed25519 public key bytes, as needed for the JWK "x" parameter.
func RawPublicKeyFromPEM(pemData string) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	return []byte(pub), nil
}

// ParsePrivateKeyPKCS8 parses PKCS#8 DER bytes into an Ed25519 private key.
func ParsePrivateKeyPKCS8(der []byte) (ed25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, apperr.Crypto(fmt.Errorf("parse private key: %w", err))
	}
	edPriv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, apperr.Crypto(errors.New("not an Ed25519 private key"))
	}
	return edPriv, nil
}

// EncryptPrivateKey wraps PKCS#8 private key bytes under the 32-byte master
// key with AES-256-GCM and a freshly sampled nonce.
func EncryptPrivateKey(pkcs8 []byte, masterKey []byte) (*EncryptedKey, error) {
	if len(masterKey) != MasterKeySize {
		return nil, apperr.Crypto(fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey)))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, apperr.Crypto(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Crypto(err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Crypto(fmt.Errorf("sample nonce: %w", err))
	}

	sealed := gcm.Seal(nil, nonce, pkcs8, nil)

	// Seal appends the 16-byte tag; split it off to match the stored layout.
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedKey{Ciphertext: ct, Nonce: nonce, Tag: tag}, nil
}

// DecryptPrivateKey unwraps an encrypted private key. Any authentication
// failure surfaces as a generic crypto error.
func DecryptPrivateKey(enc *EncryptedKey, masterKey []byte) ([]byte, error) {
	if len(masterKey) != MasterKeySize {
		return nil, apperr.Crypto(fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey)))
	}
	if len(enc.Nonce) != gcmNonceSize {
		return nil, apperr.Crypto(fmt.Errorf("nonce must be %d bytes, got %d", gcmNonceSize, len(enc.Nonce)))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, apperr.Crypto(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Crypto(err)
	}

	sealed := make([]byte, 0, len(enc.Ciphertext)+len(enc.Tag))
	sealed = append(sealed, enc.Ciphertext...)
	sealed = append(sealed, enc.Tag...)

	plain, err := gcm.Open(nil, enc.Nonce, sealed, nil)
	if err != nil {
		return nil, apperr.Crypto(errors.New("private key decryption failed"))
	}
	return plain, nil
}
