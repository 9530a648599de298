// Package keymgr owns the signing-key lifecycle: first-boot initialisation,
// rotation with rate limits, and the published JWKS view.
package keymgr

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/metrics"
)

const (
	// keyLifetime is the validity window stamped on new keys.
	keyLifetime = 365 * 24 * time.Hour

	// minRotationAge gates normal rotations.
	minRotationAge = 6 * 24 * time.Hour

	// minForceRotationAge gates force rotations.
	minForceRotationAge = time.Hour
)

// KeyStore is the slice of the database the key manager needs.
type KeyStore interface {
	InsertSigningKey(ctx context.Context, k *database.SigningKey) error
	GetActiveSigningKey(ctx context.Context) (*database.SigningKey, error)
	GetNewestSigningKey(ctx context.Context) (*database.SigningKey, error)
	ListPublishableSigningKeys(ctx context.Context) ([]*database.SigningKey, error)
	RotateSigningKey(ctx context.Context, newKeyID string) error
	CountSigningKeysForYear(ctx context.Context, prefix string) (int, error)
	InsertAuthEvent(ctx context.Context, e *database.AuthEvent) error
}

// Service manages signing keys for one cluster.
type Service struct {
	store     KeyStore
	masterKey []byte
	cluster   string
	met       *metrics.Metrics
	logger    *log.Logger
}

// New builds a key manager. met may be nil.
func New(store KeyStore, masterKey []byte, cluster string, met *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		masterKey: masterKey,
		cluster:   cluster,
		met:       met,
		logger:    log.New(log.Writer(), "[KEYMGR] ", log.LstdFlags),
	}
}

// Initialize creates the first signing key when none is active. Safe to
// call on every boot.
func (s *Service) Initialize(ctx context.Context) error {
	active, err := s.store.GetActiveSigningKey(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		s.logger.Printf("active signing key present: %s", active.KeyID)
		return nil
	}

	key, err := s.createKey(ctx, true)
	if err != nil {
		return err
	}
	s.logger.Printf("🔑 generated initial signing key %s", key.KeyID)

	s.recordEvent(ctx, database.EventKeyGenerated, key.KeyID)
	return nil
}

// Rotate generates a new key and atomically makes it the active one.
// Normal rotations require the newest key to be at least 6 days old; force
// rotations at least 1 hour. Returns the new key ID.
func (s *Service) Rotate(ctx context.Context, force bool) (string, error) {
	newest, err := s.store.GetNewestSigningKey(ctx)
	if err != nil {
		return "", err
	}
	if newest != nil {
		age := time.Since(newest.CreatedAt)
		minAge := minRotationAge
		if force {
			minAge = minForceRotationAge
		}
		if age < minAge {
			retry := int(minAge.Seconds() - age.Seconds())
			if retry < 1 {
				retry = 1
			}
			return "", apperr.TooManyRequests(retry, "key rotation attempted too soon")
		}
	}

	key, err := s.createKey(ctx, false)
	if err != nil {
		return "", err
	}

	// Publication precedes first use: the key row is already visible to the
	// JWKS view before this flip makes it the signer.
	if err := s.store.RotateSigningKey(ctx, key.KeyID); err != nil {
		return "", err
	}

	if s.met != nil {
		s.met.KeyRotations.Inc()
	}
	s.logger.Printf("🔑 rotated signing key to %s (force=%v)", key.KeyID, force)
	s.recordEvent(ctx, database.EventKeyRotated, key.KeyID)
	return key.KeyID, nil
}

// ActiveKey returns the active key with its private half decrypted. The
// plaintext stays in memory only.
func (s *Service) ActiveKey(ctx context.Context) (*database.SigningKey, []byte, error) {
	key, err := s.store.GetActiveSigningKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return nil, nil, apperr.Internal(fmt.Errorf("no active signing key"))
	}

	pkcs8, err := crypto.DecryptPrivateKey(&crypto.EncryptedKey{
		Ciphertext: key.PrivateKeyEncrypted,
		Nonce:      key.EncryptionNonce,
		Tag:        key.EncryptionTag,
	}, s.masterKey)
	if err != nil {
		return nil, nil, err
	}
	if s.met != nil {
		s.met.ActiveKeyAgeSec.Set(time.Since(key.CreatedAt).Seconds())
	}
	return key, pkcs8, nil
}

// JWKS renders the published key set: every key whose validity window
// covers now, so tokens signed before a rotation validate until expiry.
func (s *Service) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := s.store.ListPublishableSigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		raw, err := crypto.RawPublicKeyFromPEM(k.PublicKey)
		if err != nil {
			// A malformed row must not take down the whole document.
			s.logger.Printf("skipping key %s: %v", k.KeyID, err)
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       ed25519.PublicKey(raw),
			KeyID:     k.KeyID,
			Algorithm: "EdDSA",
			Use:       "sig",
		})
	}
	return set, nil
}

// createKey generates, wraps, and inserts a key row. The caller decides
// whether it starts active.
func (s *Service) createKey(ctx context.Context, active bool) (*database.SigningKey, error) {
	pubPEM, privDER, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}

	enc, err := crypto.EncryptPrivateKey(privDER, s.masterKey)
	if err != nil {
		return nil, err
	}

	keyID, err := s.nextKeyID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := &database.SigningKey{
		KeyID:               keyID,
		PublicKey:           pubPEM,
		PrivateKeyEncrypted: enc.Ciphertext,
		EncryptionNonce:     enc.Nonce,
		EncryptionTag:       enc.Tag,
		EncryptionAlgorithm: "AES-256-GCM",
		MasterKeyVersion:    1,
		Algorithm:           "EdDSA",
		IsActive:            active,
		ValidFrom:           now,
		ValidUntil:          now.Add(keyLifetime),
		CreatedAt:           now,
	}
	if err := s.store.InsertSigningKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// nextKeyID builds "auth-{cluster}-{YYYY}-{NN}".
func (s *Service) nextKeyID(ctx context.Context) (string, error) {
	year := time.Now().UTC().Year()
	prefix := fmt.Sprintf("auth-%s-%d-", s.cluster, year)
	n, err := s.store.CountSigningKeysForYear(ctx, prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%02d", prefix, n+1), nil
}

func (s *Service) recordEvent(ctx context.Context, eventType, keyID string) {
	err := s.store.InsertAuthEvent(ctx, &database.AuthEvent{
		EventType: eventType,
		Success:   true,
		Metadata:  []byte(fmt.Sprintf(`{"key_id":%q}`, keyID)),
	})
	if err != nil {
		s.logger.Printf("warn: audit event %s not recorded: %v", eventType, err)
	}
}
