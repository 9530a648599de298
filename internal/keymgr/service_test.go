package keymgr

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
)

type fakeKeyStore struct {
	keys   []*database.SigningKey
	events []*database.AuthEvent
}

func (f *fakeKeyStore) InsertSigningKey(ctx context.Context, k *database.SigningKey) error {
	cp := *k
	f.keys = append(f.keys, &cp)
	return nil
}

func (f *fakeKeyStore) GetActiveSigningKey(ctx context.Context) (*database.SigningKey, error) {
	now := time.Now()
	var best *database.SigningKey
	for _, k := range f.keys {
		if k.IsActive && !k.ValidFrom.After(now) && k.ValidUntil.After(now) {
			if best == nil || k.ValidFrom.After(best.ValidFrom) {
				best = k
			}
		}
	}
	return best, nil
}

func (f *fakeKeyStore) GetNewestSigningKey(ctx context.Context) (*database.SigningKey, error) {
	var best *database.SigningKey
	for _, k := range f.keys {
		if best == nil || k.CreatedAt.After(best.CreatedAt) {
			best = k
		}
	}
	return best, nil
}

func (f *fakeKeyStore) ListPublishableSigningKeys(ctx context.Context) ([]*database.SigningKey, error) {
	now := time.Now()
	var out []*database.SigningKey
	for _, k := range f.keys {
		if !k.ValidFrom.After(now) && k.ValidUntil.After(now) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.After(out[j].ValidFrom) })
	return out, nil
}

func (f *fakeKeyStore) RotateSigningKey(ctx context.Context, newKeyID string) error {
	var target *database.SigningKey
	for _, k := range f.keys {
		if k.KeyID == newKeyID {
			target = k
		}
	}
	if target == nil {
		return apperr.NotFound("signing key")
	}
	for _, k := range f.keys {
		k.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (f *fakeKeyStore) CountSigningKeysForYear(ctx context.Context, prefix string) (int, error) {
	n := 0
	for _, k := range f.keys {
		if len(k.KeyID) >= len(prefix) && k.KeyID[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

func (f *fakeKeyStore) InsertAuthEvent(ctx context.Context, e *database.AuthEvent) error {
	f.events = append(f.events, e)
	return nil
}

var testMasterKey = make([]byte, crypto.MasterKeySize)

func TestInitializeCreatesFirstKey(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)

	require.NoError(t, svc.Initialize(context.Background()))
	require.Len(t, store.keys, 1)

	key := store.keys[0]
	assert.True(t, key.IsActive)
	assert.Equal(t, "EdDSA", key.Algorithm)
	assert.Equal(t, "AES-256-GCM", key.EncryptionAlgorithm)
	year := time.Now().UTC().Year()
	assert.Equal(t, fmt.Sprintf("auth-us-east-1-%d-01", year), key.KeyID)
	assert.WithinDuration(t, key.ValidFrom.Add(365*24*time.Hour), key.ValidUntil, time.Second)

	require.Len(t, store.events, 1)
	assert.Equal(t, database.EventKeyGenerated, store.events[0].EventType)
}

func TestInitializeIsIdempotent(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)

	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Initialize(context.Background()))
	assert.Len(t, store.keys, 1)
}

func TestRotateTooSoon(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)
	require.NoError(t, svc.Initialize(context.Background()))

	_, err := svc.Rotate(context.Background(), false)
	require.Error(t, err)
	ae := apperr.AsError(err)
	assert.Equal(t, apperr.KindTooManyRequests, ae.Kind)
	assert.Greater(t, ae.RetryAfterSeconds, 0)

	// Force rotation is also gated for the first hour.
	_, err = svc.Rotate(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooManyRequests, apperr.KindOf(err))
}

func TestRotateAfterMinimumAge(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)
	require.NoError(t, svc.Initialize(context.Background()))

	// Age the key past the normal rotation gate.
	store.keys[0].CreatedAt = time.Now().Add(-7 * 24 * time.Hour)

	newID, err := svc.Rotate(context.Background(), false)
	require.NoError(t, err)
	year := time.Now().UTC().Year()
	assert.Equal(t, fmt.Sprintf("auth-us-east-1-%d-02", year), newID)

	active, err := store.GetActiveSigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)
	assert.False(t, store.keys[0].IsActive, "previous key must be deactivated")

	require.Len(t, store.events, 2)
	assert.Equal(t, database.EventKeyRotated, store.events[1].EventType)
}

func TestForceRotateAfterOneHour(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)
	require.NoError(t, svc.Initialize(context.Background()))

	store.keys[0].CreatedAt = time.Now().Add(-2 * time.Hour)

	// Still inside the 6-day normal gate.
	_, err := svc.Rotate(context.Background(), false)
	require.Error(t, err)

	_, err = svc.Rotate(context.Background(), true)
	require.NoError(t, err)
}

func TestActiveKeyDecryptsPrivateHalf(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)
	require.NoError(t, svc.Initialize(context.Background()))

	key, pkcs8, err := svc.ActiveKey(context.Background())
	require.NoError(t, err)
	require.NotNil(t, key)

	priv, err := crypto.ParsePrivateKeyPKCS8(pkcs8)
	require.NoError(t, err)
	pub, err := crypto.RawPublicKeyFromPEM(key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, pub, []byte(priv.Public().(ed25519.PublicKey)), "key halves must match")
}

func TestActiveKeyNoneAvailable(t *testing.T) {
	svc := New(&fakeKeyStore{}, testMasterKey, "us-east-1", nil)
	_, _, err := svc.ActiveKey(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestJWKSIncludesRotatedOutKeys(t *testing.T) {
	store := &fakeKeyStore{}
	svc := New(store, testMasterKey, "us-east-1", nil)
	require.NoError(t, svc.Initialize(context.Background()))

	store.keys[0].CreatedAt = time.Now().Add(-7 * 24 * time.Hour)
	_, err := svc.Rotate(context.Background(), false)
	require.NoError(t, err)

	set, err := svc.JWKS(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Keys, 2, "rotated-out keys stay published while valid")

	body, err := json.Marshal(set)
	require.NoError(t, err)

	var doc struct {
		Keys []map[string]string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	for _, k := range doc.Keys {
		assert.Equal(t, "OKP", k["kty"])
		assert.Equal(t, "Ed25519", k["crv"])
		assert.Equal(t, "EdDSA", k["alg"])
		assert.Equal(t, "sig", k["use"])
		raw, err := base64.RawURLEncoding.DecodeString(k["x"])
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	}
}
