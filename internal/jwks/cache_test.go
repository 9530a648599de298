package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeySet(t *testing.T, kids ...string) (map[string]ed25519.PublicKey, []byte) {
	t.Helper()
	keys := make(map[string]ed25519.PublicKey, len(kids))
	set := jose.JSONWebKeySet{}
	for _, kid := range kids {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		keys[kid] = pub
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     kid,
			Algorithm: "EdDSA",
			Use:       "sig",
		})
	}
	body, err := json.Marshal(set)
	require.NoError(t, err)
	return keys, body
}

func TestCacheResolvesKid(t *testing.T) {
	keys, body := newTestKeySet(t, "auth-test-2026-01")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, time.Hour, nil)
	got, err := c.Key(context.Background(), "auth-test-2026-01")
	require.NoError(t, err)
	assert.Equal(t, []byte(keys["auth-test-2026-01"]), got)
}

func TestCacheUnknownKid(t *testing.T) {
	_, body := newTestKeySet(t, "auth-test-2026-01")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, time.Hour, nil)
	_, err := c.Key(context.Background(), "no-such-kid")
	assert.Error(t, err)
}

func TestCacheSingleFlight(t *testing.T) {
	keys, body := newTestKeySet(t, "auth-test-2026-01")

	var fetches int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		<-release
		w.Write(body)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, time.Hour, nil)

	const validators = 32
	var wg sync.WaitGroup
	results := make([][]byte, validators)
	errs := make([]error, validators)
	for i := 0; i < validators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Key(context.Background(), "auth-test-2026-01")
		}(i)
	}

	// Let the goroutines pile onto the in-flight fetch before releasing it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches), "concurrent misses must coalesce")
	for i := 0; i < validators; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte(keys["auth-test-2026-01"]), results[i])
	}
}

func TestCacheDoesNotPoisonOnUpstreamError(t *testing.T) {
	keys, body := newTestKeySet(t, "auth-test-2026-01")

	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	// TTL of zero-ish so the second lookup goes upstream again.
	c := NewCache(srv.URL, time.Nanosecond, nil)

	got, err := c.Key(context.Background(), "auth-test-2026-01")
	require.NoError(t, err)
	assert.Equal(t, []byte(keys["auth-test-2026-01"]), got)

	failing.Store(true)
	_, err = c.Key(context.Background(), "auth-test-2026-01")
	assert.Error(t, err)

	// Upstream recovers; the cache must recover with it.
	failing.Store(false)
	got, err = c.Key(context.Background(), "auth-test-2026-01")
	require.NoError(t, err)
	assert.Equal(t, []byte(keys["auth-test-2026-01"]), got)
}

func TestParseKeySetSkipsForeignKeys(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: pub, KeyID: "good", Algorithm: "EdDSA", Use: "sig"},
		{Key: pub, KeyID: "wrong-alg", Algorithm: "RS256", Use: "sig"},
		{Key: pub, KeyID: "wrong-use", Algorithm: "EdDSA", Use: "enc"},
	}}
	body, err := json.Marshal(set)
	require.NoError(t, err)

	snap, err := parseKeySet(body)
	require.NoError(t, err)
	assert.Len(t, snap.keys, 1)
	assert.Contains(t, snap.keys, "good")
}

func TestParseKeySetRejectsEmpty(t *testing.T) {
	_, err := parseKeySet([]byte(`{"keys":[]}`))
	assert.Error(t, err)
}
