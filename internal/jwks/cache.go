// Package jwks fetches and caches the Authentication Controller's JSON Web
// Key Set. Validators read an immutable snapshot; refreshes swap the
// snapshot atomically, and concurrent misses coalesce onto one upstream
// fetch.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/metrics"
)

// DefaultTTL is how long a fetched key set is trusted before a refresh.
const DefaultTTL = time.Hour

const fetchTimeout = 5 * time.Second

// maxJWKSBytes bounds the upstream response body.
const maxJWKSBytes = 1 << 20

// snapshot is an immutable fetched key set.
type snapshot struct {
	keys      map[string][]byte // kid -> raw Ed25519 public key
	fetchedAt time.Time
}

// Cache resolves kids to raw Ed25519 public keys.
type Cache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group
	snap   atomic.Pointer[snapshot]
	met    *metrics.Metrics
	logger *log.Logger
}

// NewCache builds a cache for the given JWKS URL. met may be nil.
func NewCache(url string, ttl time.Duration, met *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: fetchTimeout},
		met:    met,
		logger: log.New(log.Writer(), "[JWKS] ", log.LstdFlags),
	}
}

// Key returns the raw public key for kid. A fresh snapshot containing the
// kid answers immediately; otherwise one coalesced fetch runs and every
// waiter shares its result. Upstream failures never poison the cache: the
// previous snapshot stays in place for retry on the next miss.
func (c *Cache) Key(ctx context.Context, kid string) ([]byte, error) {
	if snap := c.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		if key, ok := snap.keys[kid]; ok {
			if c.met != nil {
				c.met.JWKSCacheHits.Inc()
			}
			return key, nil
		}
	}
	if c.met != nil {
		c.met.JWKSCacheMisses.Inc()
	}

	// Single-flight on the URL: any number of concurrent validators share
	// one outstanding fetch regardless of which kid they want.
	v, err, _ := c.group.Do(c.url, func() (interface{}, error) {
		// Another waiter may have refreshed while this call queued.
		if snap := c.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < c.ttl {
			if _, ok := snap.keys[kid]; ok {
				return snap, nil
			}
		}
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}

	snap := v.(*snapshot)
	key, ok := snap.keys[kid]
	if !ok {
		return nil, apperr.InvalidToken(fmt.Errorf("unknown kid %q", kid))
	}
	return key, nil
}

// Refresh forces a fetch, for the background refresh loop.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(c.url+"#refresh", func() (interface{}, error) {
		return c.fetch(ctx)
	})
	return err
}

// RunRefresher refreshes the snapshot on the TTL cadence until ctx is
// cancelled.
func (c *Cache) RunRefresher(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Printf("refresh failed: %v", err)
			}
		}
	}
}

func (c *Cache) fetch(ctx context.Context) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.countFetch("error")
		return nil, apperr.Wrap(apperr.KindInternal, "jwks fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.countFetch("error")
		// Transient upstream trouble; the old snapshot stays usable.
		return nil, apperr.Wrap(apperr.KindInternal, "jwks fetch failed",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		c.countFetch("error")
		return nil, apperr.Wrap(apperr.KindInternal, "jwks fetch failed", err)
	}

	snap, err := parseKeySet(body)
	if err != nil {
		c.countFetch("error")
		return nil, err
	}
	c.countFetch("ok")

	c.snap.Store(snap)
	return snap, nil
}

func (c *Cache) countFetch(result string) {
	if c.met != nil {
		c.met.JWKSFetches.WithLabelValues(result).Inc()
	}
}

// parseKeySet decodes a JWKS document, keeping only Ed25519 signature keys.
// Algorithm pinning happens before any key is admitted: entries that are
// not OKP/Ed25519/EdDSA are skipped.
func parseKeySet(body []byte) (*snapshot, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "jwks parse failed", err)
	}

	keys := make(map[string][]byte, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Algorithm != "" && jwk.Algorithm != "EdDSA" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub, ok := jwk.Key.(ed25519.PublicKey)
		if !ok || jwk.KeyID == "" {
			continue
		}
		keys[jwk.KeyID] = []byte(pub)
	}
	if len(keys) == 0 {
		return nil, apperr.Wrap(apperr.KindInternal, "jwks parse failed",
			errors.New("no usable Ed25519 keys in set"))
	}

	return &snapshot{keys: keys, fetchedAt: time.Now()}, nil
}
