// Package tokenmgr keeps the Global Controller supplied with a valid
// service bearer for its calls to the Authentication Controller. A
// background task acquires the token via client-credentials, refreshes it
// ahead of expiry, and backs off exponentially on failure.
package tokenmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/config"
)

const (
	fetchTimeout = 5 * time.Second

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second

	// refreshDivisor: refresh fires with at least lifetime/6 left on the
	// clock.
	refreshDivisor = 6
)

// Manager acquires and republishes the GC's own service token.
type Manager struct {
	tokenURL     string
	clientID     string
	clientSecret config.Secret
	scope        string
	client       *http.Client
	logger       *log.Logger

	mu        sync.RWMutex
	current   string
	expiresAt time.Time

	readyOnce sync.Once
	ready     chan struct{}

	watchMu  sync.Mutex
	watchers []chan string
}

// New builds a manager for the AC at acBaseURL. scope may be empty to
// request the credential's full grant.
func New(acBaseURL, clientID string, clientSecret config.Secret, scope string) *Manager {
	return &Manager{
		tokenURL:     acBaseURL + "/api/v1/auth/service/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		client:       &http.Client{Timeout: fetchTimeout},
		logger:       log.New(log.Writer(), "[TOKENMGR] ", log.LstdFlags),
		ready:        make(chan struct{}),
	}
}

// Token returns the current bearer, waiting for the first acquisition when
// the manager is still starting up.
func (m *Manager) Token(ctx context.Context) (string, error) {
	select {
	case <-m.ready:
	case <-ctx.Done():
		return "", apperr.Wrap(apperr.KindInternal, "service token unavailable", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" || time.Now().After(m.expiresAt) {
		return "", apperr.New(apperr.KindInternal, "service token expired")
	}
	return m.current, nil
}

// Watch returns a channel receiving each newly published token. The
// channel is buffered; a slow reader drops intermediate tokens rather than
// blocking the refresher.
func (m *Manager) Watch() <-chan string {
	ch := make(chan string, 1)
	m.watchMu.Lock()
	m.watchers = append(m.watchers, ch)
	m.watchMu.Unlock()

	m.mu.RLock()
	if m.current != "" {
		ch <- m.current
	}
	m.mu.RUnlock()
	return ch
}

// Run drives acquisition and refresh until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		lifetime, err := m.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Printf("token acquisition failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInitial

		wait := lifetime - lifetime/refreshDivisor
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) acquire(ctx context.Context) (time.Duration, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     m.clientID,
		"client_secret": m.clientSecret.Value(),
		"scope":         m.scope,
	})
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.AccessToken == "" || out.ExpiresIn <= 0 {
		return 0, errors.New("token endpoint returned an empty grant")
	}

	lifetime := time.Duration(out.ExpiresIn) * time.Second
	m.publish(out.AccessToken, lifetime)
	m.logger.Printf("service token refreshed, lifetime %s", lifetime)
	return lifetime, nil
}

func (m *Manager) publish(token string, lifetime time.Duration) {
	m.mu.Lock()
	m.current = token
	m.expiresAt = time.Now().Add(lifetime)
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })

	m.watchMu.Lock()
	for _, ch := range m.watchers {
		select {
		case ch <- token:
		default:
			// Drop the stale value so the fresh one lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- token:
			default:
			}
		}
	}
	m.watchMu.Unlock()
}
