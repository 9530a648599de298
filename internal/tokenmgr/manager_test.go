package tokenmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktower/conference-control/internal/config"
)

func tokenServer(t *testing.T, fail *atomic.Bool, expiresIn int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client_credentials", body["grant_type"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + time.Now().Format("150405.000000000"),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestManagerAcquiresAndServes(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, nil, 3600, &hits)
	defer srv.Close()

	m := New(srv.URL, "gc-east", config.NewSecret("s3cret"), "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	tctx, tcancel := context.WithTimeout(ctx, 2*time.Second)
	defer tcancel()
	tok, err := m.Token(tctx)
	require.NoError(t, err)
	assert.Contains(t, tok, "tok-")
}

func TestManagerTokenBlocksUntilReady(t *testing.T) {
	m := New("http://never-called.invalid", "gc", config.NewSecret("x"), "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Token(ctx)
	assert.Error(t, err, "no token published yet")
}

func TestManagerRecoversWithBackoff(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32
	srv := tokenServer(t, &fail, 3600, &hits)
	defer srv.Close()

	m := New(srv.URL, "gc-east", config.NewSecret("s3cret"), "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Let it fail at least once, then recover.
	time.Sleep(100 * time.Millisecond)
	fail.Store(false)

	tctx, tcancel := context.WithTimeout(ctx, 5*time.Second)
	defer tcancel()
	tok, err := m.Token(tctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestManagerWatchPublishes(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, nil, 3600, &hits)
	defer srv.Close()

	m := New(srv.URL, "gc-east", config.NewSecret("s3cret"), "")
	watch := m.Watch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case tok := <-watch:
		assert.Contains(t, tok, "tok-")
	case <-time.After(2 * time.Second):
		t.Fatal("no token published on watch channel")
	}
}

func TestSecretNeverInRequestLogs(t *testing.T) {
	s := config.NewSecret("super-secret")
	assert.NotContains(t, s.String(), "super-secret")
	assert.Equal(t, "super-secret", s.Value())
}
