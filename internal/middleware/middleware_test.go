package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/ratelimit"
)

func TestSubdomainFromHost(t *testing.T) {
	cases := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{"acme.darktower.com", "acme", false},
		{"acme.darktower.com:8080", "acme", false},
		{"a1-b2.darktower.com", "a1-b2", false},
		{"192.168.1.1:80", "", true},
		{"192.168.1.1", "", true},
		{"-acme.darktower.com", "", true},
		{"acme-.darktower.com", "", true},
		{"ACME.darktower.com", "", true},
		{"localhost", "", true},
		{"localhost:8080", "", true},
		{"", "", true},
		{"acme..com", "", true},
		{"ac_me.darktower.com", "", true},
		{"[::1]:8080", "", true},
	}
	for _, tc := range cases {
		got, err := SubdomainFromHost(tc.host)
		if tc.wantErr {
			assert.Error(t, err, "host %q", tc.host)
		} else {
			require.NoError(t, err, "host %q", tc.host)
			assert.Equal(t, tc.want, got)
		}
	}
}

type fakeOrgStore struct {
	orgs map[string]*database.Organization
}

func (f *fakeOrgStore) GetOrganizationBySubdomain(ctx context.Context, subdomain string) (*database.Organization, error) {
	return f.orgs[subdomain], nil
}

func orgEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := OrgFromContext(r.Context())
		WriteJSON(w, http.StatusOK, map[string]string{
			"org_id":    org.OrgID,
			"subdomain": SubdomainFromContext(r.Context()),
		})
	})
}

func TestOrgResolver(t *testing.T) {
	store := &fakeOrgStore{orgs: map[string]*database.Organization{
		"acme": {OrgID: "org-1", Subdomain: "acme", IsActive: true},
	}}
	mw := NewOrgResolver(store, "gc", "").Middleware(orgEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "acme.darktower.com:8080"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "org-1", body["org_id"])
	assert.Equal(t, "acme", body["subdomain"])
}

func TestOrgResolverRejectsBadHosts(t *testing.T) {
	store := &fakeOrgStore{orgs: map[string]*database.Organization{}}
	mw := NewOrgResolver(store, "gc", "").Middleware(orgEcho())

	for _, host := range []string{"192.168.1.1:80", "-acme.darktower.com", "ACME.darktower.com"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = host
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "host %q", host)
	}
}

func TestOrgResolverUnknownOrgIs404(t *testing.T) {
	store := &fakeOrgStore{orgs: map[string]*database.Organization{}}
	mw := NewOrgResolver(store, "gc", "").Middleware(orgEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "ghost.darktower.com"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestOrgResolverDevDefault(t *testing.T) {
	store := &fakeOrgStore{orgs: map[string]*database.Organization{
		"acme": {OrgID: "org-1", Subdomain: "acme", IsActive: true},
	}}
	mw := NewOrgResolver(store, "gc", "acme").Middleware(orgEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "localhost:8081"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

type staticKeys struct {
	keys map[string][]byte
}

func (s *staticKeys) Key(ctx context.Context, kid string) ([]byte, error) {
	if k, ok := s.keys[kid]; ok {
		return k, nil
	}
	return nil, assert.AnError
}

func signedToken(t *testing.T, claims jwt.MapClaims) (string, *staticKeys) {
	t.Helper()
	pubPEM, privDER, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	raw, err := crypto.RawPublicKeyFromPEM(pubPEM)
	require.NoError(t, err)

	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := crypto.SignJWT(claims, privDER, "kid-1")
	require.NoError(t, err)
	return tok, &staticKeys{keys: map[string][]byte{"kid-1": raw}}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"sub": SubjectFromContext(r.Context())})
	})
}

func TestBearerAuthAccepts(t *testing.T) {
	tok, keys := signedToken(t, jwt.MapClaims{"sub": "gc-east", "iat": time.Now().Unix()})
	mw := NewBearerAuth(keys, "test", time.Minute, nil).Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gc-east")
}

func TestBearerAuthGeneric401(t *testing.T) {
	tok, keys := signedToken(t, jwt.MapClaims{"sub": "gc-east", "iat": time.Now().Unix()})
	mw := NewBearerAuth(keys, "test", time.Minute, nil).Middleware(okHandler())

	cases := map[string]func(r *http.Request){
		"missing header": func(r *http.Request) {},
		"wrong scheme":   func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
		"empty token":    func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") },
		"oversized": func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+strings.Repeat("a", crypto.MaxTokenLength+1))
		},
		"garbage":   func(r *http.Request) { r.Header.Set("Authorization", "Bearer not.a.jwt") },
		"truncated": func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok[:len(tok)-5]) },
	}

	var bodies []string
	for name, mutate := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token", name)
		bodies = append(bodies, rec.Body.String())
	}

	// Every defect renders the identical body: no oracle for attackers.
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestRequireScope(t *testing.T) {
	tok, keys := signedToken(t, jwt.MapClaims{
		"sub":   "gc-east",
		"iat":   time.Now().Unix(),
		"scope": "meetings:write registry:write",
	})
	auth := NewBearerAuth(keys, "test", time.Minute, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	auth.RequireScope("registry:write", okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	auth.RequireScope("admin:services", okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Requires scope: admin:services")

	var env struct {
		Error struct {
			Code           string   `json:"code"`
			RequiredScope  string   `json:"required_scope"`
			ProvidedScopes []string `json:"provided_scopes"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INSUFFICIENT_SCOPE", env.Error.Code)
	assert.Equal(t, "admin:services", env.Error.RequiredScope)
	assert.Equal(t, []string{"meetings:write", "registry:write"}, env.Error.ProvidedScopes)
}

func TestIPLimit(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(2, time.Minute)
	h := IPLimit(limiter, "gc", okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}
