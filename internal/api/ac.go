// Package api wires the HTTP surfaces of both binaries: the
// Authentication Controller (token issuance, JWKS, admin) and the Global
// Controller (meetings, guest access, settings).
package api

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/keymgr"
	"github.com/darktower/conference-control/internal/middleware"
	"github.com/darktower/conference-control/internal/token"
)

const (
	acRealm = "auth-controller"

	// Scopes guarding the AC's protected routes.
	ScopeAdminServices  = "admin:services"
	ScopeAdminKeys      = "admin:keys"
	ScopeInternalTokens = "internal:tokens"
)

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 1 << 20

// ACServer is the Authentication Controller's HTTP surface.
type ACServer struct {
	store  *database.Store
	keys   *keymgr.Service
	tokens *token.Service
	org    *middleware.OrgResolver
	auth   *middleware.BearerAuth
	logger *log.Logger
}

// NewACServer assembles the router dependencies.
func NewACServer(store *database.Store, keys *keymgr.Service, tokens *token.Service, org *middleware.OrgResolver, auth *middleware.BearerAuth) *ACServer {
	return &ACServer{
		store:  store,
		keys:   keys,
		tokens: tokens,
		org:    org,
		auth:   auth,
		logger: log.New(log.Writer(), "[AC] ", log.LstdFlags),
	}
}

// Router builds the AC route table.
func (s *ACServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger)

	r.HandleFunc("/api/v1/auth/service/token", s.handleServiceToken).Methods("POST")
	r.Handle("/api/v1/auth/user/token",
		s.org.Middleware(http.HandlerFunc(s.handleUserToken))).Methods("POST")
	r.Handle("/api/v1/auth/register",
		s.org.Middleware(http.HandlerFunc(s.handleRegister))).Methods("POST")

	r.HandleFunc("/.well-known/jwks.json", s.handleJWKS).Methods("GET")

	r.Handle("/api/v1/admin/services/register",
		s.auth.RequireScope(ScopeAdminServices, http.HandlerFunc(s.handleServiceRegister))).Methods("POST")

	r.Handle("/internal/rotate-keys",
		s.auth.RequireScope(ScopeAdminKeys, http.HandlerFunc(s.handleRotateKeys))).Methods("POST")
	r.Handle("/internal/meeting-token",
		s.auth.RequireScope(ScopeInternalTokens, http.HandlerFunc(s.handleMeetingToken))).Methods("POST")
	r.Handle("/internal/guest-token",
		s.auth.RequireScope(ScopeInternalTokens, http.HandlerFunc(s.handleGuestToken))).Methods("POST")

	r.HandleFunc("/health", handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

type serviceTokenBody struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

func (s *ACServer) handleServiceToken(w http.ResponseWriter, r *http.Request) {
	var body serviceTokenBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	// HTTP Basic takes precedence over body credentials when both appear.
	if id, secret, ok := r.BasicAuth(); ok {
		body.ClientID = id
		body.ClientSecret = secret
	}

	resp, err := s.tokens.IssueServiceToken(r.Context(), token.ServiceTokenRequest{
		GrantType:    body.GrantType,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Scope:        body.Scope,
		IPAddress:    middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type userTokenBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *ACServer) handleUserToken(w http.ResponseWriter, r *http.Request) {
	var body userTokenBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	org := middleware.OrgFromContext(r.Context())
	resp, err := s.tokens.IssueUserToken(r.Context(), org, body.Email, body.Password,
		middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type registerBody struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (s *ACServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	org := middleware.OrgFromContext(r.Context())
	resp, err := s.tokens.RegisterUser(r.Context(), org, body.Email, body.Password,
		body.DisplayName, middleware.ClientIP(r))
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, resp)
}

func (s *ACServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.keys.JWKS(r.Context())
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	middleware.WriteJSON(w, http.StatusOK, set)
}

func (s *ACServer) handleServiceRegister(w http.ResponseWriter, r *http.Request) {
	var reg token.ServiceRegistration
	if err := decodeBody(r, &reg); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	resp, err := s.tokens.RegisterService(r.Context(), reg)
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, resp)
}

type rotateBody struct {
	Force bool `json:"force"`
}

func (s *ACServer) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	var body rotateBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	keyID, err := s.keys.Rotate(r.Context(), body.Force)
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"key_id": keyID})
}

func (s *ACServer) handleMeetingToken(w http.ResponseWriter, r *http.Request) {
	var req token.MeetingTokenRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	resp, err := s.tokens.IssueMeetingToken(r.Context(), req)
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *ACServer) handleGuestToken(w http.ResponseWriter, r *http.Request) {
	var req token.GuestTokenRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}

	resp, err := s.tokens.IssueGuestToken(r.Context(), req)
	if err != nil {
		middleware.WriteError(w, acRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *ACServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok", "signing_key": "ok"}
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Printf("readiness: database ping failed: %v", err)
		status["status"], status["database"] = "unavailable", "error"
		status["error"] = "dependency unavailable"
		code = http.StatusServiceUnavailable
	} else if _, _, err := s.keys.ActiveKey(ctx); err != nil {
		s.logger.Printf("readiness: signing key unavailable: %v", err)
		status["status"], status["signing_key"] = "unavailable", "error"
		status["error"] = "dependency unavailable"
		code = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, status)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// decodeBody decodes a JSON body with a size cap. An empty body is allowed
// and leaves the target zeroed, so Basic-auth-only token requests work.
func decodeBody(r *http.Request, out interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return apperr.Validation("request body is not valid JSON")
	}
	return nil
}

// LocalKeyResolver lets the AC validate bearers against its own published
// keys without an HTTP round trip through the JWKS endpoint.
type LocalKeyResolver struct {
	Keys *keymgr.Service
}

// Key resolves a kid from the publishable key set.
func (l *LocalKeyResolver) Key(ctx context.Context, kid string) ([]byte, error) {
	set, err := l.Keys.JWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.KeyID != kid {
			continue
		}
		if pub, ok := k.Key.(ed25519.PublicKey); ok {
			return []byte(pub), nil
		}
	}
	return nil, apperr.New(apperr.KindInvalidToken, "unknown kid")
}
