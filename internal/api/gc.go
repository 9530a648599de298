package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/meeting"
	"github.com/darktower/conference-control/internal/middleware"
	"github.com/darktower/conference-control/internal/ratelimit"
)

const gcRealm = "global-controller"

// GCServer is the Global Controller's HTTP surface.
type GCServer struct {
	store        *database.Store
	meetings     *meeting.Service
	org          *middleware.OrgResolver
	auth         *middleware.BearerAuth
	guestLimiter ratelimit.Limiter
	logger       *log.Logger
}

// NewGCServer assembles the router dependencies. guestLimiter throttles
// the unauthenticated guest-token route per client IP.
func NewGCServer(store *database.Store, meetings *meeting.Service, org *middleware.OrgResolver, auth *middleware.BearerAuth, guestLimiter ratelimit.Limiter) *GCServer {
	return &GCServer{
		store:        store,
		meetings:     meetings,
		org:          org,
		auth:         auth,
		guestLimiter: guestLimiter,
		logger:       log.New(log.Writer(), "[GC] ", log.LstdFlags),
	}
}

// Router builds the GC route table. Every /api route is tenant-scoped by
// subdomain; all but the guest-token route also require a user bearer.
func (s *GCServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger)

	// The meeting plane demands a bearer minted for the subdomain's org and
	// carrying a user role, not just any valid signature.
	authed := func(h http.HandlerFunc) http.Handler {
		return s.org.Middleware(s.auth.Middleware(middleware.RequireOrgMember(gcRealm, h)))
	}

	r.Handle("/api/v1/meetings", authed(s.handleCreateMeeting)).Methods("POST")
	r.Handle("/api/v1/meetings/{code}", authed(s.handleJoinMeeting)).Methods("GET")
	r.Handle("/api/v1/meetings/{id}/settings", authed(s.handleUpdateSettings)).Methods("PATCH")
	r.Handle("/api/v1/meetings/{id}/end", authed(s.handleEndMeeting)).Methods("POST")

	r.Handle("/api/v1/meetings/{code}/guest-token",
		s.org.Middleware(middleware.IPLimit(s.guestLimiter, gcRealm,
			http.HandlerFunc(s.handleGuestToken)))).Methods("POST")

	r.HandleFunc("/health", handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

func (s *GCServer) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req meeting.CreateMeetingRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}

	org := middleware.OrgFromContext(r.Context())
	m, err := s.meetings.Create(r.Context(), org, middleware.SubjectFromContext(r.Context()), req)
	if err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, m)
}

func (s *GCServer) handleJoinMeeting(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	claims := middleware.ClaimsFromContext(r.Context())

	displayName, _ := claims["email"].(string)
	resp, err := s.meetings.Join(r.Context(), org, middleware.SubjectFromContext(r.Context()),
		displayName, mux.Vars(r)["code"])
	if err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *GCServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req meeting.UpdateSettingsRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}

	org := middleware.OrgFromContext(r.Context())
	m, err := s.meetings.UpdateSettings(r.Context(), org,
		middleware.SubjectFromContext(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, m)
}

func (s *GCServer) handleEndMeeting(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	err := s.meetings.End(r.Context(), org,
		middleware.SubjectFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type guestTokenBody struct {
	DisplayName string `json:"display_name"`
}

func (s *GCServer) handleGuestToken(w http.ResponseWriter, r *http.Request) {
	var body guestTokenBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}

	org := middleware.OrgFromContext(r.Context())
	resp, err := s.meetings.GuestJoin(r.Context(), org, mux.Vars(r)["code"], body.DisplayName)
	if err != nil {
		middleware.WriteError(w, gcRealm, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *GCServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Printf("readiness: database ping failed: %v", err)
		status["status"], status["database"] = "unavailable", "error"
		status["error"] = "dependency unavailable"
		code = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, status)
}
