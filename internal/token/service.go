// Package token implements the two OAuth grants of the Authentication
// Controller (client-credentials for services, password for users), user
// and service registration, and the internal meeting/guest token issuers
// consumed by the Global Controller.
package token

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/metrics"
	"github.com/darktower/conference-control/internal/ratelimit"
)

const (
	// GrantClientCredentials is the only grant_type the service token
	// endpoint accepts.
	GrantClientCredentials = "client_credentials"

	serviceTokenTTL = time.Hour
	userTokenTTL    = time.Hour
	meetingTokenTTL = 15 * time.Minute
	guestTokenTTL   = 10 * time.Minute

	lockoutWindow    = 15 * time.Minute
	lockoutThreshold = 5
)

// Store is the slice of the database the token service needs.
type Store interface {
	GetServiceCredentialByClientID(ctx context.Context, clientID string) (*database.ServiceCredential, error)
	CreateServiceCredential(ctx context.Context, c *database.ServiceCredential) (*database.ServiceCredential, error)
	GetFailedAttemptsCount(ctx context.Context, credentialID string, since time.Time) (int, error)
	InsertAuthEvent(ctx context.Context, e *database.AuthEvent) error

	GetUserByEmail(ctx context.Context, orgID, email string) (*database.User, error)
	CreateUser(ctx context.Context, u *database.User) (*database.User, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	GrantRole(ctx context.Context, userID, role string) error
	TouchLastLogin(ctx context.Context, userID string) error
}

// Signer provides the active signing key with its decrypted private half.
type Signer interface {
	ActiveKey(ctx context.Context) (*database.SigningKey, []byte, error)
}

// Service issues and records tokens.
type Service struct {
	store      Store
	signer     Signer
	regLimiter ratelimit.Limiter
	met        *metrics.Metrics
	logger     *log.Logger
}

// New builds the token service. regLimiter throttles self-registration and
// may be nil to disable that throttle (tests). met may be nil.
func New(store Store, signer Signer, regLimiter ratelimit.Limiter, met *metrics.Metrics) *Service {
	return &Service{
		store:      store,
		signer:     signer,
		regLimiter: regLimiter,
		met:        met,
		logger:     log.New(log.Writer(), "[TOKEN] ", log.LstdFlags),
	}
}

// ServiceTokenRequest carries a client-credentials grant.
type ServiceTokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string // space-separated, optional
	IPAddress    string
	UserAgent    string
}

// TokenResponse is the OAuth-shaped issuance response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// IssueServiceToken runs the client-credentials grant. The failure path is
// deliberately uniform: missing credential, inactive credential, and wrong
// secret all cost one bcrypt verification and return the same 401.
func (s *Service) IssueServiceToken(ctx context.Context, req ServiceTokenRequest) (*TokenResponse, error) {
	start := time.Now()

	cred, err := s.store.GetServiceCredentialByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	// The grant_type check sits after the lookup so both branches do the
	// same database work.
	wrongGrant := req.GrantType != GrantClientCredentials

	if cred != nil {
		failures, err := s.store.GetFailedAttemptsCount(ctx, cred.CredentialID, time.Now().Add(-lockoutWindow))
		if err != nil {
			return nil, err
		}
		if failures >= lockoutThreshold {
			s.recordEvent(ctx, &database.AuthEvent{
				EventType:     database.EventRateLimitExceeded,
				CredentialID:  &cred.CredentialID,
				Success:       false,
				FailureReason: optional("locked_out"),
				IPAddress:     optional(req.IPAddress),
				UserAgent:     optional(req.UserAgent),
			})
			s.countRejection("locked_out")
			return nil, apperr.RateLimited(int(lockoutWindow.Seconds()))
		}
	}

	storedHash := crypto.DummyBcryptHash
	if cred != nil {
		storedHash = cred.ClientSecretHash
	}
	secretOK := crypto.VerifyClientSecret(req.ClientSecret, storedHash)

	if wrongGrant || cred == nil || !cred.IsActive || !secretOK {
		s.recordServiceFailure(ctx, req, cred, "invalid_credentials")
		s.countRejection("invalid_credentials")
		return nil, apperr.InvalidCredentials()
	}

	grantedScopes := cred.Scopes
	if req.Scope != "" {
		requested := strings.Fields(req.Scope)
		for _, sc := range requested {
			if !containsScope(cred.Scopes, sc) {
				s.countRejection("insufficient_scope")
				return nil, apperr.InsufficientScope(sc, cred.Scopes)
			}
		}
		grantedScopes = requested
	}
	scope := strings.Join(grantedScopes, " ")

	key, privDER, err := s.signer.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	signed, err := crypto.SignJWT(jwt.MapClaims{
		"sub":          cred.ClientID,
		"iat":          now.Unix(),
		"exp":          now.Add(serviceTokenTTL).Unix(),
		"scope":        scope,
		"service_type": cred.ServiceType,
	}, privDER, key.KeyID)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &database.AuthEvent{
		EventType:    database.EventServiceTokenIssued,
		CredentialID: &cred.CredentialID,
		Success:      true,
		IPAddress:    optional(req.IPAddress),
		UserAgent:    optional(req.UserAgent),
	})

	if s.met != nil {
		s.met.TokensIssued.WithLabelValues("client_credentials").Inc()
		s.met.TokenIssueTime.Observe(time.Since(start).Seconds())
	}
	s.logger.Printf("issued service token client=%s type=%s", crypto.HashForCorrelation(cred.ClientID), cred.ServiceType)

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(serviceTokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// UserTokenResponse is the password-grant response.
type UserTokenResponse struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresIn   int            `json:"expires_in"`
	User        *database.User `json:"user"`
}

// IssueUserToken runs the password grant for the subdomain-resolved org.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) IssueUserToken(ctx context.Context, org *database.Organization, email, password, ip, ua string) (*UserTokenResponse, error) {
	user, err := s.store.GetUserByEmail(ctx, org.OrgID, email)
	if err != nil {
		return nil, err
	}

	storedHash := crypto.DummyBcryptHash
	if user != nil {
		storedHash = user.PasswordHash
	}
	passwordOK := crypto.VerifyClientSecret(password, storedHash)

	if user == nil || !user.IsActive || !passwordOK {
		s.recordEvent(ctx, &database.AuthEvent{
			EventType:     database.EventUserLoginFailed,
			UserID:        userIDOf(user),
			Success:       false,
			FailureReason: optional("invalid_credentials"),
			IPAddress:     optional(ip),
			UserAgent:     optional(ua),
		})
		return nil, apperr.InvalidCredentials()
	}

	roles, err := s.store.GetUserRoles(ctx, user.UserID)
	if err != nil {
		return nil, err
	}

	resp, err := s.signUserToken(ctx, user, org, roles)
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchLastLogin(ctx, user.UserID); err != nil {
		s.logger.Printf("warn: last_login_at update failed: %v", err)
	}
	s.recordEvent(ctx, &database.AuthEvent{
		EventType: database.EventUserLogin,
		UserID:    &user.UserID,
		Success:   true,
		IPAddress: optional(ip),
		UserAgent: optional(ua),
	})
	if s.met != nil {
		s.met.TokensIssued.WithLabelValues("password").Inc()
	}
	return resp, nil
}

// RegisterUser self-registers a user in the org and returns an auto-login
// token. Throttled per IP per org.
func (s *Service) RegisterUser(ctx context.Context, org *database.Organization, email, password, displayName, ip string) (*UserTokenResponse, error) {
	if s.regLimiter != nil {
		allowed, retry, err := s.regLimiter.Allow(ctx, ip+"|"+org.OrgID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, apperr.TooManyRequests(retry, "too many registrations, try again later")
		}
	}

	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Validation("a valid email is required")
	}
	if len(password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}

	hash, err := crypto.HashClientSecret(password)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, &database.User{
		OrgID:        org.OrgID,
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		DisplayName:  displayName,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.GrantRole(ctx, user.UserID, database.RoleUser); err != nil {
		return nil, err
	}

	return s.signUserToken(ctx, user, org, []string{database.RoleUser})
}

func (s *Service) signUserToken(ctx context.Context, user *database.User, org *database.Organization, roles []string) (*UserTokenResponse, error) {
	key, privDER, err := s.signer.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	signed, err := crypto.SignJWT(jwt.MapClaims{
		"sub":    user.UserID,
		"org_id": org.OrgID,
		"email":  user.Email,
		"roles":  roles,
		"jti":    uuid.NewString(),
		"iat":    now.Unix(),
		"exp":    now.Add(userTokenTTL).Unix(),
	}, privDER, key.KeyID)
	if err != nil {
		return nil, err
	}

	return &UserTokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(userTokenTTL.Seconds()),
		User:        user,
	}, nil
}

// ServiceRegistration is the admin request to mint a new service credential.
type ServiceRegistration struct {
	ClientID    string   `json:"client_id"`
	ServiceType string   `json:"service_type"`
	Region      string   `json:"region,omitempty"`
	Scopes      []string `json:"scopes"`
}

// ServiceRegistrationResponse carries the one-time plaintext secret.
type ServiceRegistrationResponse struct {
	Credential   *database.ServiceCredential `json:"credential"`
	ClientSecret string                      `json:"client_secret"`
}

// RegisterService creates a service credential. The plaintext secret exists
// only in this response.
func (s *Service) RegisterService(ctx context.Context, reg ServiceRegistration) (*ServiceRegistrationResponse, error) {
	switch reg.ServiceType {
	case database.ServiceTypeGlobalController,
		database.ServiceTypeMeetingController,
		database.ServiceTypeMediaHandler:
	default:
		return nil, apperr.Validation("unknown service_type")
	}
	if reg.ClientID == "" {
		return nil, apperr.Validation("client_id is required")
	}
	if len(reg.Scopes) == 0 {
		return nil, apperr.Validation("at least one scope is required")
	}

	secret, err := crypto.GenerateClientSecret()
	if err != nil {
		return nil, err
	}
	hash, err := crypto.HashClientSecret(secret)
	if err != nil {
		return nil, err
	}

	cred, err := s.store.CreateServiceCredential(ctx, &database.ServiceCredential{
		ClientID:         reg.ClientID,
		ClientSecretHash: hash,
		ServiceType:      reg.ServiceType,
		Region:           reg.Region,
		Scopes:           reg.Scopes,
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &database.AuthEvent{
		EventType:    database.EventServiceRegistered,
		CredentialID: &cred.CredentialID,
		Success:      true,
	})
	s.logger.Printf("registered service client=%s type=%s", crypto.HashForCorrelation(cred.ClientID), cred.ServiceType)

	return &ServiceRegistrationResponse{Credential: cred, ClientSecret: secret}, nil
}

// MeetingTokenRequest is the GC's server-to-server ask for a participant
// join token.
type MeetingTokenRequest struct {
	MeetingID   string `json:"meeting_id"`
	MeetingCode string `json:"meeting_code"`
	OrgID       string `json:"org_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // host or participant
}

// IssueMeetingToken signs a short-lived join token for an authenticated
// participant.
func (s *Service) IssueMeetingToken(ctx context.Context, req MeetingTokenRequest) (*TokenResponse, error) {
	if req.MeetingID == "" || req.OrgID == "" || req.UserID == "" {
		return nil, apperr.Validation("meeting_id, org_id and user_id are required")
	}
	role := req.Role
	if role != "host" {
		role = "participant"
	}

	key, privDER, err := s.signer.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	signed, err := crypto.SignJWT(jwt.MapClaims{
		"sub":          req.UserID,
		"org_id":       req.OrgID,
		"meeting_id":   req.MeetingID,
		"meeting_code": req.MeetingCode,
		"display_name": req.DisplayName,
		"role":         role,
		"typ":          "meeting",
		"jti":          uuid.NewString(),
		"iat":          now.Unix(),
		"exp":          now.Add(meetingTokenTTL).Unix(),
	}, privDER, key.KeyID)
	if err != nil {
		return nil, err
	}

	if s.met != nil {
		s.met.TokensIssued.WithLabelValues("meeting").Inc()
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(meetingTokenTTL.Seconds()),
	}, nil
}

// GuestTokenRequest is the GC's ask for an anonymous guest token.
type GuestTokenRequest struct {
	MeetingID   string `json:"meeting_id"`
	MeetingCode string `json:"meeting_code"`
	OrgID       string `json:"org_id"`
	DisplayName string `json:"display_name"`
}

// GuestTokenResponse includes the generated participant identity.
type GuestTokenResponse struct {
	TokenResponse
	GuestID string `json:"guest_id"`
}

// IssueGuestToken mints a reduced-capability token for an anonymous guest.
// Shorter lived than the participant token, and the subject is a fresh
// random identity.
func (s *Service) IssueGuestToken(ctx context.Context, req GuestTokenRequest) (*GuestTokenResponse, error) {
	if req.MeetingID == "" || req.OrgID == "" {
		return nil, apperr.Validation("meeting_id and org_id are required")
	}

	key, privDER, err := s.signer.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}

	guestID := "guest-" + uuid.NewString()
	now := time.Now()
	signed, err := crypto.SignJWT(jwt.MapClaims{
		"sub":          guestID,
		"org_id":       req.OrgID,
		"meeting_id":   req.MeetingID,
		"meeting_code": req.MeetingCode,
		"display_name": req.DisplayName,
		"role":         "guest",
		"typ":          "guest",
		"capabilities": []string{"join", "audio", "video"},
		"jti":          uuid.NewString(),
		"iat":          now.Unix(),
		"exp":          now.Add(guestTokenTTL).Unix(),
	}, privDER, key.KeyID)
	if err != nil {
		return nil, err
	}

	if s.met != nil {
		s.met.TokensIssued.WithLabelValues("guest").Inc()
	}
	return &GuestTokenResponse{
		TokenResponse: TokenResponse{
			AccessToken: signed,
			TokenType:   "Bearer",
			ExpiresIn:   int(guestTokenTTL.Seconds()),
		},
		GuestID: guestID,
	}, nil
}

func (s *Service) recordServiceFailure(ctx context.Context, req ServiceTokenRequest, cred *database.ServiceCredential, reason string) {
	ev := &database.AuthEvent{
		EventType:     database.EventServiceTokenFailed,
		Success:       false,
		FailureReason: optional(reason),
		IPAddress:     optional(req.IPAddress),
		UserAgent:     optional(req.UserAgent),
	}
	if cred != nil {
		ev.CredentialID = &cred.CredentialID
	}
	s.recordEvent(ctx, ev)
}

// recordEvent is best-effort: an audit write must never fail the grant.
func (s *Service) recordEvent(ctx context.Context, e *database.AuthEvent) {
	if err := s.store.InsertAuthEvent(ctx, e); err != nil {
		s.logger.Printf("warn: auth event %s not recorded: %v", e.EventType, err)
	}
}

func (s *Service) countRejection(reason string) {
	if s.met != nil {
		s.met.TokensRejected.WithLabelValues(reason).Inc()
	}
}

func containsScope(scopes []string, want string) bool {
	for _, sc := range scopes {
		if sc == want {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func userIDOf(u *database.User) *string {
	if u == nil {
		return nil
	}
	return &u.UserID
}
