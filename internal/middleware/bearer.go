package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/metrics"
)

// KeyResolver maps a kid to raw Ed25519 public key bytes. Satisfied by the
// JWKS cache.
type KeyResolver interface {
	Key(ctx context.Context, kid string) ([]byte, error)
}

// BearerAuth validates Authorization: Bearer tokens. Every defect — missing
// header, wrong scheme, oversized token, bad signature, unknown kid,
// expiry — collapses into the same generic 401.
type BearerAuth struct {
	keys      KeyResolver
	realm     string
	clockSkew time.Duration
	met       *metrics.Metrics
}

// NewBearerAuth builds the validator middleware. met may be nil.
func NewBearerAuth(keys KeyResolver, realm string, clockSkew time.Duration, met *metrics.Metrics) *BearerAuth {
	return &BearerAuth{keys: keys, realm: realm, clockSkew: clockSkew, met: met}
}

// Middleware authenticates the request and injects verified claims.
func (b *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := b.Authenticate(r)
		if err != nil {
			b.countValidation("invalid")
			WriteError(w, b.realm, err)
			return
		}
		b.countValidation("ok")
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Authenticate extracts and verifies the bearer token of r.
func (b *BearerAuth) Authenticate(r *http.Request) (jwt.MapClaims, error) {
	raw, err := ExtractBearer(r)
	if err != nil {
		return nil, err
	}

	kid, err := crypto.PeekKid(raw)
	if err != nil {
		return nil, err
	}

	key, err := b.keys.Key(r.Context(), kid)
	if err != nil {
		// Unknown kid and upstream trouble alike read as a bad token to the
		// caller; details stay in server logs.
		return nil, apperr.InvalidToken(err)
	}

	claims, err := crypto.VerifyJWTWithRawKey(raw, key, b.clockSkew)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractBearer pulls the compact token out of the Authorization header,
// enforcing scheme and the size cap.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.InvalidToken(errors.New("missing authorization header"))
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apperr.InvalidToken(errors.New("authorization scheme is not Bearer"))
	}
	token := header[len(prefix):]
	if token == "" {
		return "", apperr.InvalidToken(errors.New("empty bearer token"))
	}
	if len(token) > crypto.MaxTokenLength {
		return "", apperr.InvalidToken(fmt.Errorf("token exceeds %d bytes", crypto.MaxTokenLength))
	}
	return token, nil
}

// RequireScope wraps a bearer-authenticated handler and additionally
// demands one scope in the token's space-separated scope claim.
func (b *BearerAuth) RequireScope(scope string, next http.Handler) http.Handler {
	return b.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		granted, _ := claims["scope"].(string)
		scopes := strings.Fields(granted)
		for _, sc := range scopes {
			if sc == scope {
				next.ServeHTTP(w, r)
				return
			}
		}
		b.countValidation("insufficient_scope")
		WriteError(w, b.realm, apperr.InsufficientScope(scope, scopes))
	}))
}

// RequireOrgMember runs after org resolution and bearer validation. The
// token must have been minted for the resolved organization and must carry
// at least one user role. A bearer from another tenant, or a service token
// (which has no roles), gets a 403 regardless of signature validity.
func RequireOrgMember(realm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := OrgFromContext(r.Context())
		claims := ClaimsFromContext(r.Context())

		tokenOrg, _ := claims["org_id"].(string)
		if org == nil || tokenOrg == "" || tokenOrg != org.OrgID {
			WriteError(w, realm, apperr.New(apperr.KindInsufficientScope,
				"token is not valid for this organization"))
			return
		}
		if !hasUserRole(claims) {
			WriteError(w, realm, apperr.New(apperr.KindInsufficientScope,
				"a user role is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasUserRole(claims jwt.MapClaims) bool {
	for _, role := range roleClaims(claims) {
		switch role {
		case database.RoleUser, database.RoleAdmin, database.RoleOrgAdmin:
			return true
		}
	}
	return false
}

// roleClaims tolerates both the decoded-JSON shape ([]interface{}) and
// directly-built claims ([]string).
func roleClaims(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (b *BearerAuth) countValidation(result string) {
	if b.met != nil {
		b.met.TokenValidations.WithLabelValues(result).Inc()
	}
}
