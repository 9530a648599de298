package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
)

// OrgStore resolves a subdomain to an active organization.
type OrgStore interface {
	GetOrganizationBySubdomain(ctx context.Context, subdomain string) (*database.Organization, error)
}

// OrgResolver is the tenant-extraction middleware.
type OrgResolver struct {
	store OrgStore
	realm string

	// devDefault, when non-empty, substitutes for the subdomain on hosts
	// that do not carry one (localhost, bare IPs). Development only.
	devDefault string
}

// NewOrgResolver builds the middleware. devDefault should be empty in
// production.
func NewOrgResolver(store OrgStore, realm, devDefault string) *OrgResolver {
	return &OrgResolver{store: store, realm: realm, devDefault: devDefault}
}

// Middleware resolves the Host header to an organization and injects it
// into the request context. Malformed hosts get 401; well-formed hosts
// with no matching active org get 404.
func (o *OrgResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subdomain, err := SubdomainFromHost(r.Host)
		if err != nil {
			if o.devDefault != "" {
				subdomain = o.devDefault
			} else {
				WriteError(w, o.realm, apperr.Wrap(apperr.KindInvalidToken, "invalid tenant host", err))
				return
			}
		}

		org, err := o.store.GetOrganizationBySubdomain(r.Context(), subdomain)
		if err != nil {
			WriteError(w, o.realm, err)
			return
		}
		if org == nil {
			WriteError(w, o.realm, apperr.NotFound("organization"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOrg(r.Context(), org, subdomain)))
	})
}

// SubdomainFromHost extracts and validates the subdomain label from an HTTP
// Host header. The optional port is stripped; the host must have at least
// two dot-separated labels and must not be an IP literal; the first label
// must be lowercase letters, digits, and interior hyphens only.
func SubdomainFromHost(host string) (string, error) {
	if host == "" {
		return "", errors.New("empty host")
	}

	// Strip the port without requiring one. Bracketed IPv6 literals fail
	// the label checks below anyway.
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", errors.New("host has no subdomain")
	}
	for _, l := range labels {
		if l == "" {
			return "", errors.New("host has an empty label")
		}
		if allDigits(l) {
			return "", errors.New("host is an IP literal")
		}
	}

	sub := labels[0]
	if !validSubdomain(sub) {
		return "", errors.New("invalid subdomain label")
	}
	return sub, nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func validSubdomain(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
