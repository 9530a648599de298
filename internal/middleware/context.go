// Package middleware provides the three request guards of the gateway:
// subdomain-to-organization resolution, bearer token validation against the
// cached JWKS, and scope enforcement, plus the shared error envelope.
package middleware

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darktower/conference-control/internal/database"
)

type contextKey int

const (
	orgContextKey contextKey = iota
	claimsContextKey
	subdomainContextKey
)

// WithOrg injects the resolved organization into the request context.
func WithOrg(ctx context.Context, org *database.Organization, subdomain string) context.Context {
	ctx = context.WithValue(ctx, orgContextKey, org)
	return context.WithValue(ctx, subdomainContextKey, subdomain)
}

// OrgFromContext returns the organization resolved by the subdomain
// middleware, or nil when the route is not tenant-scoped.
func OrgFromContext(ctx context.Context) *database.Organization {
	org, _ := ctx.Value(orgContextKey).(*database.Organization)
	return org
}

// SubdomainFromContext returns the subdomain the request arrived on.
func SubdomainFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subdomainContextKey).(string)
	return s
}

// WithClaims injects verified token claims into the request context.
func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the verified claims, or nil on unauthenticated
// routes.
func ClaimsFromContext(ctx context.Context) jwt.MapClaims {
	c, _ := ctx.Value(claimsContextKey).(jwt.MapClaims)
	return c
}

// SubjectFromContext is a shortcut for the token's sub claim.
func SubjectFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
