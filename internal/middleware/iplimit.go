package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/ratelimit"
)

// ClientIP returns the caller's IP, preferring the first X-Forwarded-For
// hop when present (the gateway terminates behind a load balancer).
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPLimit throttles a route per client IP.
func IPLimit(limiter ratelimit.Limiter, realm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retry, err := limiter.Allow(r.Context(), ClientIP(r))
		if err != nil {
			WriteError(w, realm, err)
			return
		}
		if !allowed {
			WriteError(w, realm, apperr.TooManyRequests(retry, "rate limit exceeded, try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
