// Package metrics holds the Prometheus instruments for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument both services may touch. Instruments
// irrelevant to a binary simply stay at zero.
type Metrics struct {
	// Token issuance
	TokensIssued    *prometheus.CounterVec
	TokensRejected  *prometheus.CounterVec
	TokenIssueTime  prometheus.Histogram
	KeyRotations    prometheus.Counter
	ActiveKeyAgeSec prometheus.Gauge

	// Token validation
	TokenValidations *prometheus.CounterVec
	JWKSFetches      *prometheus.CounterVec
	JWKSCacheHits    prometheus.Counter
	JWKSCacheMisses  prometheus.Counter

	// Meeting plane
	MeetingsCreated    prometheus.Counter
	CapacityRejections prometheus.Counter
	Assignments        *prometheus.CounterVec
	AssignmentRetries  prometheus.Counter
	GuestTokensIssued  prometheus.Counter

	// Registry
	RegistryHeartbeats *prometheus.CounterVec
	StaleDemotions     *prometheus.CounterVec
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		TokensIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ac_tokens_issued_total",
				Help: "Tokens issued, by grant type",
			},
			[]string{"grant"}, // client_credentials, password, meeting, guest
		),
		TokensRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ac_tokens_rejected_total",
				Help: "Token requests rejected, by reason",
			},
			[]string{"reason"}, // invalid_credentials, locked_out, insufficient_scope
		),
		TokenIssueTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ac_token_issue_duration_seconds",
				Help:    "End-to-end token issuance latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		KeyRotations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ac_key_rotations_total",
				Help: "Completed signing key rotations",
			},
		),
		ActiveKeyAgeSec: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ac_active_key_age_seconds",
				Help: "Age of the active signing key",
			},
		),
		TokenValidations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_token_validations_total",
				Help: "Inbound bearer validations, by result",
			},
			[]string{"result"}, // ok, invalid, insufficient_scope
		),
		JWKSFetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_jwks_fetches_total",
				Help: "Upstream JWKS fetches, by result",
			},
			[]string{"result"}, // ok, error
		),
		JWKSCacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_jwks_cache_hits_total",
				Help: "JWKS cache hits",
			},
		),
		JWKSCacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_jwks_cache_misses_total",
				Help: "JWKS cache misses",
			},
		),
		MeetingsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_meetings_created_total",
				Help: "Meetings created",
			},
		),
		CapacityRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_meeting_capacity_rejections_total",
				Help: "Meeting creations refused at the org concurrency cap",
			},
		),
		Assignments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_assignments_total",
				Help: "MC/MH assignment outcomes",
			},
			[]string{"result"}, // ok, refused, exhausted
		),
		AssignmentRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_assignment_retries_total",
				Help: "Assignment attempts retried after an MC refusal",
			},
		),
		GuestTokensIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gc_guest_tokens_issued_total",
				Help: "Guest tokens issued",
			},
		),
		RegistryHeartbeats: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_registry_heartbeats_total",
				Help: "Registry heartbeats, by kind",
			},
			[]string{"kind"}, // mc_fast, mc_comprehensive, mh
		),
		StaleDemotions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_registry_stale_demotions_total",
				Help: "Registry rows demoted to unhealthy by the sweeper",
			},
			[]string{"kind"}, // mc, mh
		),
	}
}
