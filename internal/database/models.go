package database

import "time"

// Organization is a tenant. Rows are never deleted; deactivation is the
// is_active flag.
type Organization struct {
	OrgID                     string    `json:"org_id"`
	Subdomain                 string    `json:"subdomain"`
	DisplayName               string    `json:"display_name"`
	PlanTier                  string    `json:"plan_tier"`
	MaxConcurrentMeetings     int       `json:"max_concurrent_meetings"`
	MaxParticipantsPerMeeting int       `json:"max_participants_per_meeting"`
	IsActive                  bool      `json:"is_active"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// User belongs to exactly one organization; (org_id, email) is unique.
type User struct {
	UserID       string     `json:"user_id"`
	OrgID        string     `json:"org_id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"display_name"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Valid user roles.
const (
	RoleUser     = "user"
	RoleAdmin    = "admin"
	RoleOrgAdmin = "org_admin"
)

// ServiceCredential is an OAuth client-credentials identity for an internal
// service. The plaintext secret exists only in the registration response.
type ServiceCredential struct {
	CredentialID     string    `json:"credential_id"`
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"-"`
	ServiceType      string    `json:"service_type"`
	Region           string    `json:"region,omitempty"`
	Scopes           []string  `json:"scopes"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Known service types.
const (
	ServiceTypeGlobalController  = "global-controller"
	ServiceTypeMeetingController = "meeting-controller"
	ServiceTypeMediaHandler      = "media-handler"
)

// SigningKey is a row in signing_keys. The private key is stored
// AES-256-GCM wrapped under the process master key.
type SigningKey struct {
	KeyID               string    `json:"key_id"`
	PublicKey           string    `json:"public_key"`
	PrivateKeyEncrypted []byte    `json:"-"`
	EncryptionNonce     []byte    `json:"-"`
	EncryptionTag       []byte    `json:"-"`
	EncryptionAlgorithm string    `json:"encryption_algorithm"`
	MasterKeyVersion    int       `json:"master_key_version"`
	Algorithm           string    `json:"algorithm"`
	IsActive            bool      `json:"is_active"`
	ValidFrom           time.Time `json:"valid_from"`
	ValidUntil          time.Time `json:"valid_until"`
	CreatedAt           time.Time `json:"created_at"`
}

// AuthEvent is an append-only audit row also used for lockout counting.
type AuthEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	UserID        *string   `json:"user_id,omitempty"`
	CredentialID  *string   `json:"credential_id,omitempty"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	IPAddress     *string   `json:"ip_address,omitempty"`
	UserAgent     *string   `json:"user_agent,omitempty"`
	Metadata      []byte    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Auth event types.
const (
	EventUserLogin             = "user_login"
	EventUserLoginFailed       = "user_login_failed"
	EventServiceTokenIssued    = "service_token_issued"
	EventServiceTokenFailed    = "service_token_failed"
	EventServiceRegistered     = "service_registered"
	EventKeyGenerated          = "key_generated"
	EventKeyRotated            = "key_rotated"
	EventKeyExpired            = "key_expired"
	EventTokenValidationFailed = "token_validation_failed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
)

// MeetingFlags are the per-meeting feature toggles.
type MeetingFlags struct {
	EnableE2EEncryption       bool `json:"enable_e2e_encryption"`
	RequireAuth               bool `json:"require_auth"`
	RecordingEnabled          bool `json:"recording_enabled"`
	AllowGuests               bool `json:"allow_guests"`
	AllowExternalParticipants bool `json:"allow_external_participants"`
	WaitingRoomEnabled        bool `json:"waiting_room_enabled"`
}

// Meeting statuses.
const (
	MeetingStatusScheduled = "scheduled"
	MeetingStatusActive    = "active"
	MeetingStatusEnded     = "ended"
	MeetingStatusCancelled = "cancelled"
)

// Meeting is a row in meetings. JoinTokenSecret is high-entropy and must
// never be logged or returned in API payloads.
type Meeting struct {
	MeetingID               string       `json:"meeting_id"`
	OrgID                   string       `json:"org_id"`
	CreatedByUserID         string       `json:"created_by_user_id"`
	DisplayName             string       `json:"display_name"`
	MeetingCode             string       `json:"meeting_code"`
	JoinTokenSecret         string       `json:"-"`
	MaxParticipants         int          `json:"max_participants"`
	Flags                   MeetingFlags `json:"flags"`
	MeetingControllerID     *string      `json:"meeting_controller_id,omitempty"`
	MeetingControllerRegion *string      `json:"meeting_controller_region,omitempty"`
	Status                  string       `json:"status"`
	ScheduledStartTime      *time.Time   `json:"scheduled_start_time,omitempty"`
	ActualStartTime         *time.Time   `json:"actual_start_time,omitempty"`
	ActualEndTime           *time.Time   `json:"actual_end_time,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// Registry health states shared by MCs and MHs.
const (
	HealthPending   = "pending"
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthDraining  = "draining"
)

// MeetingController is a registry row for a live MC.
type MeetingController struct {
	ControllerID         string    `json:"controller_id"`
	Region               string    `json:"region"`
	GRPCEndpoint         string    `json:"grpc_endpoint"`
	WebTransportEndpoint *string   `json:"webtransport_endpoint,omitempty"`
	MaxMeetings          int       `json:"max_meetings"`
	MaxParticipants      int       `json:"max_participants"`
	CurrentMeetings      int       `json:"current_meetings"`
	CurrentParticipants  int       `json:"current_participants"`
	HealthStatus         string    `json:"health_status"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
	RegisteredAt         time.Time `json:"registered_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LoadRatio is current_meetings / max_meetings, in [0, 1].
func (mc *MeetingController) LoadRatio() float64 {
	if mc.MaxMeetings <= 0 {
		return 1
	}
	r := float64(mc.CurrentMeetings) / float64(mc.MaxMeetings)
	if r > 1 {
		return 1
	}
	return r
}

// MediaHandler is a registry row for a live MH.
type MediaHandler struct {
	HandlerID            string    `json:"handler_id"`
	Region               string    `json:"region"`
	WebTransportEndpoint string    `json:"webtransport_endpoint"`
	GRPCEndpoint         string    `json:"grpc_endpoint"`
	MaxStreams           int       `json:"max_streams"`
	CurrentStreams       int       `json:"current_streams"`
	HealthStatus         string    `json:"health_status"`
	CPUPercent           *float64  `json:"cpu_percent,omitempty"`
	MemoryPercent        *float64  `json:"memory_percent,omitempty"`
	BandwidthPercent     *float64  `json:"bandwidth_percent,omitempty"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
	RegisteredAt         time.Time `json:"registered_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LoadRatio is current_streams / max_streams, in [0, 1].
func (mh *MediaHandler) LoadRatio() float64 {
	if mh.MaxStreams <= 0 {
		return 1
	}
	r := float64(mh.CurrentStreams) / float64(mh.MaxStreams)
	if r > 1 {
		return 1
	}
	return r
}

// Assignment statuses.
const (
	AssignmentActive   = "active"
	AssignmentInactive = "inactive"
	AssignmentExpired  = "expired"
)

// MeetingAssignment binds a meeting to an MC and a primary/backup MH pair.
// At most one active row exists per meeting.
type MeetingAssignment struct {
	MeetingID        string    `json:"meeting_id"`
	ControllerID     string    `json:"controller_id"`
	HandlerPrimaryID string    `json:"handler_primary_id"`
	HandlerBackupID  *string   `json:"handler_backup_id,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// AuditLogEntry is an append-only operational audit row.
type AuditLogEntry struct {
	OrgID        string    `json:"org_id"`
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      []byte    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
