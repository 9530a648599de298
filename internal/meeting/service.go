// Package meeting implements the Global Controller's meeting plane:
// creation under the org concurrency cap, MC/MH assignment with weighted
// random selection, the join flow, guest access, and host-only settings.
package meeting

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/crypto"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/metrics"
)

const (
	meetingCodeLength  = 12
	codeRetries        = 3
	assignRetries      = 3
	candidateLimit     = 5
	assignCallDeadline = 2 * time.Second

	// capacityRetryAfter is the Retry-After hint when an org sits at its
	// concurrent-meeting cap.
	capacityRetryAfter = 30

	// maxDisplayNameLen matches the schema CHECK on meetings.display_name.
	maxDisplayNameLen = 255
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Store is the slice of the database the meeting plane needs.
type Store interface {
	CreateMeetingAtomic(ctx context.Context, m *database.Meeting) (*database.Meeting, error)
	GetMeetingByCode(ctx context.Context, code string) (*database.Meeting, error)
	GetMeeting(ctx context.Context, meetingID string) (*database.Meeting, error)
	SetMeetingController(ctx context.Context, meetingID, controllerID, region string) error
	UpdateMeetingSettings(ctx context.Context, meetingID, displayName string, maxParticipants int, flags database.MeetingFlags) (*database.Meeting, error)
	EndMeeting(ctx context.Context, meetingID string) error

	GetActiveAssignment(ctx context.Context, meetingID string) (*database.MeetingAssignment, error)
	ReserveAssignment(ctx context.Context, a *database.MeetingAssignment) (*database.MeetingAssignment, bool, error)
	DeactivateAssignment(ctx context.Context, meetingID string) error
	TouchAssignment(ctx context.Context, meetingID string) error

	SelectCandidateMCs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*database.MeetingController, error)
	SelectCandidateMHs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*database.MediaHandler, error)

	InsertAuditLog(ctx context.Context, e *database.AuditLogEntry) error
}

// Service is the meeting plane.
type Service struct {
	store     Store
	pool      ControllerPool
	ac        TokenIssuer
	region    string
	staleness time.Duration
	met       *metrics.Metrics
	logger    *log.Logger
}

// New builds the service. pool dials MCs; ac reaches the Authentication
// Controller's internal token endpoints. met may be nil.
func New(store Store, pool ControllerPool, ac TokenIssuer, region string, staleness time.Duration, met *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		pool:      pool,
		ac:        ac,
		region:    region,
		staleness: staleness,
		met:       met,
		logger:    log.New(log.Writer(), "[MEETING] ", log.LstdFlags),
	}
}

// CreateMeetingRequest is the POST /api/v1/meetings body.
type CreateMeetingRequest struct {
	DisplayName        string                `json:"display_name"`
	MaxParticipants    int                   `json:"max_participants,omitempty"`
	ScheduledStartTime *time.Time            `json:"scheduled_start_time,omitempty"`
	Flags              *database.MeetingFlags `json:"flags,omitempty"`
}

// Create inserts a meeting under the org's concurrency cap. The insert and
// the cap check are one statement, so concurrent creations at the limit
// cannot overshoot it.
func (s *Service) Create(ctx context.Context, org *database.Organization, userID string, req CreateMeetingRequest) (*database.Meeting, error) {
	displayName, err := validateDisplayName(req.DisplayName)
	if err != nil {
		return nil, err
	}
	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = org.MaxParticipantsPerMeeting
	}

	flags := database.MeetingFlags{RequireAuth: true, WaitingRoomEnabled: false}
	if req.Flags != nil {
		flags = *req.Flags
	}

	secret, err := crypto.GenerateJoinTokenSecret()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= codeRetries; attempt++ {
		code, err := generateMeetingCode()
		if err != nil {
			return nil, err
		}

		created, err := s.store.CreateMeetingAtomic(ctx, &database.Meeting{
			MeetingID:          uuid.NewString(),
			OrgID:              org.OrgID,
			CreatedByUserID:    userID,
			DisplayName:        displayName,
			MeetingCode:        code,
			JoinTokenSecret:    secret,
			MaxParticipants:    maxParticipants,
			Flags:              flags,
			ScheduledStartTime: req.ScheduledStartTime,
		})
		if errors.Is(err, database.ErrMeetingCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if created == nil {
			if s.met != nil {
				s.met.CapacityRejections.Inc()
			}
			return nil, apperr.CapacityExceeded(capacityRetryAfter)
		}

		if s.met != nil {
			s.met.MeetingsCreated.Inc()
		}
		s.audit(ctx, org.OrgID, userID, "meeting.create", created.MeetingID, nil)
		s.logger.Printf("created meeting %s code=%s org=%s", created.MeetingID, created.MeetingCode, org.OrgID)
		return created, nil
	}
	return nil, apperr.Internal(errors.New("meeting code collisions exhausted retries"))
}

// UpdateSettingsRequest is the PATCH body; nil fields are left unchanged.
type UpdateSettingsRequest struct {
	DisplayName     *string                `json:"display_name,omitempty"`
	MaxParticipants *int                   `json:"max_participants,omitempty"`
	Flags           *database.MeetingFlags `json:"flags,omitempty"`
}

// UpdateSettings applies a host-only partial update.
func (s *Service) UpdateSettings(ctx context.Context, org *database.Organization, userID, meetingID string, req UpdateSettingsRequest) (*database.Meeting, error) {
	m, err := s.requireHost(ctx, org, userID, meetingID)
	if err != nil {
		return nil, err
	}

	displayName := m.DisplayName
	if req.DisplayName != nil {
		displayName, err = validateDisplayName(*req.DisplayName)
		if err != nil {
			return nil, err
		}
	}
	maxParticipants := m.MaxParticipants
	if req.MaxParticipants != nil {
		if *req.MaxParticipants < 1 {
			return nil, apperr.Validation("max_participants must be positive")
		}
		maxParticipants = *req.MaxParticipants
		if maxParticipants > org.MaxParticipantsPerMeeting {
			maxParticipants = org.MaxParticipantsPerMeeting
		}
	}
	flags := m.Flags
	if req.Flags != nil {
		flags = *req.Flags
	}

	updated, err := s.store.UpdateMeetingSettings(ctx, meetingID, displayName, maxParticipants, flags)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperr.NotFound("meeting")
	}
	s.audit(ctx, org.OrgID, userID, "meeting.update_settings", meetingID, nil)
	return updated, nil
}

// End transitions a meeting to ended and releases its assignment.
func (s *Service) End(ctx context.Context, org *database.Organization, userID, meetingID string) error {
	if _, err := s.requireHost(ctx, org, userID, meetingID); err != nil {
		return err
	}
	if err := s.store.EndMeeting(ctx, meetingID); err != nil {
		return err
	}
	if err := s.store.DeactivateAssignment(ctx, meetingID); err != nil {
		s.logger.Printf("warn: assignment release for %s failed: %v", meetingID, err)
	}
	s.audit(ctx, org.OrgID, userID, "meeting.end", meetingID, nil)
	return nil
}

// requireHost loads the meeting and checks tenancy plus host identity.
func (s *Service) requireHost(ctx context.Context, org *database.Organization, userID, meetingID string) (*database.Meeting, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.OrgID != org.OrgID {
		return nil, apperr.NotFound("meeting")
	}
	if m.CreatedByUserID != userID {
		return nil, apperr.New(apperr.KindInsufficientScope, "only the meeting host may do this")
	}
	return m, nil
}

// audit is best-effort.
func (s *Service) audit(ctx context.Context, orgID, userID, action, resourceID string, details map[string]interface{}) {
	var raw []byte
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	err := s.store.InsertAuditLog(ctx, &database.AuditLogEntry{
		OrgID:        orgID,
		UserID:       userID,
		Action:       action,
		ResourceType: "meeting",
		ResourceID:   resourceID,
		Details:      raw,
	})
	if err != nil {
		s.logger.Printf("warn: audit %s for %s not recorded: %v", action, resourceID, err)
	}
}

// validateDisplayName trims and bounds a meeting name so bad input fails
// here as a 400 instead of tripping the schema CHECK.
func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("display_name is required")
	}
	if len(name) > maxDisplayNameLen {
		return "", apperr.Validation("display_name must be 255 characters or fewer")
	}
	return name, nil
}

// generateMeetingCode samples a 12-char base62 code from the CSPRNG.
func generateMeetingCode() (string, error) {
	buf := make([]byte, meetingCodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", apperr.Crypto(err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
