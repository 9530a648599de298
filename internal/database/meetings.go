package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/darktower/conference-control/internal/apperr"
)

const meetingColumns = `meeting_id, org_id, created_by_user_id, display_name,
	meeting_code, join_token_secret, max_participants,
	enable_e2e_encryption, require_auth, recording_enabled, allow_guests,
	allow_external_participants, waiting_room_enabled,
	meeting_controller_id, meeting_controller_region, status,
	scheduled_start_time, actual_start_time, actual_end_time,
	created_at, updated_at`

func scanMeeting(scanner interface {
	Scan(dest ...interface{}) error
}) (*Meeting, error) {
	var m Meeting
	err := scanner.Scan(&m.MeetingID, &m.OrgID, &m.CreatedByUserID,
		&m.DisplayName, &m.MeetingCode, &m.JoinTokenSecret, &m.MaxParticipants,
		&m.Flags.EnableE2EEncryption, &m.Flags.RequireAuth,
		&m.Flags.RecordingEnabled, &m.Flags.AllowGuests,
		&m.Flags.AllowExternalParticipants, &m.Flags.WaitingRoomEnabled,
		&m.MeetingControllerID, &m.MeetingControllerRegion, &m.Status,
		&m.ScheduledStartTime, &m.ActualStartTime, &m.ActualEndTime,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &m, nil
}

// ErrMeetingCodeTaken signals a meeting_code collision on insert; callers
// retry with a fresh code.
var ErrMeetingCodeTaken = errors.New("meeting code already in use")

// CreateMeetingAtomic inserts a meeting only if the organization is active
// and below its concurrent-meeting cap. The limit check and the insert are
// one statement, so concurrent creates at the cap cannot both succeed.
// Returns nil when the org is at capacity (or inactive).
func (s *Store) CreateMeetingAtomic(ctx context.Context, m *Meeting) (*Meeting, error) {
	if m.MeetingID == "" {
		m.MeetingID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		WITH org_limits AS (
			SELECT max_concurrent_meetings, max_participants_per_meeting
			FROM organizations
			WHERE org_id = $1 AND is_active
		),
		current_cnt AS (
			SELECT count(*) AS cnt FROM meetings
			WHERE org_id = $1 AND status IN ('scheduled', 'active')
		)
		INSERT INTO meetings (meeting_id, org_id, created_by_user_id,
			display_name, meeting_code, join_token_secret, max_participants,
			enable_e2e_encryption, require_auth, recording_enabled,
			allow_guests, allow_external_participants, waiting_room_enabled,
			status, scheduled_start_time)
		SELECT $2, $1, $3, $4, $5, $6,
			LEAST($7::int, org_limits.max_participants_per_meeting),
			$8, $9, $10, $11, $12, $13, 'scheduled', $14
		FROM org_limits, current_cnt
		WHERE current_cnt.cnt < org_limits.max_concurrent_meetings
		RETURNING `+meetingColumns,
		m.OrgID, m.MeetingID, m.CreatedByUserID, m.DisplayName,
		m.MeetingCode, m.JoinTokenSecret, m.MaxParticipants,
		m.Flags.EnableE2EEncryption, m.Flags.RequireAuth,
		m.Flags.RecordingEnabled, m.Flags.AllowGuests,
		m.Flags.AllowExternalParticipants, m.Flags.WaitingRoomEnabled,
		m.ScheduledStartTime)

	created, err := scanMeeting(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrMeetingCodeTaken
		}
		return nil, err
	}
	// nil without error means the WHERE clause filtered the insert: the org
	// is at its cap or inactive.
	return created, nil
}

// GetMeetingByCode returns a live (scheduled or active) meeting by code.
func (s *Store) GetMeetingByCode(ctx context.Context, code string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE meeting_code = $1 AND status IN ('scheduled', 'active')`, code)
	return scanMeeting(row)
}

// GetMeeting returns a meeting by ID.
func (s *Store) GetMeeting(ctx context.Context, meetingID string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings WHERE meeting_id = $1`, meetingID)
	return scanMeeting(row)
}

// SetMeetingController records the assigned MC and marks the meeting
// active on first assignment.
func (s *Store) SetMeetingController(ctx context.Context, meetingID, controllerID, region string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET meeting_controller_id = $2,
		    meeting_controller_region = $3,
		    status = 'active',
		    actual_start_time = COALESCE(actual_start_time, now()),
		    updated_at = now()
		WHERE meeting_id = $1`, meetingID, controllerID, region)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// UpdateMeetingSettings narrows to the host-editable fields.
func (s *Store) UpdateMeetingSettings(ctx context.Context, meetingID, displayName string, maxParticipants int, flags MeetingFlags) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE meetings
		SET display_name = $2,
		    max_participants = $3,
		    enable_e2e_encryption = $4,
		    require_auth = $5,
		    recording_enabled = $6,
		    allow_guests = $7,
		    allow_external_participants = $8,
		    waiting_room_enabled = $9,
		    updated_at = now()
		WHERE meeting_id = $1 AND status IN ('scheduled', 'active')
		RETURNING `+meetingColumns,
		meetingID, displayName, maxParticipants,
		flags.EnableE2EEncryption, flags.RequireAuth, flags.RecordingEnabled,
		flags.AllowGuests, flags.AllowExternalParticipants,
		flags.WaitingRoomEnabled)
	return scanMeeting(row)
}

// EndMeeting moves a meeting to ended and stamps the end time.
func (s *Store) EndMeeting(ctx context.Context, meetingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET status = 'ended', actual_end_time = now(), updated_at = now()
		WHERE meeting_id = $1 AND status IN ('scheduled', 'active')`, meetingID)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// CountLiveMeetings counts scheduled+active meetings for an org. Used by
// tests asserting the concurrency cap.
func (s *Store) CountLiveMeetings(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM meetings
		WHERE org_id = $1 AND status IN ('scheduled', 'active')`, orgID).Scan(&n)
	if err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}
