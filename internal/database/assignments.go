package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/darktower/conference-control/internal/apperr"
)

const assignmentColumns = `meeting_id, controller_id, handler_primary_id,
	handler_backup_id, status, created_at, last_activity_at`

func scanAssignment(row *sql.Row) (*MeetingAssignment, error) {
	var a MeetingAssignment
	err := row.Scan(&a.MeetingID, &a.ControllerID, &a.HandlerPrimaryID,
		&a.HandlerBackupID, &a.Status, &a.CreatedAt, &a.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &a, nil
}

// GetActiveAssignment returns the active assignment for a meeting, if any.
func (s *Store) GetActiveAssignment(ctx context.Context, meetingID string) (*MeetingAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM meeting_assignments
		WHERE meeting_id = $1 AND status = 'active'`, meetingID)
	return scanAssignment(row)
}

// ReserveAssignment inserts an active assignment unless one already exists.
// Returns (row, true) when this caller won the reservation, and
// (existing row, false) when a concurrent assigner got there first.
func (s *Store) ReserveAssignment(ctx context.Context, a *MeetingAssignment) (*MeetingAssignment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO meeting_assignments (meeting_id, controller_id,
			handler_primary_id, handler_backup_id, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (meeting_id) WHERE status = 'active' DO NOTHING
		RETURNING `+assignmentColumns,
		a.MeetingID, a.ControllerID, a.HandlerPrimaryID, a.HandlerBackupID)

	inserted, err := scanAssignment(row)
	if err != nil {
		return nil, false, err
	}
	if inserted != nil {
		return inserted, true, nil
	}

	// Lost the race: re-read the winner's row.
	existing, err := s.GetActiveAssignment(ctx, a.MeetingID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// The winner released it between our insert and re-read.
		return nil, false, apperr.New(apperr.KindConflict, "assignment contention, retry")
	}
	return existing, false, nil
}

// DeactivateAssignment marks a meeting's active assignment inactive, e.g.
// after the chosen MC refused it.
func (s *Store) DeactivateAssignment(ctx context.Context, meetingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meeting_assignments SET status = 'inactive'
		WHERE meeting_id = $1 AND status = 'active'`, meetingID)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// TouchAssignment advances last_activity_at on the active row.
func (s *Store) TouchAssignment(ctx context.Context, meetingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meeting_assignments SET last_activity_at = now()
		WHERE meeting_id = $1 AND status = 'active'`, meetingID)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// ExpireIdleAssignments marks active assignments with no recent activity as
// expired, and deletes non-active rows older than the retention cutoff.
// Returns how many rows were expired.
func (s *Store) ExpireIdleAssignments(ctx context.Context, inactivityCutoff, retention time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meeting_assignments
		SET status = 'expired'
		WHERE status = 'active'
		  AND last_activity_at <= now() - make_interval(secs => $1)`,
		inactivityCutoff.Seconds())
	if err != nil {
		return 0, apperr.Database(err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Database(err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM meeting_assignments
		WHERE status IN ('inactive', 'expired')
		  AND last_activity_at <= now() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return int(expired), apperr.Database(err)
	}
	return int(expired), nil
}
