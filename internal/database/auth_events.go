package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/darktower/conference-control/internal/apperr"
)

// InsertAuthEvent appends an auth event. Callers on request paths treat a
// failure here as best-effort and must not fail the parent operation.
func (s *Store) InsertAuthEvent(ctx context.Context, e *AuthEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	var metadata interface{}
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (event_id, event_type, user_id, credential_id,
			success, failure_reason, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.EventID, e.EventType, e.UserID, e.CredentialID, e.Success,
		e.FailureReason, e.IPAddress, e.UserAgent, metadata)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// GetFailedAttemptsCount counts failed token issues for a credential since
// the given instant. Drives the lockout check.
func (s *Store) GetFailedAttemptsCount(ctx context.Context, credentialID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM auth_events
		WHERE credential_id = $1
		  AND event_type = $2
		  AND NOT success
		  AND created_at >= $3`,
		credentialID, EventServiceTokenFailed, since).Scan(&n)
	if err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}
