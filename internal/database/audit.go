package database

import (
	"context"

	"github.com/darktower/conference-control/internal/apperr"
)

// InsertAuditLog appends an audit row. Callers treat failures as
// best-effort: log and continue.
func (s *Store) InsertAuditLog(ctx context.Context, e *AuditLogEntry) error {
	var details interface{}
	if len(e.Details) > 0 {
		details = e.Details
	}
	var userID interface{}
	if e.UserID != "" {
		userID = e.UserID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (org_id, user_id, action, resource_type,
			resource_id, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.OrgID, userID, e.Action, e.ResourceType, e.ResourceID, details)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}
