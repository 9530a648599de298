package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/darktower/conference-control/internal/apperr"
)

const orgColumns = `org_id, subdomain, display_name, plan_tier,
	max_concurrent_meetings, max_participants_per_meeting, is_active,
	created_at, updated_at`

func scanOrganization(row *sql.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.OrgID, &o.Subdomain, &o.DisplayName, &o.PlanTier,
		&o.MaxConcurrentMeetings, &o.MaxParticipantsPerMeeting, &o.IsActive,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &o, nil
}

// CreateOrganization inserts a new tenant. Used by administrative tooling
// and tests.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) (*Organization, error) {
	if o.OrgID == "" {
		o.OrgID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (org_id, subdomain, display_name, plan_tier,
			max_concurrent_meetings, max_participants_per_meeting, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING `+orgColumns,
		o.OrgID, o.Subdomain, o.DisplayName, o.PlanTier,
		o.MaxConcurrentMeetings, o.MaxParticipantsPerMeeting)
	return scanOrganization(row)
}

// GetOrganizationBySubdomain returns the active organization for a
// subdomain, or nil when none exists.
func (s *Store) GetOrganizationBySubdomain(ctx context.Context, subdomain string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+` FROM organizations
		WHERE subdomain = $1 AND is_active`, subdomain)
	return scanOrganization(row)
}

// GetOrganization returns an organization by ID, active or not.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+` FROM organizations WHERE org_id = $1`, orgID)
	return scanOrganization(row)
}
