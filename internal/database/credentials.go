package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/darktower/conference-control/internal/apperr"
)

const credentialColumns = `credential_id, client_id, client_secret_hash,
	service_type, region, scopes, is_active, created_at, updated_at`

func scanCredential(row *sql.Row) (*ServiceCredential, error) {
	var c ServiceCredential
	var region sql.NullString
	err := row.Scan(&c.CredentialID, &c.ClientID, &c.ClientSecretHash,
		&c.ServiceType, &region, pq.Array(&c.Scopes), &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	c.Region = region.String
	return &c, nil
}

// CreateServiceCredential inserts a credential row. Only the bcrypt hash of
// the secret is stored.
func (s *Store) CreateServiceCredential(ctx context.Context, c *ServiceCredential) (*ServiceCredential, error) {
	if c.CredentialID == "" {
		c.CredentialID = uuid.NewString()
	}
	var region interface{}
	if c.Region != "" {
		region = c.Region
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO service_credentials (credential_id, client_id,
			client_secret_hash, service_type, region, scopes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING `+credentialColumns,
		c.CredentialID, c.ClientID, c.ClientSecretHash, c.ServiceType,
		region, pq.Array(c.Scopes))

	created, err := scanCredential(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apperr.New(apperr.KindConflict, "client_id already registered")
		}
		return nil, err
	}
	return created, nil
}

// GetServiceCredentialByClientID returns the credential for a client_id, or
// nil when none exists.
func (s *Store) GetServiceCredentialByClientID(ctx context.Context, clientID string) (*ServiceCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM service_credentials
		WHERE client_id = $1`, clientID)
	return scanCredential(row)
}
