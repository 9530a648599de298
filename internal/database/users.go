package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/darktower/conference-control/internal/apperr"
)

const userColumns = `user_id, org_id, email, password_hash, display_name,
	is_active, last_login_at, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.OrgID, &u.Email, &u.PasswordHash,
		&u.DisplayName, &u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &u, nil
}

// CreateUser inserts a user. A unique-violation on (org_id, email) is
// surfaced as Conflict.
func (s *Store) CreateUser(ctx context.Context, u *User) (*User, error) {
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, org_id, email, password_hash, display_name, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+userColumns,
		u.UserID, u.OrgID, u.Email, u.PasswordHash, u.DisplayName)

	created, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apperr.New(apperr.KindConflict, "a user with this email already exists")
		}
		return nil, err
	}
	return created, nil
}

// GetUserByEmail looks up a user by its natural key.
func (s *Store) GetUserByEmail(ctx context.Context, orgID, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE org_id = $1 AND email = $2`, orgID, email)
	return scanUser(row)
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = now(), updated_at = now()
		WHERE user_id = $1`, userID)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// GetUserRoles returns the role set for a user.
func (s *Store) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, apperr.Database(err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err)
	}
	return roles, nil
}

// GrantRole adds a role to a user. Duplicate grants are idempotent.
func (s *Store) GrantRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING`, userID, role)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}
