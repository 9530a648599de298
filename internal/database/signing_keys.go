package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/darktower/conference-control/internal/apperr"
)

const signingKeyColumns = `key_id, public_key, private_key_encrypted,
	encryption_nonce, encryption_tag, encryption_algorithm,
	master_key_version, algorithm, is_active, valid_from, valid_until,
	created_at`

func scanSigningKey(scanner interface {
	Scan(dest ...interface{}) error
}) (*SigningKey, error) {
	var k SigningKey
	err := scanner.Scan(&k.KeyID, &k.PublicKey, &k.PrivateKeyEncrypted,
		&k.EncryptionNonce, &k.EncryptionTag, &k.EncryptionAlgorithm,
		&k.MasterKeyVersion, &k.Algorithm, &k.IsActive, &k.ValidFrom,
		&k.ValidUntil, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &k, nil
}

// InsertSigningKey stores a new key row. The caller decides is_active.
func (s *Store) InsertSigningKey(ctx context.Context, k *SigningKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_id, public_key, private_key_encrypted,
			encryption_nonce, encryption_tag, encryption_algorithm,
			master_key_version, algorithm, is_active, valid_from, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		k.KeyID, k.PublicKey, k.PrivateKeyEncrypted, k.EncryptionNonce,
		k.EncryptionTag, k.EncryptionAlgorithm, k.MasterKeyVersion,
		k.Algorithm, k.IsActive, k.ValidFrom, k.ValidUntil)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// GetActiveSigningKey returns the newest active key inside its validity
// window, or nil when none exists.
func (s *Store) GetActiveSigningKey(ctx context.Context) (*SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE is_active AND valid_from <= now() AND now() < valid_until
		ORDER BY valid_from DESC
		LIMIT 1`)
	return scanSigningKey(row)
}

// GetNewestSigningKey returns the most recently created key regardless of
// active state. Drives the rotation rate limit.
func (s *Store) GetNewestSigningKey(ctx context.Context) (*SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		ORDER BY created_at DESC
		LIMIT 1`)
	return scanSigningKey(row)
}

// ListPublishableSigningKeys returns every key whose validity window covers
// now, newest first. The JWKS view includes recently-rotated-out keys so
// in-flight tokens keep validating until they expire.
func (s *Store) ListPublishableSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE valid_from <= now() AND now() < valid_until
		ORDER BY valid_from DESC`)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var keys []*SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err)
	}
	return keys, nil
}

// RotateSigningKey flips the active flag to the named key in one
// transaction: readers see the old key or the new key, never both active.
func (s *Store) RotateSigningKey(ctx context.Context, newKeyID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE signing_keys SET is_active = FALSE WHERE is_active`); err != nil {
			return apperr.Database(err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE signing_keys SET is_active = TRUE WHERE key_id = $1`, newKeyID)
		if err != nil {
			return apperr.Database(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Database(err)
		}
		if n == 0 {
			return apperr.Database(fmt.Errorf("signing key %s not found", newKeyID))
		}
		return nil
	})
}

// CountSigningKeysForYear counts keys whose key_id carries the given
// cluster/year prefix, used to derive the next sequence number.
func (s *Store) CountSigningKeysForYear(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM signing_keys WHERE key_id LIKE $1 || '%'`, prefix).Scan(&n)
	if err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}
