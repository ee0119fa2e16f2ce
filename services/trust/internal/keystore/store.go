package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable key store. Soft-deleted keys are invisible to every
// read.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, keyID string) (*Record, error)
	SetDeactivation(ctx context.Context, keyID string, at time.Time) error
	SoftDelete(ctx context.Context, keyID string, at time.Time) error
	ListPublic(ctx context.Context, purpose string) ([]PublicRecord, error)
	// Sweep deactivates keys whose expiry or deferred deactivation time has
	// arrived and returns how many were affected.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(ctx context.Context, db *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating trust_keys: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trust_keys (
	key_id         TEXT PRIMARY KEY,
	algorithm      TEXT NOT NULL,
	public_key     BYTEA NOT NULL,
	private_key    BYTEA NOT NULL,
	purpose        TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at     TIMESTAMPTZ,
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	deactivated_at TIMESTAMPTZ,
	deleted_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trust_keys_purpose ON trust_keys(purpose) WHERE deleted_at IS NULL;
`)
	return err
}

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO trust_keys(key_id,algorithm,public_key,private_key,purpose,created_at,expires_at,is_active)
VALUES($1,$2,$3,$4,$5,$6,$7,TRUE)
`, rec.KeyID, rec.Algorithm, rec.PublicKey, rec.PrivateKey, rec.Purpose, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrKeyExists
		}
		return err
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, keyID string) (*Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx, `
SELECT key_id,algorithm,public_key,private_key,purpose,created_at,expires_at,is_active,deactivated_at,deleted_at
FROM trust_keys
WHERE key_id=$1 AND deleted_at IS NULL
`, keyID).Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicKey, &rec.PrivateKey, &rec.Purpose,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.IsActive, &rec.DeactivatedAt, &rec.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) SetDeactivation(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE trust_keys SET deactivated_at=$2 WHERE key_id=$1 AND deleted_at IS NULL
`, keyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *PGStore) SoftDelete(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE trust_keys SET deleted_at=$2, is_active=FALSE WHERE key_id=$1 AND deleted_at IS NULL
`, keyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ListPublic deliberately never selects the private_key column.
func (s *PGStore) ListPublic(ctx context.Context, purpose string) ([]PublicRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT key_id,algorithm,public_key,purpose,created_at,expires_at
FROM trust_keys
WHERE deleted_at IS NULL AND ($1='' OR purpose=$1)
ORDER BY created_at
`, purpose)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublicRecord
	for rows.Next() {
		var rec PublicRecord
		if err := rows.Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicKey, &rec.Purpose, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE trust_keys SET is_active=FALSE
WHERE deleted_at IS NULL AND is_active
  AND ((expires_at IS NOT NULL AND expires_at <= $1)
    OR (deactivated_at IS NOT NULL AND deactivated_at <= $1))
`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
