package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists reconciliation results and standalone audit events.
type Store interface {
	// InsertResult returns ErrDuplicateKey when the idempotency key is
	// already recorded.
	InsertResult(ctx context.Context, res Result) error
	// GetByIdemKey returns the stored result for a key created at or after
	// since, or ErrResultNotFound.
	GetByIdemKey(ctx context.Context, idemKey string, since time.Time) (*Result, error)
	InsertAuditEvent(ctx context.Context, ev AuditEvent) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(ctx context.Context, db *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating reconciliation tables: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trust_reconciliation_results (
	id               TEXT PRIMARY KEY,
	idempotency_key  TEXT NOT NULL UNIQUE,
	created_at       TIMESTAMPTZ NOT NULL,
	period_start     TIMESTAMPTZ NOT NULL,
	period_end       TIMESTAMPTZ NOT NULL,
	checked_count    INTEGER NOT NULL,
	discrepancies    JSONB NOT NULL DEFAULT '[]',
	total_discrepancy NUMERIC(18,6) NOT NULL,
	tolerated_pct    NUMERIC(8,4) NOT NULL,
	within_tolerance BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS trust_audit_events (
	id         TEXT PRIMARY KEY,
	severity   TEXT NOT NULL,
	code       TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_audit_events_code ON trust_audit_events(code, created_at);
`)
	return err
}

func (s *PGStore) InsertResult(ctx context.Context, res Result) error {
	disc, err := json.Marshal(res.Discrepancies)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO trust_reconciliation_results
(id,idempotency_key,created_at,period_start,period_end,checked_count,discrepancies,total_discrepancy,tolerated_pct,within_tolerance)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, res.ID, res.IdempotencyKey, res.Timestamp, res.PeriodStart, res.PeriodEnd,
		res.CheckedCount, disc, res.TotalDiscrepancyAmount, res.ToleratedPercentage, res.WithinTolerance)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *PGStore) GetByIdemKey(ctx context.Context, idemKey string, since time.Time) (*Result, error) {
	var (
		res  Result
		disc []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT id,idempotency_key,created_at,period_start,period_end,checked_count,discrepancies,total_discrepancy,tolerated_pct,within_tolerance
FROM trust_reconciliation_results
WHERE idempotency_key=$1 AND created_at >= $2
`, idemKey, since).Scan(&res.ID, &res.IdempotencyKey, &res.Timestamp, &res.PeriodStart, &res.PeriodEnd,
		&res.CheckedCount, &disc, &res.TotalDiscrepancyAmount, &res.ToleratedPercentage, &res.WithinTolerance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(disc, &res.Discrepancies); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *PGStore) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO trust_audit_events(id,severity,code,message,details,created_at)
VALUES($1,$2,$3,$4,$5,$6)
`, ev.ID, ev.Severity, ev.Code, ev.Message, details, ev.CreatedAt)
	return err
}
