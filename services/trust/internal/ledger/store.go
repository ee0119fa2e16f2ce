package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned for lookups of entries that do not exist.
var ErrNotFound = errors.New("ledger entry not found")

// Store is the appendable backing store for chain entries. Entries are never
// updated, only inserted.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, entryID string) (*Entry, error)
	// Latest returns the highest-sequence entry for a publisher, nil when
	// the chain is empty.
	Latest(ctx context.Context, publisherID string) (*Entry, error)
	GetBySequence(ctx context.Context, publisherID string, seq int64) (*Entry, error)
	// List returns all entries for a publisher in ascending sequence order.
	List(ctx context.Context, publisherID string) ([]Entry, error)
	// AggregateRange rolls up entries with OccurredAt in [from, to).
	AggregateRange(ctx context.Context, publisherID string, from, to time.Time) (Aggregate, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(ctx context.Context, db *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating trust_ledger_entries: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	// The unique (publisher_id, sequence_number) constraint is the
	// storage-side guard for the per-partition chain invariant.
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trust_ledger_entries (
	entry_id        TEXT PRIMARY KEY,
	subject_id      TEXT NOT NULL,
	publisher_id    TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	entry_hash      TEXT NOT NULL,
	signature       TEXT NOT NULL,
	key_id          TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	gross_revenue   NUMERIC(18,6) NOT NULL,
	net_revenue     NUMERIC(18,6) NOT NULL,
	currency        TEXT NOT NULL,
	winner_source   TEXT NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (publisher_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_trust_ledger_occurred ON trust_ledger_entries(publisher_id, occurred_at);
`)
	return err
}

func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO trust_ledger_entries(
	entry_id,subject_id,publisher_id,previous_hash,entry_hash,signature,key_id,
	sequence_number,gross_revenue,net_revenue,currency,winner_source,occurred_at,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, e.EntryID, e.SubjectID, e.PublisherID, e.PreviousHash, e.EntryHash, e.Signature, e.KeyID,
		e.SequenceNumber, e.Payload.GrossRevenue, e.Payload.NetRevenue, e.Payload.Currency,
		e.Payload.WinnerSource, e.Payload.OccurredAt, e.CreatedAt)
	return err
}

const entryColumns = `entry_id,subject_id,publisher_id,previous_hash,entry_hash,signature,key_id,
sequence_number,gross_revenue,net_revenue,currency,winner_source,occurred_at,created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.EntryID, &e.SubjectID, &e.PublisherID, &e.PreviousHash, &e.EntryHash,
		&e.Signature, &e.KeyID, &e.SequenceNumber, &e.Payload.GrossRevenue, &e.Payload.NetRevenue,
		&e.Payload.Currency, &e.Payload.WinnerSource, &e.Payload.OccurredAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger_entries WHERE entry_id=$1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PGStore) Latest(ctx context.Context, publisherID string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger_entries WHERE publisher_id=$1 ORDER BY sequence_number DESC LIMIT 1`,
		publisherID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PGStore) GetBySequence(ctx context.Context, publisherID string, seq int64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger_entries WHERE publisher_id=$1 AND sequence_number=$2`,
		publisherID, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PGStore) List(ctx context.Context, publisherID string) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger_entries WHERE publisher_id=$1 ORDER BY sequence_number`,
		publisherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PGStore) AggregateRange(ctx context.Context, publisherID string, from, to time.Time) (Aggregate, error) {
	var agg Aggregate
	var gross, net *decimal.Decimal
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*), SUM(gross_revenue), SUM(net_revenue)
FROM trust_ledger_entries
WHERE publisher_id=$1 AND occurred_at >= $2 AND occurred_at < $3
`, publisherID, from, to).Scan(&agg.Count, &gross, &net)
	if err != nil {
		return Aggregate{}, err
	}
	agg.Gross, agg.Net = decimal.Zero, decimal.Zero
	if gross != nil {
		agg.Gross = *gross
	}
	if net != nil {
		agg.Net = *net
	}
	if agg.Count == 0 {
		return agg, nil
	}

	err = s.db.QueryRow(ctx, `
SELECT entry_hash FROM trust_ledger_entries
WHERE publisher_id=$1 AND occurred_at >= $2 AND occurred_at < $3
ORDER BY sequence_number LIMIT 1
`, publisherID, from, to).Scan(&agg.FirstHash)
	if err != nil {
		return Aggregate{}, err
	}
	err = s.db.QueryRow(ctx, `
SELECT entry_hash FROM trust_ledger_entries
WHERE publisher_id=$1 AND occurred_at >= $2 AND occurred_at < $3
ORDER BY sequence_number DESC LIMIT 1
`, publisherID, from, to).Scan(&agg.LastHash)
	if err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}
