package transparency

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the narrow persistence capability the writer needs. The concrete
// backend is swappable without touching sampling or signing.
type Store interface {
	InsertAuction(ctx context.Context, rec AuctionRecord) error
	InsertCandidates(ctx context.Context, recs []CandidateRecord) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(ctx context.Context, db *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating transparency tables: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trust_auction_records (
	auction_id          TEXT PRIMARY KEY,
	ts                  TIMESTAMPTZ NOT NULL,
	publisher_id        TEXT NOT NULL,
	app_or_site_id      TEXT NOT NULL,
	placement_id        TEXT NOT NULL,
	surface_type        TEXT NOT NULL,
	device_os           TEXT NOT NULL,
	device_geo          TEXT NOT NULL,
	tcf_string          TEXT NOT NULL DEFAULT '',
	us_privacy          TEXT NOT NULL DEFAULT '',
	coppa               BOOLEAN NOT NULL DEFAULT FALSE,
	winner_source       TEXT NOT NULL,
	winner_bid_ecpm     NUMERIC(18,6) NOT NULL,
	winner_gross_price  NUMERIC(18,6) NOT NULL,
	winner_currency     TEXT NOT NULL,
	winner_reason       TEXT NOT NULL,
	fee_bps             INT NOT NULL,
	sample_bps          INT NOT NULL,
	effective_share     NUMERIC(9,6) NOT NULL,
	integrity_algo      TEXT NOT NULL,
	integrity_key_id    TEXT NOT NULL,
	integrity_signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_auctions_publisher ON trust_auction_records(publisher_id, ts);

CREATE TABLE IF NOT EXISTS trust_auction_candidates (
	auction_id       TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	source           TEXT NOT NULL,
	bid_ecpm         NUMERIC(18,6) NOT NULL,
	currency         TEXT NOT NULL,
	response_time_ms INT NOT NULL,
	status           TEXT NOT NULL,
	metadata_hash    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_candidates_auction ON trust_auction_candidates(auction_id);
`)
	return err
}

func (s *PGStore) InsertAuction(ctx context.Context, rec AuctionRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO trust_auction_records(
	auction_id,ts,publisher_id,app_or_site_id,placement_id,surface_type,device_os,device_geo,
	tcf_string,us_privacy,coppa,winner_source,winner_bid_ecpm,winner_gross_price,winner_currency,
	winner_reason,fee_bps,sample_bps,effective_share,integrity_algo,integrity_key_id,integrity_signature)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`, rec.AuctionID, rec.Timestamp, rec.PublisherID, rec.AppOrSiteID, rec.PlacementID, rec.SurfaceType,
		rec.DeviceOS, rec.DeviceGeo, rec.TCFString, rec.USPrivacy, rec.COPPA, rec.WinnerSource,
		rec.WinnerBidEcpm, rec.WinnerGrossPrice, rec.WinnerCurrency, rec.WinnerReason, rec.FeeBps,
		rec.SampleBps, rec.EffectiveShare, rec.IntegrityAlgo, rec.IntegrityKeyID, rec.IntegritySignature)
	return err
}

func (s *PGStore) InsertCandidates(ctx context.Context, recs []CandidateRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []any{
			rec.AuctionID, rec.Timestamp, rec.Source, rec.BidEcpm,
			rec.Currency, rec.ResponseTimeMs, string(rec.Status), rec.MetadataHash,
		})
	}
	_, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"trust_auction_candidates"},
		[]string{"auction_id", "ts", "source", "bid_ecpm", "currency", "response_time_ms", "status", "metadata_hash"},
		pgx.CopyFromRows(rows))
	return err
}
