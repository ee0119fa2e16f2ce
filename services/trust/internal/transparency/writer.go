// Package transparency samples auction outcomes, signs a canonical receipt
// for each sampled one, and persists it through the storage circuit breaker
// with bounded retries and partial-failure accounting.
package transparency

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/trustlayer/pkg/breaker"
	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
	"github.com/rivalapexmediation/trustlayer/pkg/retry"
	"github.com/rivalapexmediation/trustlayer/pkg/signature"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/alert"
)

const (
	stageAuctions   = "auctions"
	stageCandidates = "candidates"
)

// Signer is the custodian capability the writer needs.
type Signer interface {
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
}

type Config struct {
	// SamplingBps is the 0-10000 probability of durably recording an
	// auction. 0 never writes, 10000 always writes.
	SamplingBps   int    `validate:"min=0,max=10000"`
	SigningKeyID  string `validate:"required"`
	BreakerName   string `validate:"required"`
	FeeBps        int    `validate:"min=0,max=10000"`
	RetryAttempts int    `validate:"min=1"`
	// Retry delays may both be zero for deterministic tests.
	RetryMinDelay time.Duration `validate:"min=0"`
	RetryMaxDelay time.Duration `validate:"min=0"`
}

func (c Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("transparency config: %w", err)
	}
	return nil
}

type Writer struct {
	cfg     Config
	store   Store
	signer  Signer
	br      *breaker.Breaker
	alerts  alert.Emitter
	log     logrus.FieldLogger
	now     func() time.Time
	randBps func() int
	metrics *Metrics
}

type Option func(*Writer)

// WithClock injects the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithSampler injects the 0-9999 draw used by the sampling gate.
func WithSampler(randBps func() int) Option {
	return func(w *Writer) { w.randBps = randBps }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Writer) { w.log = log }
}

func NewWriter(cfg Config, store Store, signer Signer, registry *breaker.Registry, alerts alert.Emitter, opts ...Option) (*Writer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil || signer == nil || registry == nil {
		return nil, errors.New("transparency writer: store, signer, and registry are required")
	}
	if alerts == nil {
		alerts = alert.NewLogEmitter(nil)
	}
	w := &Writer{
		cfg:     cfg,
		store:   store,
		signer:  signer,
		br:      registry.Get(cfg.BreakerName),
		alerts:  alerts,
		log:     logrus.StandardLogger(),
		now:     time.Now,
		randBps: func() int { return rand.Intn(10000) },
		metrics: &Metrics{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.br.OnTransition(w.onBreakerTransition)
	return w, nil
}

// Metrics returns a point-in-time copy of the writer counters. Breaker state
// is read live so the cooldown counts down between calls while the circuit
// is open.
func (w *Writer) Metrics() Snapshot {
	snap := w.metrics.Snapshot()
	br := w.br.Snapshot()
	snap.BreakerOpen = br.State == breaker.StateOpen
	snap.BreakerCooldownRemainingMs = br.CooldownRemaining.Milliseconds()
	return snap
}

// receiptPayload is the fixed field set covered by the integrity signature.
// Volatile and unbounded fields (raw metadata, response bodies) never appear
// here, so identical logical content always hashes identically.
type receiptPayload struct {
	AuctionID        string `json:"auction_id"`
	Timestamp        int64  `json:"timestamp_ms"`
	PublisherID      string `json:"publisher_id"`
	AppOrSiteID      string `json:"app_or_site_id"`
	PlacementID      string `json:"placement_id"`
	SurfaceType      string `json:"surface_type"`
	WinnerSource     string `json:"winner_source"`
	WinnerBidEcpm    string `json:"winner_bid_ecpm"`
	WinnerGrossPrice string `json:"winner_gross_price"`
	WinnerCurrency   string `json:"winner_currency"`
	FeeBps           int    `json:"fee_bps"`
	SampleBps        int    `json:"sample_bps"`
}

// RecordAuction samples, signs, and persists one auction outcome. Sampling
// misses and breaker skips are silent no-ops for the producer; only caller
// misuse (validation) surfaces as an error.
func (w *Writer) RecordAuction(ctx context.Context, req AuctionRequest, res AuctionResult, ts time.Time) error {
	if req.PublisherID == "" {
		return errors.New("record auction: publisher id is required")
	}
	if w.cfg.SamplingBps == 0 || w.randBps() >= w.cfg.SamplingBps {
		return nil
	}
	if ts.IsZero() {
		ts = w.now()
	}
	ts = ts.UTC()

	rec, cands, err := w.buildRecords(ctx, req, res, ts)
	if err != nil {
		return err
	}

	w.metrics.attempt()

	if err := w.persist(ctx, stageAuctions, func(ctx context.Context) error {
		return w.store.InsertAuction(ctx, *rec)
	}); err != nil {
		w.noteFailure(err, stageAuctions, false)
		return nil
	}

	if err := w.persist(ctx, stageCandidates, func(ctx context.Context) error {
		return w.store.InsertCandidates(ctx, cands)
	}); err != nil {
		// Parent row landed but bid detail did not: partial loss, flagged
		// distinctly so operators know a backfill is enough.
		w.noteFailure(err, stageCandidates, true)
		return nil
	}

	w.metrics.success(w.now())
	return nil
}

// effectiveShare is the publisher's fraction of gross after the platform fee.
func effectiveShare(feeBps int) decimal.Decimal {
	return decimal.NewFromInt(int64(10000 - feeBps)).Div(decimal.NewFromInt(10000))
}

func (w *Writer) buildRecords(ctx context.Context, req AuctionRequest, res AuctionResult, ts time.Time) (*AuctionRecord, []CandidateRecord, error) {
	auctionID := req.RequestID
	if auctionID == "" {
		auctionID = "auc_" + uuid.NewString()
	}

	rec := AuctionRecord{
		AuctionID:        auctionID,
		Timestamp:        ts,
		PublisherID:      req.PublisherID,
		AppOrSiteID:      req.AppOrSiteID,
		PlacementID:      req.PlacementID,
		SurfaceType:      req.SurfaceType,
		DeviceOS:         req.DeviceOS,
		DeviceGeo:        req.DeviceGeo,
		TCFString:        req.TCFString,
		USPrivacy:        req.USPrivacy,
		COPPA:            req.COPPA,
		WinnerReason:     res.Reason,
		FeeBps:           w.cfg.FeeBps,
		SampleBps:        w.cfg.SamplingBps,
		EffectiveShare:   effectiveShare(w.cfg.FeeBps),
		WinnerBidEcpm:    decimal.Zero,
		WinnerGrossPrice: decimal.Zero,
	}
	if res.Winner != nil {
		rec.WinnerSource = res.Winner.Source
		rec.WinnerBidEcpm = res.Winner.BidEcpm
		rec.WinnerGrossPrice = res.GrossPrice
		rec.WinnerCurrency = res.Winner.Currency
	}

	payload := receiptPayload{
		AuctionID:        rec.AuctionID,
		Timestamp:        ts.UnixMilli(),
		PublisherID:      rec.PublisherID,
		AppOrSiteID:      rec.AppOrSiteID,
		PlacementID:      rec.PlacementID,
		SurfaceType:      rec.SurfaceType,
		WinnerSource:     rec.WinnerSource,
		WinnerBidEcpm:    rec.WinnerBidEcpm.String(),
		WinnerGrossPrice: rec.WinnerGrossPrice.String(),
		WinnerCurrency:   rec.WinnerCurrency,
		FeeBps:           rec.FeeBps,
		SampleBps:        rec.SampleBps,
	}
	hashHex, _, err := canonical.SumObject(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalizing receipt: %w", err)
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding receipt digest: %w", err)
	}
	sig, err := w.signer.Sign(ctx, w.cfg.SigningKeyID, digest)
	if err != nil {
		return nil, nil, fmt.Errorf("signing receipt: %w", err)
	}
	rec.IntegrityAlgo = signature.AlgorithmEd25519
	rec.IntegrityKeyID = w.cfg.SigningKeyID
	rec.IntegritySignature = base64.StdEncoding.EncodeToString(sig)

	cands := make([]CandidateRecord, 0, len(res.Candidates))
	for _, cand := range res.Candidates {
		metaHash := ""
		if len(cand.Metadata) > 0 {
			metaHash, _, err = canonical.SumObject(cand.Metadata)
			if err != nil {
				return nil, nil, fmt.Errorf("hashing candidate metadata: %w", err)
			}
		}
		cands = append(cands, CandidateRecord{
			AuctionID:      rec.AuctionID,
			Timestamp:      ts,
			Source:         cand.Source,
			BidEcpm:        cand.BidEcpm,
			Currency:       cand.Currency,
			ResponseTimeMs: cand.ResponseTimeMs,
			Status:         cand.Status,
			MetadataHash:   metaHash,
		})
	}
	return &rec, cands, nil
}

// persist runs op through the breaker inside a bounded retry loop. A breaker
// skip aborts the loop immediately; it is accounted separately from storage
// failures.
func (w *Writer) persist(ctx context.Context, stage string, op func(context.Context) error) error {
	policy := retry.Policy{
		Attempts: w.cfg.RetryAttempts,
		MinDelay: w.cfg.RetryMinDelay,
		MaxDelay: w.cfg.RetryMaxDelay,
		Retryable: func(err error) bool {
			return !errors.Is(err, breaker.ErrOpen) && retry.IsTransient(err)
		},
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.br.Execute(ctx, op)
	})
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"stage":   stage,
			"breaker": w.br.Name(),
		}).WithError(err).Warn("transparency write failed")
	}
	return err
}

func (w *Writer) noteFailure(err error, stage string, partial bool) {
	if errors.Is(err, breaker.ErrOpen) {
		w.metrics.skipped()
		return
	}
	w.metrics.failure(w.now(), stage, partial)
	if retry.IsTransient(err) {
		w.alerts.Emit(alert.Event{
			Severity: alert.SeverityWarning,
			Code:     "transparency_storage_failure",
			Message:  "transparency store write failed",
			Fields: map[string]any{
				"stage":   stage,
				"partial": partial,
				"breaker": w.br.Name(),
				"error":   err.Error(),
			},
		})
	}
}

func (w *Writer) onBreakerTransition(name string, from, to breaker.State) {
	snap := w.br.Snapshot()
	if to != breaker.StateOpen && to != breaker.StateClosed {
		return
	}
	severity := alert.SeverityWarning
	if to == breaker.StateOpen {
		severity = alert.SeverityError
	}
	w.alerts.Emit(alert.Event{
		Severity: severity,
		Code:     "transparency_breaker_transition",
		Message:  fmt.Sprintf("storage circuit breaker %s -> %s", from, to),
		Fields: map[string]any{
			"breaker":               name,
			"failure_streak":        w.metrics.streak(),
			"cooldown_remaining_ms": snap.CooldownRemaining.Milliseconds(),
		},
	})
}
