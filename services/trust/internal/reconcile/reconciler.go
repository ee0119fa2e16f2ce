package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/trustlayer/services/trust/internal/alert"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/ledger"
)

// ExternalTotals supplies per-publisher revenue totals from the external
// source of truth for a period. The set of keys it returns defines which
// publishers get checked.
type ExternalTotals interface {
	Totals(ctx context.Context, periodStart, periodEnd time.Time) (map[string]decimal.Decimal, error)
}

// Aggregator is the slice of the ledger store the reconciler reads.
type Aggregator interface {
	AggregateRange(ctx context.Context, publisherID string, from, to time.Time) (ledger.Aggregate, error)
}

type Config struct {
	// TolerancePct is the percentage difference above which a publisher is
	// flagged. Defaults to 0.5.
	TolerancePct decimal.Decimal
	// EscalationAmount is the absolute total-discrepancy threshold that
	// triggers a critical audit event. Zero disables escalation.
	EscalationAmount decimal.Decimal
	// Retention bounds idempotent replay; stored results older than this are
	// ignored. Defaults to 24h.
	Retention time.Duration
}

type Reconciler struct {
	store    Store
	internal Aggregator
	external ExternalTotals
	alerts   alert.Emitter
	cfg      Config
	now      func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.log = log }
}

func New(store Store, internal Aggregator, external ExternalTotals, alerts alert.Emitter, cfg Config, opts ...Option) (*Reconciler, error) {
	if store == nil || internal == nil || external == nil {
		return nil, errors.New("reconcile: store, aggregator, and external totals are required")
	}
	if cfg.TolerancePct.IsZero() {
		cfg.TolerancePct = decimal.NewFromFloat(0.5)
	}
	if cfg.TolerancePct.IsNegative() {
		return nil, errors.New("reconcile: tolerance must not be negative")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	r := &Reconciler{
		store:    store,
		internal: internal,
		external: external,
		alerts:   alerts,
		cfg:      cfg,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// period returns the most recent complete UTC day.
func (r *Reconciler) period() (time.Time, time.Time) {
	end := r.now().UTC().Truncate(24 * time.Hour)
	return end.Add(-24 * time.Hour), end
}

// Reconcile runs one comparison pass, or replays the stored result when the
// idempotency key was already used within retention. The bool reports
// whether the result came from the store.
func (r *Reconciler) Reconcile(ctx context.Context, idemKey string) (*Result, bool, error) {
	if idemKey == "" {
		return nil, false, errors.New("reconcile: idempotency key is required")
	}

	since := r.now().Add(-r.cfg.Retention)
	if prior, err := r.store.GetByIdemKey(ctx, idemKey, since); err == nil {
		return prior, true, nil
	} else if !errors.Is(err, ErrResultNotFound) {
		return nil, false, err
	}

	start, end := r.period()
	external, err := r.external.Totals(ctx, start, end)
	if err != nil {
		return nil, false, fmt.Errorf("reconcile: fetching external totals: %w", err)
	}

	res := Result{
		ID:                     "rec_" + uuid.NewString(),
		IdempotencyKey:         idemKey,
		Timestamp:              r.now().UTC(),
		PeriodStart:            start,
		PeriodEnd:              end,
		TotalDiscrepancyAmount: decimal.Zero,
		ToleratedPercentage:    r.cfg.TolerancePct,
		WithinTolerance:        true,
	}
	for publisherID, extTotal := range external {
		agg, err := r.internal.AggregateRange(ctx, publisherID, start, end)
		if err != nil {
			return nil, false, fmt.Errorf("reconcile: aggregating %s: %w", publisherID, err)
		}
		res.CheckedCount++

		diff := agg.Gross.Sub(extTotal).Abs()
		pct := percentDiff(agg.Gross, extTotal, diff)
		if pct.LessThanOrEqual(r.cfg.TolerancePct) {
			continue
		}
		res.WithinTolerance = false
		res.TotalDiscrepancyAmount = res.TotalDiscrepancyAmount.Add(diff)
		res.Discrepancies = append(res.Discrepancies, Discrepancy{
			PublisherID:   publisherID,
			InternalTotal: agg.Gross,
			ExternalTotal: extTotal,
			AbsoluteDiff:  diff,
			PercentDiff:   pct,
		})
	}

	if err := r.store.InsertResult(ctx, res); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Another run already owns this key. Its row is the canonical
			// result even when it predates the retention cutoff, so read it
			// back without the window.
			winner, gerr := r.store.GetByIdemKey(ctx, idemKey, time.Time{})
			if gerr != nil {
				return nil, false, gerr
			}
			return winner, true, nil
		}
		return nil, false, fmt.Errorf("reconcile: persisting result: %w", err)
	}

	if err := r.escalate(ctx, res); err != nil {
		return nil, false, err
	}
	r.log.WithFields(logrus.Fields{
		"result_id":     res.ID,
		"checked":       res.CheckedCount,
		"discrepancies": len(res.Discrepancies),
	}).Info("reconciliation completed")
	return &res, false, nil
}

func (r *Reconciler) escalate(ctx context.Context, res Result) error {
	if res.WithinTolerance || r.cfg.EscalationAmount.IsZero() {
		return nil
	}
	if res.TotalDiscrepancyAmount.LessThanOrEqual(r.cfg.EscalationAmount) {
		return nil
	}
	ev := AuditEvent{
		ID:       "ae_" + uuid.NewString(),
		Severity: string(alert.SeverityCritical),
		Code:     "reconciliation_escalation",
		Message:  "total revenue discrepancy exceeds escalation threshold",
		Details: map[string]any{
			"result_id":         res.ID,
			"total_discrepancy": res.TotalDiscrepancyAmount.String(),
			"threshold":         r.cfg.EscalationAmount.String(),
			"publishers":        len(res.Discrepancies),
		},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("reconcile: recording escalation: %w", err)
	}
	if r.alerts != nil {
		r.alerts.Emit(alert.Event{
			Severity: alert.SeverityCritical,
			Code:     ev.Code,
			Message:  ev.Message,
			Fields: map[string]any{
				"result_id":         res.ID,
				"total_discrepancy": res.TotalDiscrepancyAmount.String(),
			},
		})
	}
	return nil
}

// percentDiff is relative to the external total, the source of truth. When
// the external side reports zero, any internal revenue is a full
// discrepancy.
func percentDiff(internal, external, absDiff decimal.Decimal) decimal.Decimal {
	if external.IsZero() {
		if internal.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return absDiff.Div(external.Abs()).Mul(decimal.NewFromInt(100))
}
