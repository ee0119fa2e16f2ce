package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/trustlayer/services/trust/internal/alert"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/keystore"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/ledger"
)

type fakeAggregator struct {
	gross map[string]decimal.Decimal
	calls int
}

func (f *fakeAggregator) AggregateRange(_ context.Context, publisherID string, _, _ time.Time) (ledger.Aggregate, error) {
	f.calls++
	return ledger.Aggregate{Gross: f.gross[publisherID], Net: decimal.Zero}, nil
}

type fakeExternal struct {
	totals map[string]decimal.Decimal
	calls  int
}

func (f *fakeExternal) Totals(_ context.Context, _, _ time.Time) (map[string]decimal.Decimal, error) {
	f.calls++
	return f.totals, nil
}

type env struct {
	rec      *Reconciler
	store    *MemoryStore
	internal *fakeAggregator
	external *fakeExternal
	alerts   *alert.Recorder
}

func newEnv(t *testing.T, cfg Config, internal, external map[string]decimal.Decimal) *env {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	e := &env{
		store:    NewMemoryStore(),
		internal: &fakeAggregator{gross: internal},
		external: &fakeExternal{totals: external},
		alerts:   &alert.Recorder{},
	}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec, err := New(e.store, e.internal, e.external, e.alerts, cfg,
		WithClock(func() time.Time { return at }),
		WithLogger(log))
	require.NoError(t, err)
	e.rec = rec
	return e
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestReconcileWithinTolerance(t *testing.T) {
	e := newEnv(t, Config{},
		map[string]decimal.Decimal{"pub-1": d("100.00")},
		map[string]decimal.Decimal{"pub-1": d("100.20")})

	res, cached, err := e.rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 1, res.CheckedCount)
	require.Empty(t, res.Discrepancies)
	require.True(t, res.WithinTolerance)
	require.True(t, res.TotalDiscrepancyAmount.IsZero())
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), res.PeriodStart)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), res.PeriodEnd)
}

func TestReconcileFlagsDiscrepancy(t *testing.T) {
	e := newEnv(t, Config{},
		map[string]decimal.Decimal{"pub-1": d("100"), "pub-2": d("50")},
		map[string]decimal.Decimal{"pub-1": d("110"), "pub-2": d("50.1")})

	res, _, err := e.rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, res.CheckedCount)
	require.False(t, res.WithinTolerance)
	require.Len(t, res.Discrepancies, 1)

	disc := res.Discrepancies[0]
	require.Equal(t, "pub-1", disc.PublisherID)
	require.True(t, disc.AbsoluteDiff.Equal(d("10")))
	require.True(t, disc.PercentDiff.GreaterThan(d("9")))
	require.True(t, res.TotalDiscrepancyAmount.Equal(d("10")))
}

func TestReconcileZeroExternalIsFullDiscrepancy(t *testing.T) {
	e := newEnv(t, Config{},
		map[string]decimal.Decimal{"pub-1": d("3")},
		map[string]decimal.Decimal{"pub-1": decimal.Zero})

	res, _, err := e.rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, res.Discrepancies, 1)
	require.True(t, res.Discrepancies[0].PercentDiff.Equal(d("100")))
}

func TestReconcileIdempotentReplay(t *testing.T) {
	e := newEnv(t, Config{EscalationAmount: d("1")},
		map[string]decimal.Decimal{"pub-1": d("100")},
		map[string]decimal.Decimal{"pub-1": d("200")})
	ctx := context.Background()

	first, cached, err := e.rec.Reconcile(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, cached)
	require.Len(t, e.store.AuditEvents(), 1)

	second, cached, err := e.rec.Reconcile(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, cached)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))

	// Replay recomputes nothing and records nothing new.
	require.Equal(t, 1, e.external.calls)
	require.Equal(t, 1, e.internal.calls)
	require.Len(t, e.store.AuditEvents(), 1)
	require.Len(t, e.alerts.ByCode("reconciliation_escalation"), 1)
}

func TestReconcileDistinctKeysRecompute(t *testing.T) {
	e := newEnv(t, Config{},
		map[string]decimal.Decimal{"pub-1": d("100")},
		map[string]decimal.Decimal{"pub-1": d("100")})
	ctx := context.Background()

	_, _, err := e.rec.Reconcile(ctx, "run-1")
	require.NoError(t, err)
	_, _, err = e.rec.Reconcile(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, 2, e.external.calls)
}

func TestReconcileEscalation(t *testing.T) {
	e := newEnv(t, Config{EscalationAmount: d("5")},
		map[string]decimal.Decimal{"pub-1": d("100")},
		map[string]decimal.Decimal{"pub-1": d("120")})

	res, _, err := e.rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, res.TotalDiscrepancyAmount.Equal(d("20")))

	events := e.store.AuditEvents()
	require.Len(t, events, 1)
	require.Equal(t, "reconciliation_escalation", events[0].Code)
	require.Equal(t, string(alert.SeverityCritical), events[0].Severity)

	alerts := e.alerts.ByCode("reconciliation_escalation")
	require.Len(t, alerts, 1)
	require.Equal(t, alert.SeverityCritical, alerts[0].Severity)
}

func TestReconcileNoEscalationBelowThreshold(t *testing.T) {
	e := newEnv(t, Config{EscalationAmount: d("50")},
		map[string]decimal.Decimal{"pub-1": d("100")},
		map[string]decimal.Decimal{"pub-1": d("120")})

	_, _, err := e.rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.Empty(t, e.store.AuditEvents())
	require.Empty(t, e.alerts.Events)
}

// raceStore simulates losing the insert race: the pre-check misses, the
// insert collides, and the winner's row is readable afterwards.
type raceStore struct {
	*MemoryStore
	winner Result
	gets   int
}

func (s *raceStore) GetByIdemKey(ctx context.Context, idemKey string, since time.Time) (*Result, error) {
	s.gets++
	if s.gets == 1 {
		return nil, ErrResultNotFound
	}
	out := s.winner
	return &out, nil
}

func (s *raceStore) InsertResult(context.Context, Result) error {
	return ErrDuplicateKey
}

func TestReconcileInsertRaceReturnsWinner(t *testing.T) {
	winner := Result{
		ID:             "rec_winner",
		IdempotencyKey: "run-1",
		Timestamp:      time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC),
		CheckedCount:   1,
	}
	store := &raceStore{MemoryStore: NewMemoryStore(), winner: winner}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	rec, err := New(store,
		&fakeAggregator{gross: map[string]decimal.Decimal{"pub-1": d("1")}},
		&fakeExternal{totals: map[string]decimal.Decimal{"pub-1": d("1")}},
		nil, Config{}, WithLogger(log))
	require.NoError(t, err)

	res, cached, err := rec.Reconcile(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, "rec_winner", res.ID)
}

func TestReconcileAgainstLedgerAggregates(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ctx := context.Background()

	cust := keystore.New(keystore.NewMemoryStore(), keystore.WithLogger(log))
	_, err := cust.Generate(ctx, "rec-key", "trust", nil)
	require.NoError(t, err)

	ledgerStore := ledger.NewMemoryStore()
	led, err := ledger.New(ledgerStore, cust, "rec-key", ledger.WithLogger(log))
	require.NoError(t, err)

	occurred := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	for _, gross := range []string{"40", "60"} {
		_, err := led.Append(ctx, ledger.Draft{
			SubjectID:   "auc_x",
			PublisherID: "pub-1",
			Payload: ledger.Payload{
				GrossRevenue: d(gross),
				NetRevenue:   d(gross),
				Currency:     "USD",
				WinnerSource: "alpha",
				OccurredAt:   occurred,
			},
		})
		require.NoError(t, err)
	}

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec, err := New(NewMemoryStore(), ledgerStore,
		&fakeExternal{totals: map[string]decimal.Decimal{"pub-1": d("100")}},
		nil, Config{},
		WithClock(func() time.Time { return at }),
		WithLogger(log))
	require.NoError(t, err)

	res, cached, err := rec.Reconcile(ctx, "run-ledger")
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 1, res.CheckedCount)
	require.True(t, res.WithinTolerance)
}

func TestReconcileRequiresIdempotencyKey(t *testing.T) {
	e := newEnv(t, Config{}, nil, nil)
	_, _, err := e.rec.Reconcile(context.Background(), "")
	require.Error(t, err)
}

func TestReconcileKeyReuseAfterRetention(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ctx := context.Background()

	store := NewMemoryStore()
	internal := &fakeAggregator{gross: map[string]decimal.Decimal{"pub-1": d("100")}}
	external := &fakeExternal{totals: map[string]decimal.Decimal{"pub-1": d("100")}}

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec, err := New(store, internal, external, nil, Config{},
		WithClock(func() time.Time { return at }),
		WithLogger(log))
	require.NoError(t, err)

	first, cached, err := rec.Reconcile(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, cached)

	// Two days later the row has aged past retention, so the pre-check
	// misses and the recompute collides with the permanent unique key. The
	// stored run is still the canonical result for this key.
	at = at.Add(48 * time.Hour)
	second, cached, err := rec.Reconcile(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Timestamp, second.Timestamp)
}
