package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/trustlayer/services/trust/internal/keystore"
)

const testKeyID = "ledger-signing-1"

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *keystore.Custodian) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cust := keystore.New(keystore.NewMemoryStore(), keystore.WithLogger(log))
	_, err := cust.Generate(context.Background(), testKeyID, "ledger", nil)
	require.NoError(t, err)

	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := New(store, cust, testKeyID,
		WithClock(func() time.Time { return base }),
		WithLogger(log))
	require.NoError(t, err)
	return l, store, cust
}

func draft(publisher string, gross, net float64) Draft {
	return Draft{
		SubjectID:   "auc_" + publisher,
		PublisherID: publisher,
		Payload: Payload{
			GrossRevenue: decimal.NewFromFloat(gross),
			NetRevenue:   decimal.NewFromFloat(net),
			Currency:     "USD",
			WinnerSource: "bidder-a",
			OccurredAt:   time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		},
	}
}

func TestAppendLinksChain(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, draft("pub-1", 2.50, 2.10))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.SequenceNumber)
	require.Equal(t, GenesisHash("pub-1"), first.PreviousHash)
	require.NotEmpty(t, first.EntryHash)
	require.NotEmpty(t, first.Signature)
	require.Equal(t, testKeyID, first.KeyID)

	second, err := l.Append(ctx, draft("pub-1", 1.00, 0.85))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.SequenceNumber)
	require.Equal(t, first.EntryHash, second.PreviousHash)

	// A different publisher starts its own chain from its own genesis.
	other, err := l.Append(ctx, draft("pub-2", 4.00, 3.40))
	require.NoError(t, err)
	require.Equal(t, int64(1), other.SequenceNumber)
	require.Equal(t, GenesisHash("pub-2"), other.PreviousHash)
}

func TestVerifyEntryAllChecksPass(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, draft("pub-1", 2.50, 2.10))
	require.NoError(t, err)
	e2, err := l.Append(ctx, draft("pub-1", 1.00, 0.85))
	require.NoError(t, err)

	for _, id := range []string{e1.EntryID, e2.EntryID} {
		check, err := l.VerifyEntry(ctx, id)
		require.NoError(t, err)
		require.True(t, check.HashValid)
		require.True(t, check.SignatureValid)
		require.True(t, check.ChainValid)
		require.True(t, check.Valid)
		require.Empty(t, check.Problems)
	}
}

func TestVerifyDetectsPayloadTampering(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, draft("pub-1", 2.50, 2.10))
	require.NoError(t, err)
	_, err = l.Append(ctx, draft("pub-1", 1.00, 0.85))
	require.NoError(t, err)

	// Inflate the first entry's revenue after the fact. Its stored hash no
	// longer matches the content, while the chain link from the second entry
	// still points at the stored hash.
	store.Corrupt(e1.EntryID, func(e *Entry) {
		e.Payload.GrossRevenue = decimal.NewFromFloat(999.99)
	})

	check, err := l.VerifyEntry(ctx, e1.EntryID)
	require.NoError(t, err)
	require.False(t, check.HashValid)
	require.True(t, check.SignatureValid)
	require.True(t, check.ChainValid)
	require.False(t, check.Valid)
	require.NotEmpty(t, check.Problems)
}

func TestVerifyChainReportsEveryBreak(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	var entries []*Entry
	for i := 0; i < 4; i++ {
		e, err := l.Append(ctx, draft("pub-1", 1.0, 0.8))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	// Rewriting the second entry's hash breaks its own signature check and
	// severs the third entry's chain link. Verification must report both
	// without stopping.
	store.Corrupt(entries[1].EntryID, func(e *Entry) {
		e.EntryHash = GenesisHash("not-a-real-hash")
	})

	report, err := l.VerifyChain(ctx, "pub-1")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, 4, report.Checked)
	require.Equal(t, 2, report.ValidCount)
	require.Len(t, report.Failures, 2)

	byID := map[string]EntryVerification{}
	for _, f := range report.Failures {
		byID[f.EntryID] = f
	}
	require.False(t, byID[entries[1].EntryID].HashValid)
	require.False(t, byID[entries[1].EntryID].SignatureValid)
	require.False(t, byID[entries[2].EntryID].ChainValid)
	require.True(t, byID[entries[2].EntryID].HashValid)
}

func TestConcurrentAppendsSamePublisher(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, draft("pub-1", 1.0, 0.8))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := store.List(ctx, "pub-1")
	require.NoError(t, err)
	require.Len(t, entries, workers)

	seen := map[int64]bool{}
	for i, e := range entries {
		require.False(t, seen[e.SequenceNumber], "duplicate sequence %d", e.SequenceNumber)
		seen[e.SequenceNumber] = true
		if i > 0 {
			require.Equal(t, entries[i-1].EntryHash, e.PreviousHash)
		}
	}

	report, err := l.VerifyChain(ctx, "pub-1")
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestGenerateProofAndVerify(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, draft("pub-1", 2.0, 1.7))
		require.NoError(t, err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	proof, err := l.GenerateProof(ctx, nil, "pub-1", start, end, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), proof.EntryCount)
	require.Equal(t, "6", proof.GrossTotal)
	require.NotEmpty(t, proof.FirstEntryHash)
	require.NotEmpty(t, proof.LastEntryHash)

	ok, err := l.VerifyProof(ctx, *proof)
	require.NoError(t, err)
	require.True(t, ok)

	forged := *proof
	forged.GrossTotal = "600"
	ok, err = l.VerifyProof(ctx, forged)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProofCacheReturnsIdenticalArtifact(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, draft("pub-1", 2.0, 1.7))
	require.NoError(t, err)

	cache := NewMemoryProofCache(nil)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first, err := l.GenerateProof(ctx, cache, "pub-1", start, end, time.Hour)
	require.NoError(t, err)

	// A write landing between requests must not change the cached artifact
	// for the already-issued period.
	_, err = l.Append(ctx, draft("pub-1", 50.0, 42.0))
	require.NoError(t, err)

	second, err := l.GenerateProof(ctx, cache, "pub-1", start, end, time.Hour)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestProofRejectsEmptyPeriod(t *testing.T) {
	l, _, _ := newTestLedger(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := l.GenerateProof(context.Background(), nil, "pub-1", at, at, 0)
	require.Error(t, err)
}
