// Package ledger maintains an append-only hash chain of signed revenue
// entries per publisher. Every entry embeds the hash of its predecessor, so
// retroactive tampering anywhere in a chain is detectable, and any single
// entry can be verified independently: hash, signature, and chain link are
// three separate checks.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
)

// KeyRing is the custodian capability the ledger needs for signing entries
// and verifying stored signatures.
type KeyRing interface {
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, data, sig []byte) (bool, error)
}

type Ledger struct {
	store        Store
	keys         KeyRing
	signingKeyID string
	now          func() time.Time
	log          logrus.FieldLogger
	locks        keyedMutex
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

func New(store Store, keys KeyRing, signingKeyID string, opts ...Option) (*Ledger, error) {
	if store == nil || keys == nil {
		return nil, errors.New("ledger: store and key ring are required")
	}
	if signingKeyID == "" {
		return nil, errors.New("ledger: signing key id is required")
	}
	l := &Ledger{
		store:        store,
		keys:         keys,
		signingKeyID: signingKeyID,
		now:          time.Now,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// entryCore is the fixed field set covered by the entry hash. PreviousHash
// is part of it, which is what links the chain.
type entryCore struct {
	EntryID        string `json:"entry_id"`
	SubjectID      string `json:"subject_id"`
	PublisherID    string `json:"publisher_id"`
	PreviousHash   string `json:"previous_hash"`
	SequenceNumber int64  `json:"sequence_number"`
	GrossRevenue   string `json:"gross_revenue"`
	NetRevenue     string `json:"net_revenue"`
	Currency       string `json:"currency"`
	WinnerSource   string `json:"winner_source"`
	OccurredAtMs   int64  `json:"occurred_at_ms"`
}

func coreOf(e Entry) entryCore {
	return entryCore{
		EntryID:        e.EntryID,
		SubjectID:      e.SubjectID,
		PublisherID:    e.PublisherID,
		PreviousHash:   e.PreviousHash,
		SequenceNumber: e.SequenceNumber,
		GrossRevenue:   e.Payload.GrossRevenue.String(),
		NetRevenue:     e.Payload.NetRevenue.String(),
		Currency:       e.Payload.Currency,
		WinnerSource:   e.Payload.WinnerSource,
		OccurredAtMs:   e.Payload.OccurredAt.UnixMilli(),
	}
}

// GenesisHash is the deterministic previous-hash for the first entry of a
// publisher's chain.
func GenesisHash(publisherID string) string {
	return canonical.HashString("genesis:" + publisherID)
}

// Append assigns linkage and integrity fields to draft and persists the
// resulting entry. Appends for the same publisher are serialized; different
// publishers never contend.
func (l *Ledger) Append(ctx context.Context, draft Draft) (*Entry, error) {
	if draft.PublisherID == "" {
		return nil, errors.New("append: publisher id is required")
	}
	if draft.SubjectID == "" {
		return nil, errors.New("append: subject id is required")
	}

	// The latest-hash read and the insert must not interleave for one
	// publisher or two appenders would chain to the same predecessor.
	unlock := l.locks.lock(draft.PublisherID)
	defer unlock()

	latest, err := l.store.Latest(ctx, draft.PublisherID)
	if err != nil {
		return nil, fmt.Errorf("append: reading chain head: %w", err)
	}

	e := Entry{
		EntryID:     "le_" + uuid.NewString(),
		SubjectID:   draft.SubjectID,
		PublisherID: draft.PublisherID,
		Payload:     draft.Payload,
		CreatedAt:   l.now().UTC(),
	}
	if e.Payload.OccurredAt.IsZero() {
		e.Payload.OccurredAt = e.CreatedAt
	}
	if latest == nil {
		e.SequenceNumber = 1
		e.PreviousHash = GenesisHash(draft.PublisherID)
	} else {
		e.SequenceNumber = latest.SequenceNumber + 1
		e.PreviousHash = latest.EntryHash
	}

	hashHex, _, err := canonical.SumObject(coreOf(e))
	if err != nil {
		return nil, fmt.Errorf("append: hashing entry: %w", err)
	}
	e.EntryHash = hashHex

	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("append: decoding entry hash: %w", err)
	}
	sig, err := l.keys.Sign(ctx, l.signingKeyID, digest)
	if err != nil {
		return nil, fmt.Errorf("append: signing entry: %w", err)
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	e.KeyID = l.signingKeyID

	if err := l.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("append: persisting entry: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"publisher_id": e.PublisherID,
		"sequence":     e.SequenceNumber,
		"entry_id":     e.EntryID,
	}).Debug("ledger entry appended")
	return &e, nil
}

// VerifyEntry runs the three independent integrity checks for one entry.
// Failures are reported, never repaired.
func (l *Ledger) VerifyEntry(ctx context.Context, entryID string) (EntryVerification, error) {
	e, err := l.store.Get(ctx, entryID)
	if err != nil {
		return EntryVerification{}, err
	}
	return l.verify(ctx, *e)
}

func (l *Ledger) verify(ctx context.Context, e Entry) (EntryVerification, error) {
	res := EntryVerification{EntryID: e.EntryID}

	// Hash integrity: the stored hash must equal the recomputed canonical
	// hash.
	hashHex, _, err := canonical.SumObject(coreOf(e))
	if err != nil {
		return res, fmt.Errorf("verify: hashing entry: %w", err)
	}
	res.HashValid = hashHex == e.EntryHash
	if !res.HashValid {
		res.Problems = append(res.Problems, "entry hash does not match canonical content")
	}

	// Signature integrity: checked against the stored hash, so a tampered
	// payload with an intact signature still shows up as a hash failure.
	res.SignatureValid = false
	if digest, derr := hex.DecodeString(e.EntryHash); derr == nil {
		if sig, serr := base64.StdEncoding.DecodeString(e.Signature); serr == nil {
			ok, verr := l.keys.Verify(ctx, e.KeyID, digest, sig)
			if verr != nil {
				return res, fmt.Errorf("verify: checking signature: %w", verr)
			}
			res.SignatureValid = ok
		}
	}
	if !res.SignatureValid {
		res.Problems = append(res.Problems, "signature does not verify against entry hash")
	}

	// Chain integrity: the previous hash must match the predecessor (or the
	// genesis value for the first entry).
	switch {
	case e.SequenceNumber <= 1:
		res.ChainValid = e.PreviousHash == GenesisHash(e.PublisherID)
	default:
		prev, perr := l.store.GetBySequence(ctx, e.PublisherID, e.SequenceNumber-1)
		if perr != nil && !errors.Is(perr, ErrNotFound) {
			return res, fmt.Errorf("verify: loading predecessor: %w", perr)
		}
		res.ChainValid = prev != nil && prev.EntryHash == e.PreviousHash
	}
	if !res.ChainValid {
		res.Problems = append(res.Problems, "previous hash does not match predecessor")
	}

	res.Valid = res.HashValid && res.SignatureValid && res.ChainValid
	return res, nil
}

// VerifyChain walks every entry for a publisher in sequence order. A broken
// link does not stop the walk, so the report shows the full damage.
func (l *Ledger) VerifyChain(ctx context.Context, publisherID string) (ChainVerification, error) {
	entries, err := l.store.List(ctx, publisherID)
	if err != nil {
		return ChainVerification{}, err
	}
	report := ChainVerification{PublisherID: publisherID, Valid: true}
	for _, e := range entries {
		check, err := l.verify(ctx, e)
		if err != nil {
			return report, err
		}
		report.Checked++
		if check.Valid {
			report.ValidCount++
			continue
		}
		report.Valid = false
		report.Failures = append(report.Failures, check)
	}
	if report.Checked == 0 {
		report.Valid = true
	}
	return report, nil
}

// keyedMutex serializes appends per partition key without cross-key
// contention.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
