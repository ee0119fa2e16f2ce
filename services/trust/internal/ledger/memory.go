package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps chains in process memory. Tests use it to exercise
// chaining and verification without postgres.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Entry
	byChain map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Entry),
		byChain: make(map[string][]Entry),
	}
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[e.EntryID] = e
	chain := append(s.byChain[e.PublisherID], e)
	sort.Slice(chain, func(i, j int) bool { return chain[i].SequenceNumber < chain[j].SequenceNumber })
	s.byChain[e.PublisherID] = chain
	return nil
}

// Corrupt overwrites a stored entry in place, simulating tampering.
func (s *MemoryStore) Corrupt(entryID string, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byID[entryID]
	mutate(&e)
	s.byID[entryID] = e
	chain := s.byChain[e.PublisherID]
	for i := range chain {
		if chain[i].EntryID == entryID {
			chain[i] = e
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (s *MemoryStore) Latest(_ context.Context, publisherID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.byChain[publisherID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) GetBySequence(_ context.Context, publisherID string, seq int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byChain[publisherID] {
		if e.SequenceNumber == seq {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, publisherID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.byChain[publisherID]...), nil
}

func (s *MemoryStore) AggregateRange(_ context.Context, publisherID string, from, to time.Time) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := Aggregate{Gross: decimal.Zero, Net: decimal.Zero}
	for _, e := range s.byChain[publisherID] {
		at := e.Payload.OccurredAt
		if at.Before(from) || !at.Before(to) {
			continue
		}
		if agg.Count == 0 {
			agg.FirstHash = e.EntryHash
		}
		agg.LastHash = e.EntryHash
		agg.Count++
		agg.Gross = agg.Gross.Add(e.Payload.GrossRevenue)
		agg.Net = agg.Net.Add(e.Payload.NetRevenue)
	}
	return agg, nil
}
