package reconcile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]Result
	audited []AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]Result)}
}

func (s *MemoryStore) InsertResult(_ context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[res.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	s.byKey[res.IdempotencyKey] = res
	return nil
}

func (s *MemoryStore) GetByIdemKey(_ context.Context, idemKey string, since time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.byKey[idemKey]
	if !ok || res.Timestamp.Before(since) {
		return nil, ErrResultNotFound
	}
	out := res
	return &out, nil
}

func (s *MemoryStore) InsertAuditEvent(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audited = append(s.audited, ev)
	return nil
}

// AuditEvents returns a copy of everything recorded so far.
func (s *MemoryStore) AuditEvents() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.audited...)
}
