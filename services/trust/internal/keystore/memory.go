package keystore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by components that
// need a custodian without postgres.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.KeyID]; ok {
		return ErrKeyExists
	}
	cp := rec
	s.recs[rec.KeyID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keyID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[keyID]
	if !ok || rec.DeletedAt != nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SetDeactivation(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[keyID]
	if !ok || rec.DeletedAt != nil {
		return ErrKeyNotFound
	}
	t := at
	rec.DeactivatedAt = &t
	return nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[keyID]
	if !ok || rec.DeletedAt != nil {
		return ErrKeyNotFound
	}
	t := at
	rec.DeletedAt = &t
	rec.IsActive = false
	return nil
}

func (s *MemoryStore) ListPublic(_ context.Context, purpose string) ([]PublicRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PublicRecord
	for _, rec := range s.recs {
		if rec.DeletedAt != nil {
			continue
		}
		if purpose != "" && rec.Purpose != purpose {
			continue
		}
		out = append(out, PublicRecord{
			KeyID:     rec.KeyID,
			Algorithm: rec.Algorithm,
			PublicKey: append([]byte(nil), rec.PublicKey...),
			Purpose:   rec.Purpose,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.recs {
		if rec.DeletedAt != nil || !rec.IsActive {
			continue
		}
		expired := rec.ExpiresAt != nil && !rec.ExpiresAt.After(now)
		deactivated := rec.DeactivatedAt != nil && !rec.DeactivatedAt.After(now)
		if expired || deactivated {
			rec.IsActive = false
			n++
		}
	}
	return n, nil
}
