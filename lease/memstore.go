package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (s *MemoryStore) CompareAndSet(_ context.Context, rec Record, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Key]; ok && cur.live(now) {
		return false, nil
	}
	rec.Committed = false
	s.records[rec.Key] = rec
	return true, nil
}

func (s *MemoryStore) Commit(_ context.Context, key Key, owner string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.OwnerTaskID != owner {
		return false, nil
	}
	if cur.Committed {
		return true, nil
	}
	if !now.Before(cur.ExpiresAt) {
		return false, nil
	}
	cur.Committed = true
	s.records[key] = cur
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, key Key, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.OwnerTaskID != owner || cur.Committed || !now.Before(cur.ExpiresAt) {
		return false, nil
	}
	cur.ExpiresAt = expiresAt
	s.records[key] = cur
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[key]; ok && cur.OwnerTaskID == owner {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}
