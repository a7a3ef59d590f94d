package approval

import (
	"context"
	"sort"
	"sync"

	"tripdesk/internal/domain"
)

// MemoryStore keeps approval records for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.ApprovalRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.ApprovalRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (domain.ApprovalRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn func(rec *domain.ApprovalRecord, exists bool) error) (domain.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = domain.ApprovalRecord{Key: key}
	}
	if err := fn(&rec, ok); err != nil {
		return domain.ApprovalRecord{}, err
	}
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.ApprovalRecord, 0, len(s.records))
	for _, rec := range s.records {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}
