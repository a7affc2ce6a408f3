package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // escrowID → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.EscrowID] = append(s.assessments[a.EscrowID], clone(a))
	return nil
}

func (s *MemoryStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[escrowID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, clone(all[i]))
	}
	return result, nil
}

func clone(a *Assessment) *Assessment {
	cp := *a
	cp.Reasons = append([]string(nil), a.Reasons...)
	if a.Factors != nil {
		cp.Factors = make(map[string]float64, len(a.Factors))
		for k, v := range a.Factors {
			cp.Factors[k] = v
		}
	}
	return &cp
}
