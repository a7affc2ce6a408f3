package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[string]*Escrow
	addresses map[string]string // deposit address → escrow ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		addresses: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrDuplicateEscrow
	}
	if _, ok := m.addresses[escrow.DepositAddress]; ok {
		return ErrDuplicateAddress
	}
	m.escrows[escrow.ID] = escrow.Clone()
	m.addresses[escrow.DepositAddress] = escrow.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Deep copy: an append on a shallow copy would share the UTXO and tag
	// backing arrays with the stored record.
	return escrow.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != escrow.Version {
		return ErrConcurrentUpdate
	}
	escrow.Version++
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// collect copies matching escrows, newest first. Caller holds mu.
func (m *MemoryStore) collect(match func(*Escrow) bool, limit int) []*Escrow {
	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(e *Escrow) bool { return e.IsParticipant(userID) }, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(e *Escrow) bool { return e.Status == status }, limit), nil
}

func (m *MemoryStore) ListTimeLockExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(e *Escrow) bool {
		return (e.Status == StatusCreated || e.Status == StatusFunded) && e.TimeLockElapsed(before)
	}, limit), nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.escrows), nil
}

var _ Store = (*MemoryStore)(nil)
