package wallet

import (
	"context"
	"sort"
	"sync"

	"github.com/satsafe/escrowd/internal/btc"
)

// MemoryStore is an in-memory AddressStore for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byAddress map[string]*DepositAddress
	byOwner   map[string]string // user|currency -> address
}

// NewMemoryStore creates a new in-memory address store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAddress: make(map[string]*DepositAddress),
		byOwner:   make(map[string]string),
	}
}

func ownerKey(userID string, currency btc.Currency) string {
	return userID + "|" + string(currency)
}

func (m *MemoryStore) Create(ctx context.Context, a *DepositAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey(a.UserID, a.Currency)
	if _, ok := m.byOwner[key]; ok {
		return ErrAddressExists
	}
	if _, ok := m.byAddress[a.Address]; ok {
		return ErrAddressExists
	}
	cp := *a
	m.byAddress[a.Address] = &cp
	m.byOwner[key] = a.Address
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string, currency btc.Currency) (*DepositAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr, ok := m.byOwner[ownerKey(userID, currency)]
	if !ok {
		return nil, ErrAddressNotFound
	}
	cp := *m.byAddress[addr]
	return &cp, nil
}

func (m *MemoryStore) Lookup(ctx context.Context, address string) (*DepositAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byAddress[address]
	if !ok {
		return nil, ErrAddressNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*DepositAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DepositAddress
	for _, a := range m.byAddress {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

var _ AddressStore = (*MemoryStore)(nil)
