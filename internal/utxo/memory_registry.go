package utxo

import (
	"context"
	"sort"
	"sync"
	"time"
)

type outpoint struct {
	txid string
	vout uint32
}

// MemoryRegistry is an in-memory Registry for demo/development mode.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[outpoint]*Attribution
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[outpoint]*Attribution)}
}

func (r *MemoryRegistry) Attribute(ctx context.Context, escrowID string, u UTXO) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := outpoint{u.TxID, u.Vout}
	existing, ok := r.entries[key]
	if !ok {
		now := time.Now()
		r.entries[key] = &Attribution{UTXO: u, EscrowID: escrowID, AttributedAt: now, UpdatedAt: now}
		observeAttribution("new")
		return true, nil
	}
	result, err := reconcile(existing, escrowID, u)
	observeAttribution(result)
	if result == "updated" {
		existing.Confirmations = u.Confirmations
		existing.UpdatedAt = time.Now()
	}
	return false, err
}

func (r *MemoryRegistry) Detach(ctx context.Context, escrowID, txid string, vout uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := outpoint{txid, vout}
	a, ok := r.entries[key]
	if !ok || a.EscrowID != escrowID {
		return ErrNotFound
	}
	delete(r.entries, key)
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, txid string, vout uint32) (*Attribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.entries[outpoint{txid, vout}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRegistry) ListByEscrow(ctx context.Context, escrowID string) ([]*Attribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Attribution
	for _, a := range r.entries {
		if a.EscrowID == escrowID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AttributedAt.Before(result[j].AttributedAt)
	})
	return result, nil
}

// reconcile compares a repeat notification against the stored entry and
// reports the outcome label used for metrics.
func reconcile(existing *Attribution, escrowID string, u UTXO) (string, error) {
	switch {
	case existing.EscrowID != escrowID:
		return "conflict", ErrAttributedElsewhere
	case existing.Amount != u.Amount:
		return "conflict", ErrAmountMismatch
	case u.Confirmations < existing.Confirmations:
		return "decreased", ErrConfirmationsDecreased
	case u.Confirmations > existing.Confirmations:
		return "updated", nil
	}
	return "duplicate", nil
}

var _ Registry = (*MemoryRegistry)(nil)
