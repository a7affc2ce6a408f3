package utxo

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsafe/escrowd/internal/apperr"
)

const txA = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestAttribute_IdempotentForSameEscrow(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	u := UTXO{TxID: txA, Vout: 0, Amount: 100_000, Confirmations: 1}

	newly, err := r.Attribute(ctx, "esc_1", u)
	require.NoError(t, err)
	assert.True(t, newly)

	for i := 0; i < 3; i++ {
		newly, err = r.Attribute(ctx, "esc_1", u)
		require.NoError(t, err)
		assert.False(t, newly)
	}

	list, err := r.ListByEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAttribute_ConflictLeavesFirstUntouched(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	u := UTXO{TxID: txA, Vout: 1, Amount: 5000, Confirmations: 3}

	_, err := r.Attribute(ctx, "esc_1", u)
	require.NoError(t, err)

	newly, err := r.Attribute(ctx, "esc_2", u)
	assert.False(t, newly)
	assert.ErrorIs(t, err, ErrAttributedElsewhere)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	a, err := r.Get(ctx, txA, 1)
	require.NoError(t, err)
	assert.Equal(t, "esc_1", a.EscrowID)

	other, _ := r.ListByEscrow(ctx, "esc_2")
	assert.Empty(t, other)
}

func TestAttribute_ConfirmationsMonotonic(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	_, err := r.Attribute(ctx, "esc_1", UTXO{TxID: txA, Vout: 0, Amount: 10, Confirmations: 2})
	require.NoError(t, err)

	_, err = r.Attribute(ctx, "esc_1", UTXO{TxID: txA, Vout: 0, Amount: 10, Confirmations: 6})
	require.NoError(t, err)
	a, _ := r.Get(ctx, txA, 0)
	assert.Equal(t, uint32(6), a.Confirmations)

	_, err = r.Attribute(ctx, "esc_1", UTXO{TxID: txA, Vout: 0, Amount: 10, Confirmations: 4})
	assert.ErrorIs(t, err, ErrConfirmationsDecreased)
	a, _ = r.Get(ctx, txA, 0)
	assert.Equal(t, uint32(6), a.Confirmations, "a decrease must be ignored")
}

func TestAttribute_AmountMismatch(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	_, err := r.Attribute(ctx, "esc_1", UTXO{TxID: txA, Vout: 0, Amount: 10})
	require.NoError(t, err)
	_, err = r.Attribute(ctx, "esc_1", UTXO{TxID: txA, Vout: 0, Amount: 11})
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestAttribute_ConcurrentSingleWinner(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	u := UTXO{TxID: txA, Vout: 7, Amount: 42, Confirmations: 1}

	var wins atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		escrowID := "esc_a"
		if i%2 == 1 {
			escrowID = "esc_b"
		}
		go func() {
			defer wg.Done()
			newly, err := r.Attribute(ctx, escrowID, u)
			if newly {
				wins.Add(1)
			}
			if err != nil {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(10), conflicts.Load(), "every call for the losing escrow conflicts")
}

func TestDetach_OnlyOwner(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	u := UTXO{TxID: txA, Vout: 2, Amount: 700, Confirmations: 0}

	_, err := r.Attribute(ctx, "esc_1", u)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Detach(ctx, "esc_2", txA, 2), ErrNotFound)
	require.NoError(t, r.Detach(ctx, "esc_1", txA, 2))

	newly, err := r.Attribute(ctx, "esc_2", u)
	require.NoError(t, err)
	assert.True(t, newly, "detached output can be attributed again")
}

func TestGet_NotFound(t *testing.T) {
	_, err := NewMemoryRegistry().Get(context.Background(), txA, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUTXO_ValidateAndKey(t *testing.T) {
	u := UTXO{TxID: txA, Vout: 2, Amount: 1}
	assert.NoError(t, u.Validate())
	assert.Equal(t, txA+":2", u.Key())

	assert.ErrorIs(t, UTXO{TxID: "nothex", Amount: 1}.Validate(), ErrInvalidUTXO)
	assert.ErrorIs(t, UTXO{TxID: txA}.Validate(), ErrInvalidUTXO)

	err := UTXO{TxID: txA, Amount: math.MaxUint64 - 4}.Validate()
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
	assert.Equal(t, apperr.InvalidAmount, apperr.KindOf(err))
	assert.NoError(t, UTXO{TxID: txA, Amount: 21_000_000 * 100_000_000}.Validate())
}

func TestSum(t *testing.T) {
	utxos := []UTXO{
		{Amount: 100, Confirmations: 6},
		{Amount: 50, Confirmations: 1},
		{Amount: 25, Confirmations: 0},
	}
	assert.Equal(t, uint64(175), Sum(utxos, 0))
	assert.Equal(t, uint64(150), Sum(utxos, 1))
	assert.Equal(t, uint64(100), Sum(utxos, 6))
}
