//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/idgen"
	"github.com/satsafe/escrowd/internal/ledger"
	"github.com/satsafe/escrowd/internal/testutil"
	"github.com/satsafe/escrowd/internal/utxo"
)

func newPGEscrow(addr string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID:             idgen.Escrow(),
		CreatorID:      alice,
		CounterpartyID: bob,
		AmountSatoshis: 250_000,
		Currency:       btc.BTC,
		DepositAddress: addr,
		UTXOs:          []utxo.UTXO{},
		Status:         StatusCreated,
		Tags:           []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	lock := time.Now().Add(time.Hour).Unix()
	e := newPGEscrow("bcrt1qpgtest0001")
	e.TimeLockUnix = &lock
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.CreatorID, got.CreatorID)
	assert.Equal(t, e.AmountSatoshis, got.AmountSatoshis)
	assert.Equal(t, btc.BTC, got.Currency)
	require.NotNil(t, got.TimeLockUnix)
	assert.Equal(t, lock, *got.TimeLockUnix)
	assert.Nil(t, got.AIRiskScore)
	assert.Empty(t, got.UTXOs)

	score := uint8(64)
	resolved := time.Now().UTC().Truncate(time.Microsecond)
	got.UTXOs = append(got.UTXOs, utxo.UTXO{TxID: txid(1), Vout: 2, Amount: 250_000, Confirmations: 6})
	got.Status = StatusReleased
	got.CreatorConfirmed = true
	got.CounterpartyConfirmed = true
	got.AIRiskScore = &score
	got.Tags = []string{"risk:medium"}
	got.Resolution = "released"
	got.ResolvedAt = &resolved
	stale := got.Clone()
	require.NoError(t, store.Update(ctx, got))
	assert.Equal(t, int64(1), got.Version)

	stale.Tags = []string{"overwritten"}
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConcurrentUpdate)

	again, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, again.Status)
	assert.True(t, again.CreatorConfirmed && again.CounterpartyConfirmed)
	require.Len(t, again.UTXOs, 1)
	assert.Equal(t, uint32(2), again.UTXOs[0].Vout)
	require.NotNil(t, again.AIRiskScore)
	assert.Equal(t, uint8(64), *again.AIRiskScore)
	assert.Equal(t, []string{"risk:medium"}, again.Tags)
	assert.Equal(t, int64(1), again.Version)
	require.NotNil(t, again.ResolvedAt)
	assert.True(t, resolved.Equal(*again.ResolvedAt))

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	missing := newPGEscrow("bcrt1qpgtest0002")
	assert.ErrorIs(t, store.Update(ctx, missing), ErrEscrowNotFound)
}

func TestPostgresStore_UniqueConstraints(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := newPGEscrow("bcrt1qpgdup")
	require.NoError(t, store.Create(ctx, e))

	sameAddr := newPGEscrow("bcrt1qpgdup")
	assert.ErrorIs(t, store.Create(ctx, sameAddr), ErrDuplicateAddress)

	sameID := newPGEscrow("bcrt1qpgother")
	sameID.ID = e.ID
	assert.ErrorIs(t, store.Create(ctx, sameID), ErrDuplicateEscrow)
}

func TestPostgresStore_Listings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Unix()
	future := time.Now().Add(time.Hour).Unix()

	expired := newPGEscrow("bcrt1qlist1")
	expired.TimeLockUnix = &past
	pending := newPGEscrow("bcrt1qlist2")
	pending.TimeLockUnix = &future
	other := newPGEscrow("bcrt1qlist3")
	other.CreatorID = carol
	other.Status = StatusFunded

	for _, e := range []*Escrow{expired, pending, other} {
		require.NoError(t, store.Create(ctx, e))
	}

	mine, err := store.ListByUser(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	bobs, err := store.ListByUser(ctx, bob, 10)
	require.NoError(t, err)
	assert.Len(t, bobs, 3)

	funded, err := store.ListByStatus(ctx, StatusFunded, 10)
	require.NoError(t, err)
	require.Len(t, funded, 1)
	assert.Equal(t, other.ID, funded[0].ID)

	due, err := store.ListTimeLockExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.ID, due[0].ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_ServiceRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	l := ledger.New(ledger.NewPostgresStore(db))
	svc := NewService(NewPostgresStore(db), utxo.NewPostgresRegistry(db), ledger.NewEscrowAdapter(l), &seqAddresses{})

	esc, err := svc.Create(ctx, alice, CreateRequest{CounterpartyID: bob, AmountSatoshis: 80_000, Currency: btc.BTC})
	require.NoError(t, err)
	_, err = svc.ApplyDeposit(ctx, esc.ID, utxo.UTXO{TxID: txid(77), Amount: 80_000, Confirmations: 6})
	require.NoError(t, err)
	_, err = svc.ConfirmDelivery(ctx, esc.ID, alice)
	require.NoError(t, err)
	_, err = svc.ConfirmDelivery(ctx, esc.ID, bob)
	require.NoError(t, err)
	got, err := svc.RequestRelease(ctx, esc.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	bal, err := l.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(80_000), bal.BTC)
}
