package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/syncutil"
)

type collateral struct {
	currency btc.Currency
	locked   uint64
}

// MemoryStore is an in-memory ledger store for demo/development mode.
//
// keys serializes mutations per user and per escrow; mu guards the maps and
// is only ever held for the final read or commit.
type MemoryStore struct {
	keys *syncutil.KeyedMutex

	mu           sync.RWMutex
	balances     map[string]*Balance
	transactions []*Transaction
	byID         map[string]*Transaction
	deposits     map[string]bool
	collateral   map[string]*collateral
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:       syncutil.NewKeyedMutex(),
		balances:   make(map[string]*Balance),
		byID:       make(map[string]*Transaction),
		deposits:   make(map[string]bool),
		collateral: make(map[string]*collateral),
		now:        time.Now,
	}
}

func userKey(id string) string   { return "user:" + id }
func escrowKey(id string) string { return "escrow:" + id }

// snapshot returns a copy of the user's balance, zero-valued if absent.
// Caller holds mu.
func (m *MemoryStore) snapshot(userID string) Balance {
	if bal, ok := m.balances[userID]; ok {
		return *bal
	}
	return Balance{UserID: userID}
}

// commit installs balances and appends transactions. Caller holds mu.
func (m *MemoryStore) commit(balances []Balance, txs ...*Transaction) {
	for i := range balances {
		b := balances[i]
		m.balances[b.UserID] = &b
	}
	for _, tx := range txs {
		m.transactions = append(m.transactions, tx)
		m.byID[tx.ID] = tx
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID, LastUpdated: m.now()}
		m.balances[userID] = bal
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) HasAccount(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.balances[userID]
	return ok, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	unlock, err := m.keys.LockContext(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if txType == TxDeposit && reference != "" && m.deposits[reference] {
		return nil, ErrDuplicateDeposit
	}

	now := m.now()
	bal := m.snapshot(userID)
	bal.setAvailable(currency, bal.Available(currency)+amount)
	bal.LastUpdated = now

	tx := newTransaction(userID, txType, currency, amount, StatusConfirmed, reference, now)
	m.commit([]Balance{bal}, tx)
	if txType == TxDeposit && reference != "" {
		m.deposits[reference] = true
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	unlock, err := m.keys.LockContext(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	bal := m.snapshot(userID)
	m.mu.RUnlock()

	if bal.Available(currency) < amount {
		return nil, ErrInsufficientBalance
	}

	now := m.now()
	bal.setAvailable(currency, bal.Available(currency)-amount)
	bal.LastUpdated = now
	tx := newTransaction(userID, txType, currency, amount, StatusConfirmed, reference, now)

	m.mu.Lock()
	m.commit([]Balance{bal}, tx)
	m.mu.Unlock()
	return copyTx(tx), nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, currency btc.Currency, amount uint64, reference string) (*Balance, error) {
	unlock, err := m.keys.LockAll(ctx, userKey(from), userKey(to))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	sender := m.snapshot(from)
	receiver := m.snapshot(to)
	m.mu.RUnlock()

	if sender.Available(currency) < amount {
		return nil, ErrInsufficientBalance
	}

	now := m.now()
	sender.setAvailable(currency, sender.Available(currency)-amount)
	sender.LastUpdated = now
	receiver.setAvailable(currency, receiver.Available(currency)+amount)
	receiver.LastUpdated = now

	out := newTransaction(from, TxTransferOut, currency, amount, StatusConfirmed, reference, now)
	in := newTransaction(to, TxTransferIn, currency, amount, StatusConfirmed, reference, now)

	m.mu.Lock()
	m.commit([]Balance{sender, receiver}, out, in)
	m.mu.Unlock()
	return &sender, nil
}

func (m *MemoryStore) AddPendingDeposit(ctx context.Context, userID string, currency btc.Currency, amount uint64, reference string) (*Transaction, error) {
	unlock, err := m.keys.LockContext(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.deposits[reference] {
		return nil, ErrDuplicateDeposit
	}

	now := m.now()
	bal := m.snapshot(userID)
	bal.PendingDeposits += amount
	bal.LastUpdated = now

	tx := newTransaction(userID, TxDeposit, currency, amount, StatusPending, reference, now)
	m.commit([]Balance{bal}, tx)
	if reference != "" {
		m.deposits[reference] = true
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) ConfirmPendingDeposit(ctx context.Context, txID string) (*Transaction, error) {
	m.mu.RLock()
	tx, ok := m.byID[txID]
	m.mu.RUnlock()
	if !ok || tx.Type != TxDeposit {
		return nil, ErrTransactionNotFound
	}

	unlock, err := m.keys.LockContext(ctx, userKey(tx.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Status == StatusConfirmed {
		return nil, ErrAlreadyConfirmed
	}

	now := m.now()
	bal := m.snapshot(tx.UserID)
	if bal.PendingDeposits < tx.Amount {
		return nil, ErrPendingMismatch
	}
	bal.PendingDeposits -= tx.Amount
	bal.setAvailable(tx.Currency, bal.Available(tx.Currency)+tx.Amount)
	bal.LastUpdated = now
	m.commit([]Balance{bal})

	tx.Status = StatusConfirmed
	tx.ConfirmedAt = &now
	return copyTx(tx), nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[reference], nil
}

func (m *MemoryStore) LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) (*Transaction, error) {
	unlock, err := m.keys.LockContext(ctx, escrowKey(escrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collateral[escrowID]
	if ok && c.currency != currency {
		return nil, ErrCurrencyMismatch
	}
	if !ok {
		c = &collateral{currency: currency}
		m.collateral[escrowID] = c
	}
	c.locked += amount

	now := m.now()
	tx := newTransaction(depositor, TxEscrowLock, currency, amount, StatusConfirmed, reference, now)
	m.commit(nil, tx)
	return copyTx(tx), nil
}

func (m *MemoryStore) SettleCollateral(ctx context.Context, escrowID string, currency btc.Currency, payouts []Payout) ([]*Transaction, error) {
	keys := []string{escrowKey(escrowID)}
	for _, p := range payouts {
		keys = append(keys, userKey(p.UserID))
	}
	unlock, err := m.keys.LockAll(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collateral[escrowID]
	if !ok {
		return nil, ErrCollateralShortfall
	}
	if c.currency != currency {
		return nil, ErrCurrencyMismatch
	}

	var total uint64
	for _, p := range payouts {
		total += p.Amount
		if p.Pending && m.deposits[p.Reference] {
			return nil, ErrDuplicateDeposit
		}
	}
	if total > c.locked {
		return nil, ErrCollateralShortfall
	}

	now := m.now()
	updated := make(map[string]*Balance)
	txs := make([]*Transaction, 0, len(payouts))
	for _, p := range payouts {
		bal, ok := updated[p.UserID]
		if !ok {
			snap := m.snapshot(p.UserID)
			bal = &snap
			updated[p.UserID] = bal
		}
		txs = append(txs, p.apply(bal, escrowID, currency, now))
	}

	balances := make([]Balance, 0, len(updated))
	for _, b := range updated {
		balances = append(balances, *b)
	}
	c.locked -= total
	m.commit(balances, txs...)
	for _, p := range payouts {
		if p.Pending {
			m.deposits[p.Reference] = true
		}
	}

	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		out[i] = copyTx(tx)
	}
	return out, nil
}

func (m *MemoryStore) Collateral(ctx context.Context, escrowID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collateral[escrowID]; ok {
		return c.locked, nil
	}
	return 0, nil
}

func (m *MemoryStore) GetTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		if m.transactions[i].UserID == userID {
			result = append(result, copyTx(m.transactions[i]))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	if tx.ConfirmedAt != nil {
		t := *tx.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
