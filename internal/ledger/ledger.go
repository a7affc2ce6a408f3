// Package ledger tracks per-user BTC and ckBTC balances and the collateral
// locked behind each escrow.
//
// Flow:
//  1. A deposit is recorded (pending until confirmed, then available)
//  2. Users transfer available funds to each other
//  3. UTXOs attributed to an escrow are locked as collateral under the escrow ID
//  4. Escrow settlement pays the collateral out to the counterparty or creator;
//     outputs still short of their confirmations come back as pending deposits
//
// Every balance mutation appends a Transaction in the same atomic unit.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/idgen"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.InsufficientFunds, "insufficient balance")
	ErrInvalidAmount       = apperr.New(apperr.InvalidAmount, "amount must be positive and within the bitcoin supply")
	ErrInvalidCurrency     = apperr.New(apperr.InvalidRequest, "unsupported currency")
	ErrSelfTransfer        = apperr.New(apperr.InvalidAddress, "cannot transfer to yourself")
	ErrTransactionNotFound = apperr.New(apperr.NotFound, "transaction not found")
	ErrAlreadyConfirmed    = apperr.New(apperr.AlreadyConfirmed, "transaction already confirmed")
	ErrDuplicateDeposit    = apperr.New(apperr.Conflict, "deposit already recorded")
	ErrCollateralShortfall = apperr.New(apperr.InternalError, "settlement exceeds locked collateral")
	ErrCurrencyMismatch    = apperr.New(apperr.InternalError, "collateral currency mismatch")
	ErrPendingMismatch     = apperr.New(apperr.InternalError, "pending deposits below transaction amount")
	ErrMissingReference    = apperr.New(apperr.InternalError, "pending payout without an outpoint reference")
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxTransferIn    TxType = "transfer_in"
	TxTransferOut   TxType = "transfer_out"
	TxEscrowLock    TxType = "escrow_lock"
	TxEscrowRelease TxType = "escrow_release"
	TxEscrowRefund  TxType = "escrow_refund"
)

// TxStatus is the settlement state of a transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
)

// Transaction is an immutable audit record. Only Status and ConfirmedAt
// ever change, and only from pending to confirmed.
type Transaction struct {
	ID          string       `json:"tx_id"`
	UserID      string       `json:"user_id"`
	Type        TxType       `json:"tx_type"`
	Amount      uint64       `json:"amount"`
	Currency    btc.Currency `json:"currency"`
	Status      TxStatus     `json:"status"`
	Reference   string       `json:"reference,omitempty"` // escrow ID, transfer ID or chain txid
	CreatedAt   time.Time    `json:"created_at"`
	ConfirmedAt *time.Time   `json:"confirmed_at,omitempty"`
}

// Balance is a user's wallet balance.
type Balance struct {
	UserID             string    `json:"user_id"`
	BTC                uint64    `json:"btc_balance"`
	CkBTC              uint64    `json:"ckbtc_balance"`
	PendingDeposits    uint64    `json:"pending_deposits"`
	PendingWithdrawals uint64    `json:"pending_withdrawals"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Available returns the spendable balance for currency.
func (b *Balance) Available(currency btc.Currency) uint64 {
	if currency == btc.CkBTC {
		return b.CkBTC
	}
	return b.BTC
}

func (b *Balance) setAvailable(currency btc.Currency, v uint64) {
	if currency == btc.CkBTC {
		b.CkBTC = v
		return
	}
	b.BTC = v
}

// Payout is one leg of a collateral settlement.
//
// A Pending payout is value that has not reached its confirmation threshold.
// It lands in the user's pending_deposits as a pending deposit transaction
// keyed by Reference (the outpoint), and becomes spendable only through
// ConfirmDeposit.
type Payout struct {
	UserID    string
	Amount    uint64
	Type      TxType // TxEscrowRelease or TxEscrowRefund
	Pending   bool
	Reference string
}

// apply credits p to b and returns the transaction describing it.
func (p Payout) apply(b *Balance, escrowID string, currency btc.Currency, at time.Time) *Transaction {
	b.LastUpdated = at
	if p.Pending {
		b.PendingDeposits += p.Amount
		return newTransaction(p.UserID, TxDeposit, currency, p.Amount, StatusPending, p.Reference, at)
	}
	b.setAvailable(currency, b.Available(currency)+p.Amount)
	return newTransaction(p.UserID, p.Type, currency, p.Amount, StatusConfirmed, escrowID, at)
}

func newTransaction(userID string, txType TxType, currency btc.Currency, amount uint64, status TxStatus, ref string, at time.Time) *Transaction {
	t := &Transaction{
		ID:        idgen.Transaction(),
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		Currency:  currency,
		Status:    status,
		Reference: ref,
		CreatedAt: at,
	}
	if status == StatusConfirmed {
		confirmed := at
		t.ConfirmedAt = &confirmed
	}
	return t
}

// Store persists ledger data. Implementations serialize mutations per user
// (and per escrow for collateral) and acquire multiple keys in lexicographic
// order.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	HasAccount(ctx context.Context, userID string) (bool, error)
	Credit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error)
	Debit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error)
	Transfer(ctx context.Context, from, to string, currency btc.Currency, amount uint64, reference string) (*Balance, error)
	AddPendingDeposit(ctx context.Context, userID string, currency btc.Currency, amount uint64, reference string) (*Transaction, error)
	ConfirmPendingDeposit(ctx context.Context, txID string) (*Transaction, error)
	HasDeposit(ctx context.Context, reference string) (bool, error)
	LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) (*Transaction, error)
	SettleCollateral(ctx context.Context, escrowID string, currency btc.Currency, payouts []Payout) ([]*Transaction, error)
	Collateral(ctx context.Context, escrowID string) (uint64, error)
	GetTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// DefaultHistoryLimit caps GetTransactions when no limit is given.
const DefaultHistoryLimit = 50

// Ledger validates requests and forwards them to the Store.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

func validate(currency btc.Currency, amount uint64) error {
	if !currency.Valid() {
		return ErrInvalidCurrency
	}
	if !btc.ValidAmount(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// GetBalance returns a user's balance, creating an empty one on first use.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// HasAccount reports whether the ledger has ever seen userID.
func (l *Ledger) HasAccount(ctx context.Context, userID string) (bool, error) {
	return l.store.HasAccount(ctx, userID)
}

// Credit adds to a user's available balance.
func (l *Ledger) Credit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	defer observeOp("credit")()
	if err := validate(currency, amount); err != nil {
		return nil, err
	}
	return l.store.Credit(ctx, userID, currency, amount, txType, reference)
}

// Debit removes from a user's available balance; it never goes negative.
func (l *Ledger) Debit(ctx context.Context, userID string, currency btc.Currency, amount uint64, txType TxType, reference string) (*Transaction, error) {
	defer observeOp("debit")()
	if err := validate(currency, amount); err != nil {
		return nil, err
	}
	tx, err := l.store.Debit(ctx, userID, currency, amount, txType, reference)
	if errors.Is(err, ErrInsufficientBalance) {
		LedgerRejectedTotal.WithLabelValues(string(currency)).Inc()
	}
	return tx, err
}

// TransferAtomic moves amount from one user to another. Both legs and
// their transfer_out/transfer_in records commit together or not at all.
// Returns the sender's updated balance.
func (l *Ledger) TransferAtomic(ctx context.Context, from, to string, currency btc.Currency, amount uint64, reference string) (*Balance, error) {
	defer observeOp("transfer")()
	if err := validate(currency, amount); err != nil {
		return nil, err
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	bal, err := l.store.Transfer(ctx, from, to, currency, amount, reference)
	if errors.Is(err, ErrInsufficientBalance) {
		LedgerRejectedTotal.WithLabelValues(string(currency)).Inc()
	}
	return bal, err
}

// RecordDeposit books an external deposit keyed by its chain reference.
// Confirmed deposits credit available directly; unconfirmed ones are held
// in pending_deposits until ConfirmDeposit.
func (l *Ledger) RecordDeposit(ctx context.Context, userID string, currency btc.Currency, amount uint64, reference string, confirmed bool) (*Transaction, error) {
	defer observeOp("deposit")()
	if err := validate(currency, amount); err != nil {
		return nil, err
	}
	if reference != "" {
		exists, err := l.store.HasDeposit(ctx, reference)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrDuplicateDeposit
		}
	}
	if confirmed {
		return l.store.Credit(ctx, userID, currency, amount, TxDeposit, reference)
	}
	return l.store.AddPendingDeposit(ctx, userID, currency, amount, reference)
}

// ConfirmDeposit moves a pending deposit into the available balance.
func (l *Ledger) ConfirmDeposit(ctx context.Context, txID string) (*Transaction, error) {
	defer observeOp("confirm_deposit")()
	return l.store.ConfirmPendingDeposit(ctx, txID)
}

// LockCollateral books an attributed deposit as collateral held for an
// escrow. The depositor is recorded on the escrow_lock transaction.
func (l *Ledger) LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) (*Transaction, error) {
	defer observeOp("escrow_lock")()
	if err := validate(currency, amount); err != nil {
		return nil, err
	}
	return l.store.LockCollateral(ctx, escrowID, depositor, currency, amount, reference)
}

// Settle pays out an escrow's collateral. All payouts and the collateral
// debit commit together. Zero-amount payouts are dropped. Pending payouts
// are booked as pending deposits rather than available balance.
func (l *Ledger) Settle(ctx context.Context, escrowID string, currency btc.Currency, payouts []Payout) ([]*Transaction, error) {
	defer observeOp("escrow_settle")()
	if !currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	nonZero := make([]Payout, 0, len(payouts))
	for _, p := range payouts {
		if p.Pending && p.Reference == "" {
			return nil, ErrMissingReference
		}
		if p.Amount > 0 {
			nonZero = append(nonZero, p)
		}
	}
	if len(nonZero) == 0 {
		return nil, nil
	}
	return l.store.SettleCollateral(ctx, escrowID, currency, nonZero)
}

// Collateral returns the amount currently locked for an escrow.
func (l *Ledger) Collateral(ctx context.Context, escrowID string) (uint64, error) {
	return l.store.Collateral(ctx, escrowID)
}

// GetTransactions returns a user's transactions, newest first.
func (l *Ledger) GetTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return l.store.GetTransactions(ctx, userID, limit)
}
