// Package wallet is the user-facing side of the ledger: balances,
// transaction history, deposit addresses and peer transfers.
//
// Flow:
//  1. A user asks for a deposit address; the signer issues one per
//     (user, currency) and the mapping is persisted
//  2. Chain deposits are booked by a deposit_notifier (pending until the
//     currency's confirmation threshold, then available)
//  3. Users transfer available funds to each other atomically
package wallet

import (
	"context"
	"time"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/ledger"
)

var (
	ErrInvalidAmount    = apperr.New(apperr.InvalidAmount, "amount must be positive and within the bitcoin supply")
	ErrInvalidRecipient = apperr.New(apperr.InvalidAddress, "recipient could not be resolved")
	ErrInvalidCurrency  = apperr.New(apperr.InvalidRequest, "currency must be BTC or ckBTC")
	ErrUnauthorized     = apperr.New(apperr.Unauthorized, "not authorized for this wallet operation")
	ErrAddressNotFound  = apperr.New(apperr.NotFound, "deposit address not found")
	ErrAddressExists    = apperr.New(apperr.Conflict, "deposit address already issued")
	ErrInvalidTxID      = apperr.New(apperr.InvalidRequest, "txid must be a 64-character hex transaction id")
)

// CapDepositNotifier lets a principal book chain deposits for any user.
const CapDepositNotifier = "deposit_notifier"

// DepositAddress maps an issued chain address to its owner.
type DepositAddress struct {
	Address   string       `json:"address"`
	UserID    string       `json:"user_id"`
	Currency  btc.Currency `json:"currency"`
	CreatedAt time.Time    `json:"created_at"`
}

// AddressStore persists issued deposit addresses. At most one address
// exists per (user, currency).
type AddressStore interface {
	// Create returns ErrAddressExists when the user already has an address
	// for the currency or the address is taken.
	Create(ctx context.Context, a *DepositAddress) error
	Get(ctx context.Context, userID string, currency btc.Currency) (*DepositAddress, error)
	Lookup(ctx context.Context, address string) (*DepositAddress, error)
	ListByUser(ctx context.Context, userID string) ([]*DepositAddress, error)
}

// AddressIssuer derives a fresh deposit address. Implemented by the signer.
type AddressIssuer interface {
	DepositAddress(ctx context.Context, owner string, currency btc.Currency) (string, error)
}

// Ledger is the subset of *ledger.Ledger the wallet drives.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	GetTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error)
	TransferAtomic(ctx context.Context, from, to string, currency btc.Currency, amount uint64, reference string) (*ledger.Balance, error)
	RecordDeposit(ctx context.Context, userID string, currency btc.Currency, amount uint64, reference string, confirmed bool) (*ledger.Transaction, error)
	ConfirmDeposit(ctx context.Context, txID string) (*ledger.Transaction, error)
}

// Authorizer checks capabilities held by a principal.
type Authorizer interface {
	Allowed(ctx context.Context, principal, capability string) bool
}

// TransferRequest is the body of POST /v1/wallet/transfer. Amount is
// signed so a negative value reports InvalidAmount rather than a decode
// error. To is a principal ID or a deposit address issued by this service.
type TransferRequest struct {
	To       string       `json:"to" binding:"required"`
	Amount   int64        `json:"amount"`
	Currency btc.Currency `json:"currency" binding:"required"`
}

// TransferResult reports a completed transfer.
type TransferResult struct {
	Reference string          `json:"reference"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    uint64          `json:"amount"`
	Currency  btc.Currency    `json:"currency"`
	Balance   *ledger.Balance `json:"balance"`
}

// AddressRequest is the body of POST /v1/wallet/deposit-address.
type AddressRequest struct {
	Currency btc.Currency `json:"currency" binding:"required"`
}

// DepositRequest books a chain deposit for a user.
type DepositRequest struct {
	UserID        string       `json:"user_id" binding:"required"`
	Currency      btc.Currency `json:"currency" binding:"required"`
	Amount        uint64       `json:"amount"`
	TxID          string       `json:"txid" binding:"required"`
	Confirmations uint32       `json:"confirmations"`
}
