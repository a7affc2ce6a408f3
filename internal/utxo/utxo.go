// Package utxo records which on-chain outputs have been attributed to which
// escrow. Attribution is a create-once check-and-set keyed by (txid, vout):
// an output is never reassigned to a different escrow.
package utxo

import (
	"context"
	"fmt"
	"time"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/btc"
)

var (
	ErrAttributedElsewhere    = apperr.New(apperr.Conflict, "utxo already attributed to another escrow")
	ErrAmountMismatch         = apperr.New(apperr.Conflict, "utxo amount differs from the recorded attribution")
	ErrConfirmationsDecreased = apperr.New(apperr.InvalidRequest, "utxo confirmations cannot decrease")
	ErrInvalidUTXO            = apperr.New(apperr.InvalidRequest, "invalid utxo")
	ErrAmountOutOfRange       = apperr.New(apperr.InvalidAmount, "utxo amount exceeds the bitcoin supply")
	ErrNotFound               = apperr.New(apperr.NotFound, "utxo not attributed")
)

// UTXO is an on-chain deposit as reported by the deposit watcher.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"amount"`
	Confirmations uint32 `json:"confirmations"`
}

// Key returns the canonical "txid:vout" outpoint string.
func (u UTXO) Key() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// Validate checks the txid format and that the output carries a plausible
// value.
func (u UTXO) Validate() error {
	if err := btc.ValidTxID(u.TxID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUTXO, err)
	}
	if u.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidUTXO)
	}
	if !btc.ValidAmount(u.Amount) {
		return ErrAmountOutOfRange
	}
	return nil
}

// Attribution binds a UTXO to an escrow.
type Attribution struct {
	UTXO
	EscrowID     string    `json:"escrow_id"`
	AttributedAt time.Time `json:"attributed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry is the attribution index.
//
// Attribute returns newly=true only for the call that created the entry.
// Re-attributing to the same escrow is idempotent and may raise the
// confirmation count; a lower count yields ErrConfirmationsDecreased with
// the stored entry left untouched. A different escrow yields
// ErrAttributedElsewhere.
//
// Detach removes an entry owned by escrowID. It rolls back an attribution
// whose collateral could not be locked.
type Registry interface {
	Attribute(ctx context.Context, escrowID string, u UTXO) (newly bool, err error)
	Detach(ctx context.Context, escrowID, txid string, vout uint32) error
	Get(ctx context.Context, txid string, vout uint32) (*Attribution, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Attribution, error)
}

// Sum returns the total amount of attributions with at least minConf
// confirmations.
func Sum(utxos []UTXO, minConf uint32) uint64 {
	var total uint64
	for _, u := range utxos {
		if u.Confirmations >= minConf {
			total += u.Amount
		}
	}
	return total
}
