package ledger

import (
	"context"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/utxo"
)

// EscrowAdapter exposes collateral operations in the shape the escrow
// service consumes.
type EscrowAdapter struct {
	l *Ledger
}

// NewEscrowAdapter wraps a Ledger for the escrow service.
func NewEscrowAdapter(l *Ledger) *EscrowAdapter {
	return &EscrowAdapter{l: l}
}

func (a *EscrowAdapter) LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) error {
	_, err := a.l.LockCollateral(ctx, escrowID, depositor, currency, amount, reference)
	return err
}

// SettleRelease pays the recipient and returns any confirmed excess to the
// creator. Unconfirmed outputs go back to the creator as pending deposits.
func (a *EscrowAdapter) SettleRelease(ctx context.Context, escrowID string, currency btc.Currency, recipient string, amount uint64, creator string, excess uint64, unconfirmed []utxo.UTXO) error {
	payouts := []Payout{
		{UserID: recipient, Amount: amount, Type: TxEscrowRelease},
		{UserID: creator, Amount: excess, Type: TxEscrowRefund},
	}
	_, err := a.l.Settle(ctx, escrowID, currency, append(payouts, pendingPayouts(creator, unconfirmed)...))
	return err
}

func (a *EscrowAdapter) SettleRefund(ctx context.Context, escrowID string, currency btc.Currency, creator string, amount uint64, unconfirmed []utxo.UTXO) error {
	payouts := []Payout{{UserID: creator, Amount: amount, Type: TxEscrowRefund}}
	_, err := a.l.Settle(ctx, escrowID, currency, append(payouts, pendingPayouts(creator, unconfirmed)...))
	return err
}

func pendingPayouts(user string, outputs []utxo.UTXO) []Payout {
	out := make([]Payout, 0, len(outputs))
	for _, u := range outputs {
		out = append(out, Payout{UserID: user, Amount: u.Amount, Type: TxEscrowRefund, Pending: true, Reference: u.Key()})
	}
	return out
}
