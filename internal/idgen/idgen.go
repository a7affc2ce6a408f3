// Package idgen generates identifiers for escrows, ledger transactions and
// transfers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

const (
	EscrowPrefix      = "esc_"
	TransactionPrefix = "tx_"
	TransferPrefix    = "xfer_"
)

// New returns a random v4 UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex chars of a random UUID
// (e.g. "esc_9f0c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Escrow returns a new escrow ID.
func Escrow() string { return WithPrefix(EscrowPrefix) }

// Transaction returns a new ledger transaction ID.
func Transaction() string { return WithPrefix(TransactionPrefix) }

// Transfer returns a new reference shared by both legs of a wallet transfer.
func Transfer() string { return WithPrefix(TransferPrefix) }
