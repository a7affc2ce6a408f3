// Package signer issues deposit addresses. The production issuer is the
// remote signing service; Deterministic derives P2WPKH addresses locally
// from a seed for development and tests.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"

	"github.com/satsafe/escrowd/internal/btc"
)

var (
	ErrEmptySeed  = errors.New("signer: seed must not be empty")
	ErrEmptyOwner = errors.New("signer: owner must not be empty")
)

// Deterministic derives one P2WPKH address per (owner, currency). The same
// inputs always produce the same address, and distinct owners produce
// distinct addresses.
type Deterministic struct {
	seed   []byte
	params *chaincfg.Params
}

// NewDeterministic creates an issuer for the given network.
func NewDeterministic(seed string, params *chaincfg.Params) (*Deterministic, error) {
	if seed == "" {
		return nil, ErrEmptySeed
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Deterministic{seed: []byte(seed), params: params}, nil
}

// DepositAddress implements escrow.AddressIssuer and wallet.AddressIssuer.
func (d *Deterministic) DepositAddress(ctx context.Context, owner string, currency btc.Currency) (string, error) {
	if owner == "" {
		return "", ErrEmptyOwner
	}
	if !currency.Valid() {
		return "", fmt.Errorf("signer: %w: %q", btc.ErrUnknownCurrency, currency)
	}

	_, pub := btcec.PrivKeyFromBytes(btcec.S256(), d.derive(owner, currency))
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), d.params)
	if err != nil {
		return "", fmt.Errorf("signer: derive address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (d *Deterministic) derive(owner string, currency btc.Currency) []byte {
	mac := hmac.New(sha256.New, d.seed)
	mac.Write([]byte("escrowd/deposit/"))
	mac.Write([]byte(currency))
	mac.Write([]byte{0})
	mac.Write([]byte(owner))
	return mac.Sum(nil)
}
