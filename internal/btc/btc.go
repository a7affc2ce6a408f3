// Package btc holds the Bitcoin-denominated primitives shared by the escrow,
// UTXO and wallet packages: currencies, satoshi amounts, txids and network
// parameters.
//
// All amounts are stored as uint64 satoshis (1 BTC = 100,000,000 sats).
// ckBTC is pegged 1:1 and uses the same unit.
package btc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidTxID     = errors.New("invalid txid")
	ErrUnknownNetwork  = errors.New("unknown bitcoin network")
)

// Currency is the settlement asset of an escrow or balance.
type Currency string

const (
	BTC   Currency = "BTC"
	CkBTC Currency = "ckBTC"
)

// Currencies lists every supported currency.
var Currencies = []Currency{BTC, CkBTC}

// ParseCurrency accepts the canonical names case-insensitively.
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "btc":
		return BTC, nil
	case "ckbtc":
		return CkBTC, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == BTC || c == CkBTC
}

// UnmarshalJSON normalizes the currency name so "ckbtc" and "CkBTC" both
// decode to CkBTC.
func (c *Currency) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseCurrency(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Format renders a satoshi amount as a BTC decimal string with 8 places
// (e.g. 150000 -> "0.00150000").
func Format(sats uint64) string {
	return strconv.FormatFloat(btcutil.Amount(sats).ToBTC(), 'f', 8, 64)
}

// ValidAmount reports whether sats is a positive amount no larger than the
// 21 million BTC supply.
func ValidAmount(sats uint64) bool {
	return sats > 0 && sats <= uint64(btcutil.MaxSatoshi)
}

// Parse converts a BTC decimal string (e.g. "0.0015") to satoshis.
// Negative, non-numeric and out-of-range values are rejected.
func Parse(s string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil || amt < 0 || amt > btcutil.MaxSatoshi {
		return 0, false
	}
	return uint64(amt), true
}

// ValidTxID reports whether txid is a 64-char hex transaction hash.
func ValidTxID(txid string) error {
	if len(txid) != chainhash.MaxHashStringSize {
		return fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidTxID, chainhash.MaxHashStringSize, len(txid))
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTxID, err)
	}
	return nil
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

// ValidateAddress decodes addr and checks it belongs to the given network.
func ValidateAddress(addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return err
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %s is not for network %s", addr, params.Name)
	}
	return nil
}
