package btc

import (
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want Currency
	}{
		{"BTC", BTC},
		{"btc", BTC},
		{"ckBTC", CkBTC},
		{"CkBTC", CkBTC},
		{" ckbtc ", CkBTC},
	}
	for _, tt := range tests {
		got, err := ParseCurrency(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseCurrency("ETH")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestCurrency_UnmarshalJSON(t *testing.T) {
	var body struct {
		Currency Currency `json:"currency"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"currency":"CkBTC"}`), &body))
	assert.Equal(t, CkBTC, body.Currency)

	assert.Error(t, json.Unmarshal([]byte(`{"currency":"DOGE"}`), &body))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.00100000", Format(100_000))
	assert.Equal(t, "1.00000000", Format(100_000_000))
	assert.Equal(t, "0.00000001", Format(1))
	assert.Equal(t, "0.00000000", Format(0))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want uint64
		ok   bool
	}{
		{"one btc", "1", 100_000_000, true},
		{"one sat", "0.00000001", 1, true},
		{"milli", "0.001", 100_000, true},
		{"empty", "", 0, true},
		{"negative", "-1", 0, false},
		{"garbage", "abc", 0, false},
		{"over supply", "21000001", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestValidTxID(t *testing.T) {
	assert.NoError(t, ValidTxID("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"))
	assert.ErrorIs(t, ValidTxID("abc"), ErrInvalidTxID)
	assert.ErrorIs(t, ValidTxID("zz5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"), ErrInvalidTxID)
}

func TestNetworkParams(t *testing.T) {
	p, err := NetworkParams("testnet")
	require.NoError(t, err)
	assert.Equal(t, chaincfg.TestNet3Params.Name, p.Name)

	_, err = NetworkParams("dogenet")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestValidateAddress(t *testing.T) {
	// BIP-173 test vector.
	assert.NoError(t, ValidateAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.MainNetParams))
	assert.Error(t, ValidateAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.TestNet3Params))
	assert.Error(t, ValidateAddress("not-an-address", &chaincfg.MainNetParams))
}
