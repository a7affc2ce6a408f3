package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/satsafe/escrowd/internal/httpjson"
)

// AddressUTXO is one unspent output as reported by an Esplora API.
type AddressUTXO struct {
	TxID   string    `json:"txid"`
	Vout   uint32    `json:"vout"`
	Value  uint64    `json:"value"`
	Status TxnStatus `json:"status"`
}

// TxnStatus is the confirmation status of a transaction.
type TxnStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// Confirmations returns the confirmation count at tip.
func (s TxnStatus) Confirmations(tip uint64) uint32 {
	if !s.Confirmed || s.BlockHeight == 0 || tip < s.BlockHeight {
		return 0
	}
	return uint32(tip - s.BlockHeight + 1)
}

// Esplora is a client for the Esplora REST API (blockstream.info,
// mempool.space, or a self-hosted electrs).
type Esplora struct {
	http *httpjson.Client
}

// NewEsplora creates a client for the API rooted at baseURL
// (e.g. "https://blockstream.info/testnet/api").
func NewEsplora(baseURL string) *Esplora {
	return &Esplora{http: httpjson.New("esplora", baseURL, 15*time.Second)}
}

// WithClient replaces the underlying HTTP client (tests).
func (e *Esplora) WithClient(c *httpjson.Client) *Esplora {
	e.http = c
	return e
}

// TipHeight returns the current best block height.
func (e *Esplora) TipHeight(ctx context.Context) (uint64, error) {
	raw, err := e.http.DoRaw(ctx, http.MethodGet, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("esplora: parse tip height %q: %w", raw, err)
	}
	return h, nil
}

// AddressUTXOs lists unspent outputs paying address, confirmed or not.
func (e *Esplora) AddressUTXOs(ctx context.Context, address string) ([]AddressUTXO, error) {
	var out []AddressUTXO
	if err := e.http.Do(ctx, http.MethodGet, "/address/"+url.PathEscape(address)+"/utxo", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
