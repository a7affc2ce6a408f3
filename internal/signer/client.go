package signer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/httpjson"
)

// Client asks the remote signing service for deposit addresses.
//
//	POST /addresses {"owner": "...", "currency": "BTC"} -> {"address": "bc1..."}
type Client struct {
	http   *httpjson.Client
	params *chaincfg.Params
}

// NewClient creates a signing service client. Returned addresses are
// checked against params before use.
func NewClient(baseURL, apiKey string, params *chaincfg.Params) *Client {
	c := httpjson.New("signer", baseURL, 10*time.Second)
	if apiKey != "" {
		c.WithHeader("Authorization", "Bearer "+apiKey)
	}
	return &Client{http: c, params: params}
}

type addressRequest struct {
	Owner    string       `json:"owner"`
	Currency btc.Currency `json:"currency"`
}

type addressResponse struct {
	Address string `json:"address"`
}

func (c *Client) DepositAddress(ctx context.Context, owner string, currency btc.Currency) (string, error) {
	if owner == "" {
		return "", ErrEmptyOwner
	}
	var resp addressResponse
	if err := c.http.Do(ctx, http.MethodPost, "/addresses", addressRequest{Owner: owner, Currency: currency}, &resp); err != nil {
		return "", err
	}
	if c.params != nil {
		if err := btc.ValidateAddress(resp.Address, c.params); err != nil {
			return "", fmt.Errorf("signer returned invalid address %q: %w", resp.Address, err)
		}
	}
	return resp.Address, nil
}
