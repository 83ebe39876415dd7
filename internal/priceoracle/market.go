package priceoracle

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for testability, grounded on the
// teacher's swap.HTTPDoer.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MarketDataOracle adapts a simple REST price endpoint returning
// {"rate": "<decimal>", "timestamp": <unix seconds>} for a requested
// fiat/crypto pair, grounded on the teacher's NowPaymentsOracle adapter.
type MarketDataOracle struct {
	client   HTTPDoer
	endpoint string
}

// NewMarketDataOracle constructs a market-data oracle. A nil client falls
// back to http.DefaultClient.
func NewMarketDataOracle(client HTTPDoer, endpoint string) *MarketDataOracle {
	if client == nil {
		client = http.DefaultClient
	}
	return &MarketDataOracle{client: client, endpoint: strings.TrimSpace(endpoint)}
}

// GetRate implements ChildOracle.
func (o *MarketDataOracle) GetRate(fiat, crypto string) (Quote, error) {
	if o == nil || o.endpoint == "" {
		return Quote{}, fmt.Errorf("priceoracle: market data endpoint not configured")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("fiat", strings.ToLower(strings.TrimSpace(fiat)))
	values.Set("crypto", strings.ToLower(strings.TrimSpace(crypto)))
	req.URL.RawQuery = values.Encode()

	resp, err := o.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("priceoracle: market data status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("priceoracle: decode market data response: %w", err)
	}
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Rate))
	if !ok || rate.Sign() <= 0 {
		return Quote{}, fmt.Errorf("priceoracle: invalid market data rate %q", payload.Rate)
	}
	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0).UTC()
	}
	return Quote{Rate: rate, TakenAt: ts, Source: "market-data"}, nil
}
