// Package chainclient abstracts the escrow chain: submitting transactions,
// reading contract state, and fetching finalized contract events by
// sequence. Grounded on the teacher's services/escrow-gateway NodeClient /
// RPCNodeClient JSON-RPC 2.0 pair.
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnavailable wraps any transport-level failure talking to the chain,
// translated by the intent engine into the CHAIN_UNAVAILABLE API error.
var ErrUnavailable = errors.New("chainclient: unavailable")

// ErrReverted marks a JSON-RPC application-level error: the request reached
// the node and the contract call itself was rejected, as opposed to
// ErrUnavailable's transport-level failure. The intent engine uses this
// distinction to tell a permanent contract revert from a transient
// unreachability that is worth retrying.
var ErrReverted = errors.New("chainclient: contract call reverted")

// EventType enumerates the escrow contract's event schema (spec §6).
type EventType string

const (
	EventPaymentCreated  EventType = "PaymentCreated"
	EventDeposited       EventType = "Deposited"
	EventPaymentReleased EventType = "PaymentReleased"
	EventPaymentRefunded EventType = "PaymentRefunded"
	EventPaymentCanceled EventType = "PaymentCanceled"
)

// Event is a single finalized escrow contract event.
type Event struct {
	BlockHash string            `json:"blockHash"`
	LogIndex  uint32            `json:"logIndex"`
	Block     uint64            `json:"block"`
	Type      EventType         `json:"type"`
	PaymentID int64             `json:"paymentId"`
	Attrs     map[string]string `json:"attrs"`
	TxHash    string            `json:"txHash"`
}

// Client is the capability surface the intent engine and event ingestor
// depend on. A production implementation talks JSON-RPC to a node; tests
// substitute an in-memory fake.
type Client interface {
	CreatePayment(ctx context.Context, merchantWallet string, amount string, feeBps uint32) (txHash string, err error)
	Release(ctx context.Context, paymentID int64) (txHash string, err error)
	Refund(ctx context.Context, paymentID int64) (txHash string, err error)
	Cancel(ctx context.Context, paymentID int64) (txHash string, err error)
	FetchEvents(ctx context.Context, afterBlock uint64, limit int) ([]Event, error)
	FinalizedHeight(ctx context.Context) (uint64, error)
	IsFunded(ctx context.Context, paymentID int64) (bool, error)
	Payout(ctx context.Context, wallet string, amount string) (txHash string, err error)
	ContractAddress() string
}

// RPCClient implements Client over a JSON-RPC 2.0 HTTP endpoint, grounded
// on RPCNodeClient: same atomic request-ID counter, Bearer auth header and
// envelope shape.
type RPCClient struct {
	baseURL   string
	authToken string
	contract  string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a chain client against baseURL, authenticating
// with authToken and reporting contract as the deposit address.
func NewRPCClient(baseURL, authToken, contract string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		contract:  contract,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RPCClient) ContractAddress() string { return c.contract }

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: chain rpc %s status=%d body=%s", ErrUnavailable, method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s", ErrReverted, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: empty result for %s", ErrUnavailable, method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (c *RPCClient) CreatePayment(ctx context.Context, merchantWallet string, amount string, feeBps uint32) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{"merchant": merchantWallet, "amount": amount, "feeBps": feeBps}
	if err := c.call(ctx, "escrow_createPayment", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) Release(ctx context.Context, paymentID int64) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{"paymentId": paymentID}
	if err := c.call(ctx, "escrow_release", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) Refund(ctx context.Context, paymentID int64) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{"paymentId": paymentID}
	if err := c.call(ctx, "escrow_refund", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) Cancel(ctx context.Context, paymentID int64) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{"paymentId": paymentID}
	if err := c.call(ctx, "escrow_cancel", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) FetchEvents(ctx context.Context, afterBlock uint64, limit int) ([]Event, error) {
	params := map[string]interface{}{"after": afterBlock}
	if limit > 0 {
		params["limit"] = limit
	}
	var result []Event
	if err := c.call(ctx, "escrow_eventsSince", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// IsFunded reports whether the contract has observed a deposit against
// paymentID, consulted by the expire-intents job to distinguish an unfunded
// expiry (→ CANCELED) from a late deposit that should instead route through
// auto-release.
func (c *RPCClient) IsFunded(ctx context.Context, paymentID int64) (bool, error) {
	var result struct {
		Funded bool `json:"funded"`
	}
	params := map[string]interface{}{"paymentId": paymentID}
	if err := c.call(ctx, "escrow_isFunded", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Funded, nil
}

// Payout submits a transfer of amount (chain-native decimal string) from the
// gateway's settlement wallet to a merchant's wallet, used by the scheduler's
// payout-batch job to settle a batch of SUCCEEDED intents.
func (c *RPCClient) Payout(ctx context.Context, wallet string, amount string) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{"wallet": wallet, "amount": amount}
	if err := c.call(ctx, "escrow_payout", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) FinalizedHeight(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, "chain_finalizedHeight", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}
