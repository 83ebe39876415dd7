package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// rpcServer builds an httptest server that decodes the jsonRPCRequest
// envelope and replies with whatever handler returns for that method.
func rpcServer(t *testing.T, handlers map[string]func(req jsonRPCRequest) (interface{}, *jsonRPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		handler, ok := handlers[req.Method]
		if !ok {
			t.Fatalf("unexpected method %s", req.Method)
		}
		result, rpcErr := handler(req)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			buf, err := json.Marshal(result)
			if err != nil {
				t.Fatalf("marshal result: %v", err)
			}
			resp.Result = buf
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestCreatePaymentParsesTxHash(t *testing.T) {
	server := rpcServer(t, map[string]func(jsonRPCRequest) (interface{}, *jsonRPCError){
		"escrow_createPayment": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]string{"txHash": "0xabc"}, nil
		},
	})
	defer server.Close()

	client := NewRPCClient(server.URL, "token123", "0xcontract")
	tx, err := client.CreatePayment(context.Background(), "wallet1", "10.5", 100)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if tx != "0xabc" {
		t.Errorf("expected tx hash 0xabc, got %q", tx)
	}
}

func TestRPCClientSetsBearerHeader(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
		buf, _ := json.Marshal(map[string]uint64{"height": 42})
		resp.Result = buf
		json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRPCClient(server.URL, "secret-token", "0xcontract")
	height, err := client.FinalizedHeight(context.Background())
	if err != nil {
		t.Fatalf("finalized height: %v", err)
	}
	if height != 42 {
		t.Errorf("expected height 42, got %d", height)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected Bearer auth header, got %q", gotAuth)
	}
}

func TestReleaseRefundCancelAndPayout(t *testing.T) {
	server := rpcServer(t, map[string]func(jsonRPCRequest) (interface{}, *jsonRPCError){
		"escrow_release": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]string{"txHash": "0xrelease"}, nil
		},
		"escrow_refund": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]string{"txHash": "0xrefund"}, nil
		},
		"escrow_cancel": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]string{"txHash": "0xcancel"}, nil
		},
		"escrow_payout": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]string{"txHash": "0xpayout"}, nil
		},
	})
	defer server.Close()

	client := NewRPCClient(server.URL, "", "0xcontract")
	ctx := context.Background()

	if tx, err := client.Release(ctx, 1); err != nil || tx != "0xrelease" {
		t.Errorf("release: tx=%q err=%v", tx, err)
	}
	if tx, err := client.Refund(ctx, 1); err != nil || tx != "0xrefund" {
		t.Errorf("refund: tx=%q err=%v", tx, err)
	}
	if tx, err := client.Cancel(ctx, 1); err != nil || tx != "0xcancel" {
		t.Errorf("cancel: tx=%q err=%v", tx, err)
	}
	if tx, err := client.Payout(ctx, "wallet", "5.0"); err != nil || tx != "0xpayout" {
		t.Errorf("payout: tx=%q err=%v", tx, err)
	}
}

func TestFetchEventsAndIsFunded(t *testing.T) {
	server := rpcServer(t, map[string]func(jsonRPCRequest) (interface{}, *jsonRPCError){
		"escrow_eventsSince": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return []Event{{Type: EventDeposited, PaymentID: 7, Block: 10}}, nil
		},
		"escrow_isFunded": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return map[string]bool{"funded": true}, nil
		},
	})
	defer server.Close()

	client := NewRPCClient(server.URL, "", "0xcontract")
	events, err := client.FetchEvents(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("fetch events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDeposited || events[0].PaymentID != 7 {
		t.Fatalf("unexpected events: %+v", events)
	}

	funded, err := client.IsFunded(context.Background(), 7)
	if err != nil {
		t.Fatalf("is funded: %v", err)
	}
	if !funded {
		t.Error("expected funded=true")
	}
}

func TestCallSurfacesRPCErrorMessage(t *testing.T) {
	server := rpcServer(t, map[string]func(jsonRPCRequest) (interface{}, *jsonRPCError){
		"escrow_release": func(req jsonRPCRequest) (interface{}, *jsonRPCError) {
			return nil, &jsonRPCError{Code: -32000, Message: "payment not found"}
		},
	})
	defer server.Close()

	client := NewRPCClient(server.URL, "", "0xcontract")
	_, err := client.Release(context.Background(), 999)
	if err == nil || !strings.Contains(err.Error(), "payment not found") {
		t.Fatalf("expected rpc error message to surface, got %v", err)
	}
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected a JSON-RPC application error to be classified as ErrReverted, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("a contract-level rejection must not also be classified as ErrUnavailable: %v", err)
	}
}

func TestCallWrapsTransportFailureAsUnavailable(t *testing.T) {
	client := NewRPCClient("http://127.0.0.1:0", "", "0xcontract")
	_, err := client.FinalizedHeight(context.Background())
	if err == nil || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCallWrapsNonOKStatusAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewRPCClient(server.URL, "", "0xcontract")
	_, err := client.FinalizedHeight(context.Background())
	if err == nil || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestContractAddress(t *testing.T) {
	client := NewRPCClient("http://example.test", "", "0xcontract-addr")
	if client.ContractAddress() != "0xcontract-addr" {
		t.Errorf("expected contract address passthrough, got %q", client.ContractAddress())
	}
}
