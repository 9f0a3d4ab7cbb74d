package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/storage"
	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

func testServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	s := NewServer(deps)
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, params interface{}) Response {
	t.Helper()
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      1,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	httpResp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestUnknownMethod(t *testing.T) {
	srv := testServer(t, Deps{})
	resp := call(t, srv, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestInvalidVersion(t *testing.T) {
	srv := testServer(t, Deps{})
	body := []byte(`{"jsonrpc":"1.0","method":"node_info","id":1}`)
	httpResp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", resp)
	}
}

func TestParseError(t *testing.T) {
	srv := testServer(t, Deps{})
	httpResp, err := http.Post(srv.URL, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Fatalf("expected ParseError, got %+v", resp)
	}
}

func TestUnavailableComponent(t *testing.T) {
	srv := testServer(t, Deps{})
	for _, method := range []string{"node_info", "wallet_balance", "swap_list", "maker_quote", "taker_quote"} {
		resp := call(t, srv, method, nil)
		if resp.Error == nil || resp.Error.Code != InternalError {
			t.Errorf("%s: expected InternalError, got %+v", method, resp)
		}
	}
}

func TestSwapListAndStatus(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	swapID := uuid.New()
	for _, state := range []string{"started", "btc_locked"} {
		if err := store.InsertLatestState(swapID, swap.RoleTaker, state, []byte("{}")); err != nil {
			t.Fatal(err)
		}
	}

	srv := testServer(t, Deps{Store: store})

	resp := call(t, srv, "swap_list", nil)
	if resp.Error != nil {
		t.Fatalf("swap_list error: %+v", resp.Error)
	}
	var infos []SwapInfo
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].SwapID != swapID.String() || infos[0].State != "btc_locked" {
		t.Fatalf("unexpected swap list %+v", infos)
	}

	resp = call(t, srv, "swap_status", map[string]string{"swap_id": swapID.String()})
	if resp.Error != nil {
		t.Fatalf("swap_status error: %+v", resp.Error)
	}
	var status SwapStatus
	raw, _ = json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatal(err)
	}
	if status.Role != "taker" || len(status.History) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = call(t, srv, "swap_status", map[string]string{"swap_id": uuid.New().String()})
	if resp.Error == nil {
		t.Fatal("expected error for unknown swap")
	}

	resp = call(t, srv, "swap_status", map[string]string{"swap_id": "garbage"})
	if resp.Error == nil {
		t.Fatal("expected error for malformed swap id")
	}
}

func TestSwapTake(t *testing.T) {
	want := uuid.New()
	var gotMaker string
	var gotSats uint64
	var gotAddr string

	srv := testServer(t, Deps{
		TakeSwap: func(_ context.Context, maker string, satoshis uint64, xmrAddress string) (uuid.UUID, error) {
			gotMaker = maker
			gotSats = satoshis
			gotAddr = xmrAddress
			return want, nil
		},
	})

	resp := call(t, srv, "swap_take", map[string]interface{}{
		"maker":       "12D3KooWMaker",
		"satoshis":    500_000,
		"xmr_address": "59McWTPGc745",
	})
	if resp.Error != nil {
		t.Fatalf("swap_take error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["swap_id"] != want.String() {
		t.Fatalf("unexpected result %+v", resp.Result)
	}
	if gotMaker != "12D3KooWMaker" || gotSats != 500_000 || gotAddr != "59McWTPGc745" {
		t.Fatalf("handler got %s / %d / %s", gotMaker, gotSats, gotAddr)
	}

	resp = call(t, srv, "swap_take", map[string]interface{}{"maker": "", "satoshis": 0})
	if resp.Error == nil {
		t.Fatal("expected error for missing parameters")
	}
}
