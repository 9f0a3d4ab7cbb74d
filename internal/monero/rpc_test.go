package monero

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeWalletRPC serves canned monero-wallet-rpc responses keyed by method.
type fakeWalletRPC struct {
	t        *testing.T
	handlers map[string]func(params json.RawMessage) (any, *walletRPCError)
	calls    []string
}

func newFakeWalletRPC(t *testing.T) (*fakeWalletRPC, *WalletRPC) {
	t.Helper()
	f := &fakeWalletRPC{
		t:        t,
		handlers: make(map[string]func(json.RawMessage) (any, *walletRPCError)),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client := NewWalletRPC(WalletRPCConfig{
		URL:          srv.URL,
		Network:      NetworkStagenet,
		PollInterval: 5 * time.Millisecond,
	})
	return f, client
}

func (f *fakeWalletRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("bad request body: %v", err)
		return
	}
	f.calls = append(f.calls, req.Method)

	handler, ok := f.handlers[req.Method]
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"error":   &walletRPCError{Code: -32601, Message: "method not found: " + req.Method},
		})
		return
	}
	result, rpcErr := handler(req.Params)
	resp := map[string]any{"jsonrpc": "2.0"}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeWalletRPC) handle(method string, result any) {
	f.handlers[method] = func(json.RawMessage) (any, *walletRPCError) {
		return result, nil
	}
}

func TestWalletRPCHeight(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	f.handle("get_height", map[string]uint64{"height": 2_900_123})

	height, err := client.Height(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if height != 2_900_123 {
		t.Fatalf("got height %d", height)
	}
}

func TestWalletRPCLock(t *testing.T) {
	f, client := newFakeWalletRPC(t)

	dest, tipAddr := testAddresses(t)

	var gotDests []struct {
		Amount  uint64 `json:"amount"`
		Address string `json:"address"`
	}
	f.handlers["transfer"] = func(params json.RawMessage) (any, *walletRPCError) {
		var p struct {
			Destinations []struct {
				Amount  uint64 `json:"amount"`
				Address string `json:"address"`
			} `json:"destinations"`
			GetTxKey bool `json:"get_tx_key"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &walletRPCError{Code: -1, Message: err.Error()}
		}
		if !p.GetTxKey {
			return nil, &walletRPCError{Code: -1, Message: "get_tx_key not set"}
		}
		gotDests = p.Destinations
		return map[string]string{
			"tx_hash": "c0ffee",
			"tx_key":  "aabbccdd",
		}, nil
	}
	f.handle("get_height", map[string]uint64{"height": 100})

	amount := Amount(1_000_000_000_000)
	result, err := client.Lock(context.Background(), dest, amount, &TipSplit{Ratio: 0.1, Address: tipAddr})
	if err != nil {
		t.Fatal(err)
	}

	if result.Proof.TxHash != "c0ffee" {
		t.Errorf("tx hash %q", result.Proof.TxHash)
	}
	if len(result.Proof.TxKey) != 4 || result.Proof.TxKey[0] != 0xaa {
		t.Errorf("tx key %x", result.Proof.TxKey)
	}
	if result.Height != 100 {
		t.Errorf("height %d", result.Height)
	}

	if len(gotDests) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(gotDests))
	}
	if gotDests[0].Amount+gotDests[1].Amount != uint64(amount) {
		t.Errorf("destinations do not sum to the lock amount: %d + %d", gotDests[0].Amount, gotDests[1].Amount)
	}
	if gotDests[1].Amount != 100_000_000_000 {
		t.Errorf("tip amount %d", gotDests[1].Amount)
	}
	if gotDests[0].Address != dest.String() || gotDests[1].Address != tipAddr.String() {
		t.Error("destination addresses do not match")
	}
}

func TestWalletRPCLockNoTip(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	dest, _ := testAddresses(t)

	var destCount int
	f.handlers["transfer"] = func(params json.RawMessage) (any, *walletRPCError) {
		var p struct {
			Destinations []json.RawMessage `json:"destinations"`
		}
		json.Unmarshal(params, &p)
		destCount = len(p.Destinations)
		return map[string]string{"tx_hash": "aa", "tx_key": "bb"}, nil
	}
	f.handle("get_height", map[string]uint64{"height": 1})

	if _, err := client.Lock(context.Background(), dest, 500, nil); err != nil {
		t.Fatal(err)
	}
	if destCount != 1 {
		t.Fatalf("expected a single destination, got %d", destCount)
	}
}

func TestWalletRPCLockError(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	dest, _ := testAddresses(t)

	f.handlers["transfer"] = func(json.RawMessage) (any, *walletRPCError) {
		return nil, &walletRPCError{Code: -17, Message: "not enough money"}
	}

	_, err := client.Lock(context.Background(), dest, 500, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *walletRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -17 {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestWalletRPCWatchForLockTransfer(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	pair := testViewPair(t)

	f.handle("generate_from_keys", map[string]any{})
	f.handle("refresh", map[string]any{})
	f.handle("close_wallet", map[string]any{})

	amount := Amount(750_000)
	polls := 0
	f.handlers["get_transfers"] = func(json.RawMessage) (any, *walletRPCError) {
		polls++
		switch {
		case polls == 1:
			// Nothing seen yet.
			return map[string]any{}, nil
		case polls == 2:
			// In the pool, unconfirmed.
			return map[string]any{"pool": []incomingTransfer{
				{TxID: "beef", Amount: uint64(amount), Confirmations: 0},
			}}, nil
		default:
			return map[string]any{"in": []incomingTransfer{
				{TxID: "beef", Amount: uint64(amount), Confirmations: 10, Height: 120},
			}}, nil
		}
	}

	proof, err := client.WatchForLockTransfer(context.Background(), pair, amount, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if proof.TxHash != "beef" {
		t.Fatalf("tx hash %q", proof.TxHash)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestWalletRPCWatchAmountMismatch(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	pair := testViewPair(t)

	f.handle("generate_from_keys", map[string]any{})
	f.handle("refresh", map[string]any{})
	f.handle("close_wallet", map[string]any{})
	f.handle("get_transfers", map[string]any{"in": []incomingTransfer{
		{TxID: "beef", Amount: 400_000, Confirmations: 10},
	}})

	_, err := client.WatchForLockTransfer(context.Background(), pair, 750_000, 100, 10)
	if !errors.Is(err, ErrLockAmountMismatch) {
		t.Fatalf("expected ErrLockAmountMismatch, got %v", err)
	}
}

func TestWalletRPCWatchCancelled(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	pair := testViewPair(t)

	f.handle("generate_from_keys", map[string]any{})
	f.handle("refresh", map[string]any{})
	f.handle("close_wallet", map[string]any{})
	f.handle("get_transfers", map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WatchForLockTransfer(ctx, pair, 750_000, 100, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWalletRPCSweepJointOutput(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	dest, _ := testAddresses(t)

	spend, view := testKeys(t)

	var sawSpendKey bool
	f.handlers["generate_from_keys"] = func(params json.RawMessage) (any, *walletRPCError) {
		var p struct {
			SpendKey string `json:"spendkey"`
		}
		json.Unmarshal(params, &p)
		sawSpendKey = p.SpendKey != ""
		return map[string]any{}, nil
	}
	f.handle("refresh", map[string]any{})
	f.handle("close_wallet", map[string]any{})
	f.handle("sweep_all", map[string]any{"tx_hash_list": []string{"dead", "beef"}})

	hashes, err := client.SweepJointOutput(context.Background(), spend, view, 100, dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 2 || hashes[0] != "dead" {
		t.Fatalf("unexpected hashes %v", hashes)
	}
	if !sawSpendKey {
		t.Error("restore did not include the spend key")
	}
}

func TestWalletRPCRestoreFallsBackToOpen(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	pair := testViewPair(t)

	f.handlers["generate_from_keys"] = func(json.RawMessage) (any, *walletRPCError) {
		return nil, &walletRPCError{Code: -21, Message: "Wallet already exists."}
	}
	f.handle("open_wallet", map[string]any{})
	f.handle("refresh", map[string]any{})
	f.handle("close_wallet", map[string]any{})
	f.handle("get_transfers", map[string]any{"in": []incomingTransfer{
		{TxID: "beef", Amount: 500, Confirmations: 10},
	}})

	if _, err := client.WatchForLockTransfer(context.Background(), pair, 500, 100, 10); err != nil {
		t.Fatal(err)
	}
}

func TestWalletRPCBalanceAndAddress(t *testing.T) {
	f, client := newFakeWalletRPC(t)
	addr, _ := testAddresses(t)

	f.handle("get_balance", map[string]uint64{
		"balance":          2_000_000,
		"unlocked_balance": 1_500_000,
	})
	f.handle("get_address", map[string]string{"address": addr.String()})

	balance, err := client.Balance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if balance != 1_500_000 {
		t.Fatalf("got balance %d", balance)
	}

	got, err := client.PrimaryAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != addr.String() {
		t.Fatalf("address mismatch: %s", got)
	}
}

func testKeys(t *testing.T) (*PrivateSpendKey, *PrivateViewKey) {
	t.Helper()
	k, err := NewRandomPrivateViewKey()
	if err != nil {
		t.Fatal(err)
	}
	view, err := NewRandomPrivateViewKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewPrivateSpendKey(k.Scalar()), view
}

func testViewPair(t *testing.T) ViewPair {
	t.Helper()
	spend, view := testKeys(t)
	return ViewPair{SpendPublic: spend.Public(), ViewPrivate: view}
}

func testAddresses(t *testing.T) (Address, Address) {
	t.Helper()
	spend1, view1 := testKeys(t)
	addr1, err := NewAddress(NetworkStagenet, spend1.Public(), view1.Public())
	if err != nil {
		t.Fatal(err)
	}
	spend2, view2 := testKeys(t)
	addr2, err := NewAddress(NetworkStagenet, spend2.Public(), view2.Public())
	if err != nil {
		t.Fatal(err)
	}
	return addr1, addr2
}
