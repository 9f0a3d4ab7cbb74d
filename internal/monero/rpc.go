package monero

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// WalletRPC implements Wallet against monero-wallet-rpc. The joint-key
// operations restore throwaway wallets on the rpc server via
// generate_from_keys, so the daemon it points at must be dedicated to
// the swap process.
type WalletRPC struct {
	url     string
	network Network
	client  *http.Client
	reqID   atomic.Uint64

	// pollInterval paces the WatchForLockTransfer scan loop.
	pollInterval time.Duration
}

// WalletRPCConfig configures the client.
type WalletRPCConfig struct {
	// URL of the wallet-rpc json_rpc endpoint.
	URL     string
	Network Network

	// Timeout is the per-request timeout in seconds; zero means 120.
	// Wallet restores and sweeps can be slow.
	Timeout int

	// PollInterval paces chain scans; zero means 10s.
	PollInterval time.Duration
}

// NewWalletRPC creates the client. Callers should check connectivity
// with Height before first use.
func NewWalletRPC(cfg WalletRPCConfig) *WalletRPC {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 10 * time.Second
	}
	return &WalletRPC{
		url:          cfg.URL,
		network:      cfg.Network,
		client:       &http.Client{Timeout: time.Duration(timeout) * time.Second},
		pollInterval: poll,
	}
}

// Height returns the wallet's current chain height.
func (w *WalletRPC) Height(ctx context.Context) (BlockHeight, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := w.call(ctx, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return BlockHeight(result.Height), nil
}

// PrimaryAddress returns the wallet's own primary address.
func (w *WalletRPC) PrimaryAddress(ctx context.Context) (Address, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := w.call(ctx, "get_address", map[string]any{"account_index": 0}, &result); err != nil {
		return Address{}, err
	}
	return ParseAddress(result.Address, w.network)
}

// Balance returns the wallet's unlocked balance.
func (w *WalletRPC) Balance(ctx context.Context) (Amount, error) {
	var result struct {
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	if err := w.call(ctx, "get_balance", map[string]any{"account_index": 0}, &result); err != nil {
		return 0, err
	}
	return Amount(result.UnlockedBalance), nil
}

// Lock sends amount to the joint address, splitting off the tip portion
// in the same transaction when configured, and returns the transfer
// proof with the height the transaction entered the pool at.
func (w *WalletRPC) Lock(ctx context.Context, dest Address, amount Amount, tip *TipSplit) (*LockResult, error) {
	type destination struct {
		Amount  uint64 `json:"amount"`
		Address string `json:"address"`
	}
	destinations := []destination{{Amount: uint64(amount), Address: dest.String()}}
	if tip != nil && tip.Ratio > 0 {
		tipAmount := uint64(float64(amount) * tip.Ratio)
		if tipAmount > 0 {
			destinations[0].Amount -= tipAmount
			destinations = append(destinations, destination{
				Amount:  tipAmount,
				Address: tip.Address.String(),
			})
		}
	}

	var result struct {
		TxHash string `json:"tx_hash"`
		TxKey  string `json:"tx_key"`
	}
	params := map[string]any{
		"destinations": destinations,
		"get_tx_key":   true,
		"priority":     0,
	}
	if err := w.call(ctx, "transfer", params, &result); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", amount, err)
	}

	txKey, err := hex.DecodeString(result.TxKey)
	if err != nil {
		return nil, fmt.Errorf("wallet-rpc returned malformed tx key: %w", err)
	}
	height, err := w.Height(ctx)
	if err != nil {
		return nil, err
	}
	return &LockResult{
		Proof:  TransferProof{TxHash: result.TxHash, TxKey: txKey},
		Height: height,
	}, nil
}

// WatchForLockTransfer restores a view-only wallet for the pair and
// polls until an incoming output of exactly the given amount has the
// required confirmations. Detection does not use a received transfer
// proof; the scan alone decides.
func (w *WalletRPC) WatchForLockTransfer(ctx context.Context, pair ViewPair, amount Amount, restoreHeight BlockHeight, confirmations uint64) (*TransferProof, error) {
	addr, err := pair.Address(w.network)
	if err != nil {
		return nil, err
	}
	if err := w.restoreWallet(ctx, addr, nil, pair.ViewPrivate, restoreHeight); err != nil {
		return nil, err
	}
	defer w.closeWallet(ctx)

	for {
		if err := w.call(ctx, "refresh", map[string]any{"start_height": uint64(restoreHeight)}, nil); err != nil {
			return nil, err
		}

		transfer, err := w.findIncomingTransfer(ctx, uint64(restoreHeight))
		if err != nil {
			return nil, err
		}
		if transfer != nil {
			if Amount(transfer.Amount) != amount {
				return nil, fmt.Errorf("%w: got %s, agreed %s",
					ErrLockAmountMismatch, Amount(transfer.Amount), amount)
			}
			if transfer.Confirmations >= confirmations {
				return &TransferProof{TxHash: transfer.TxID}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// SweepJointOutput restores the full joint wallet from both shares and
// sweeps everything it controls to dest.
func (w *WalletRPC) SweepJointOutput(ctx context.Context, spend *PrivateSpendKey, view *PrivateViewKey, restoreHeight BlockHeight, dest Address) ([]string, error) {
	addr, err := NewAddress(w.network, spend.Public(), view.Public())
	if err != nil {
		return nil, err
	}
	if err := w.restoreWallet(ctx, addr, spend, view, restoreHeight); err != nil {
		return nil, err
	}
	defer w.closeWallet(ctx)

	if err := w.call(ctx, "refresh", map[string]any{"start_height": uint64(restoreHeight)}, nil); err != nil {
		return nil, err
	}

	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	params := map[string]any{
		"address":    dest.String(),
		"get_tx_key": true,
	}
	if err := w.call(ctx, "sweep_all", params, &result); err != nil {
		return nil, fmt.Errorf("failed to sweep joint output: %w", err)
	}
	if len(result.TxHashList) == 0 {
		return nil, fmt.Errorf("sweep produced no transactions")
	}
	return result.TxHashList, nil
}

var _ Wallet = (*WalletRPC)(nil)

// restoreWallet opens a throwaway wallet for the given keys. A nil
// spend key restores view-only.
func (w *WalletRPC) restoreWallet(ctx context.Context, addr Address, spend *PrivateSpendKey, view *PrivateViewKey, restoreHeight BlockHeight) error {
	params := map[string]any{
		// The filename keys the wallet to the address so re-restores of
		// the same pair reuse the cache.
		"filename":       "swap-" + addr.String()[:16],
		"address":        addr.String(),
		"viewkey":        hex.EncodeToString(view.Bytes()),
		"restore_height": uint64(restoreHeight),
		"password":       "",
		"autosave_current": true,
	}
	if spend != nil {
		params["spendkey"] = hex.EncodeToString(spend.Bytes())
	}
	err := w.call(ctx, "generate_from_keys", params, nil)
	if err == nil {
		return nil
	}
	// Already generated on a previous run; open it instead.
	openParams := map[string]any{
		"filename": params["filename"],
		"password": "",
	}
	if openErr := w.call(ctx, "open_wallet", openParams, nil); openErr != nil {
		return fmt.Errorf("failed to restore wallet: %w", err)
	}
	return nil
}

func (w *WalletRPC) closeWallet(ctx context.Context) {
	w.call(ctx, "close_wallet", nil, nil)
}

type incomingTransfer struct {
	TxID          string `json:"txid"`
	Amount        uint64 `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	Height        uint64 `json:"height"`
}

// findIncomingTransfer returns the first incoming transfer at or above
// minHeight, or nil when none has arrived yet.
func (w *WalletRPC) findIncomingTransfer(ctx context.Context, minHeight uint64) (*incomingTransfer, error) {
	var result struct {
		In   []incomingTransfer `json:"in"`
		Pool []incomingTransfer `json:"pool"`
	}
	params := map[string]any{
		"in":            true,
		"pool":          true,
		"filter_by_height": true,
		"min_height":    minHeight,
	}
	if err := w.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}
	if len(result.In) > 0 {
		return &result.In[0], nil
	}
	if len(result.Pool) > 0 {
		return &result.Pool[0], nil
	}
	return nil, nil
}

type walletRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *walletRPCError) Error() string {
	return fmt.Sprintf("wallet-rpc error %d: %s", e.Code, e.Message)
}

func (w *WalletRPC) call(ctx context.Context, method string, params any, result any) error {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      w.reqID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *walletRPCError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("bad wallet-rpc response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("bad wallet-rpc result for %s: %w", method, err)
		}
	}
	return nil
}
