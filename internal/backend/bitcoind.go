package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Bitcoind implements Backend against bitcoind's JSON-RPC interface.
// UTXO lookup uses scantxoutset, so no wallet or address import is
// needed on the node.
type Bitcoind struct {
	url     string
	user    string
	pass    string
	net     *chaincfg.Params
	client  *http.Client
	reqID   atomic.Uint64
	mu      sync.Mutex
	started bool
}

// NewBitcoind creates a bitcoind backend. timeout is in seconds; zero
// means 30.
func NewBitcoind(url, user, pass string, timeout int, net *chaincfg.Params) *Bitcoind {
	if timeout <= 0 {
		timeout = 30
	}
	return &Bitcoind{
		url:    url,
		user:   user,
		pass:   pass,
		net:    net,
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (b *Bitcoind) Type() Type { return TypeBitcoind }

func (b *Bitcoind) Connect(ctx context.Context) error {
	if _, err := b.TipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *Bitcoind) Close() error {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	return nil
}

func (b *Bitcoind) TipHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := b.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (b *Bitcoind) UTXOsForScript(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	var result struct {
		Height   int64 `json:"height"`
		Unspents []struct {
			TxID   string  `json:"txid"`
			Vout   uint32  `json:"vout"`
			Amount float64 `json:"amount"`
			Height int64   `json:"height"`
		} `json:"unspents"`
	}
	descriptor := "raw(" + hex.EncodeToString(pkScript) + ")"
	if err := b.call(ctx, "scantxoutset", []any{"start", []string{descriptor}}, &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, 0, len(result.Unspents))
	for _, u := range result.Unspents {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("bad utxo txid %q: %w", u.TxID, err)
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("bad utxo amount %v: %w", u.Amount, err)
		}
		var confs int64
		if u.Height > 0 && result.Height >= u.Height {
			confs = result.Height - u.Height + 1
		}
		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *txid, Index: u.Vout},
			Amount:        amount,
			Confirmations: confs,
			PkScript:      pkScript,
		})
	}
	return utxos, nil
}

func (b *Bitcoind) TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error) {
	var result struct {
		Confirmations uint64 `json:"confirmations"`
	}
	err := b.call(ctx, "getrawtransaction", []any{txid.String(), 1}, &result)
	if err != nil {
		if isNotFoundRPC(err) {
			return &TxStatus{}, nil
		}
		return nil, err
	}
	return &TxStatus{Seen: true, Confirmations: result.Confirmations}, nil
}

func (b *Bitcoind) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var hexStr string
	if err := b.call(ctx, "getrawtransaction", []any{txid.String()}, &hexStr); err != nil {
		if isNotFoundRPC(err) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("bad transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txid, err)
	}
	return tx, nil
}

func (b *Bitcoind) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}
	var hashStr string
	if err := b.call(ctx, "sendrawtransaction", []any{hex.EncodeToString(buf.Bytes())}, &hashStr); err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcastFailed, err)
	}
	txid, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: bad txid %q", ErrBroadcastFailed, hashStr)
	}
	return *txid, nil
}

func (b *Bitcoind) FeeRate(ctx context.Context, targetBlocks int) (btcutil.Amount, error) {
	var result struct {
		FeeRate float64 `json:"feerate"`
	}
	if err := b.call(ctx, "estimatesmartfee", []any{targetBlocks}, &result); err != nil {
		return 0, err
	}
	// estimatesmartfee answers in BTC/kvB; regtest often has no estimate.
	if result.FeeRate <= 0 {
		return 1, nil
	}
	rate := btcutil.Amount(result.FeeRate * 1e8 / 1000)
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Code -5 is bitcoind's "No such mempool or blockchain transaction".
func isNotFoundRPC(err error) bool {
	rpcErr, ok := err.(*rpcError)
	return ok && rpcErr.Code == -5
}

func (b *Bitcoind) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "1.0",
		"id":      b.reqID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.user != "" {
		req.SetBasicAuth(b.user, b.pass)
	}

	resp, err := b.client.Do(req)
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
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("bad rpc response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

var _ Backend = (*Bitcoind)(nil)
