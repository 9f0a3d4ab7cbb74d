package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Esplora implements Backend against the Esplora HTTP API, which
// blockstream.info and mempool.space both serve.
type Esplora struct {
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	connected bool
}

// NewEsplora creates an Esplora backend. timeout is in seconds; zero
// means 30.
func NewEsplora(baseURL string, timeout int) *Esplora {
	if timeout <= 0 {
		timeout = 30
	}
	return &Esplora{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (e *Esplora) Type() Type { return TypeEsplora }

// Connect probes the API by fetching the tip height.
func (e *Esplora) Connect(ctx context.Context) error {
	if _, err := e.TipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *Esplora) Close() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

func (e *Esplora) TipHeight(ctx context.Context) (int64, error) {
	body, err := e.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad tip height %q: %w", body, err)
	}
	return height, nil
}

func (e *Esplora) UTXOsForScript(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}
	if err := e.getJSON(ctx, "/scripthash/"+esploraScriptHash(pkScript)+"/utxo", &result); err != nil {
		return nil, err
	}

	tip, err := e.TipHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, 0, len(result))
	for _, u := range result {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("bad utxo txid %q: %w", u.TxID, err)
		}
		var confs int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 && tip >= u.Status.BlockHeight {
			confs = tip - u.Status.BlockHeight + 1
		}
		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *txid, Index: u.Vout},
			Amount:        btcutil.Amount(u.Value),
			Confirmations: confs,
			PkScript:      pkScript,
		})
	}
	return utxos, nil
}

func (e *Esplora) TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error) {
	var result struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	}
	err := e.getJSON(ctx, "/tx/"+txid.String()+"/status", &result)
	if err == ErrTxNotFound {
		return &TxStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &TxStatus{Seen: true, BlockHeight: result.BlockHeight}
	if result.Confirmed && result.BlockHeight > 0 {
		tip, err := e.TipHeight(ctx)
		if err == nil && tip >= result.BlockHeight {
			status.Confirmations = uint64(tip - result.BlockHeight + 1)
		}
	}
	return status, nil
}

func (e *Esplora) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	body, err := e.getRaw(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("bad transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txid, err)
	}
	return tx, nil
}

func (e *Esplora) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx",
		strings.NewReader(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		return chainhash.Hash{}, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.client.Do(req)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	txid, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("bad broadcast response %q: %w", body, err)
	}
	return *txid, nil
}

func (e *Esplora) FeeRate(ctx context.Context, targetBlocks int) (btcutil.Amount, error) {
	// Esplora serves /fee-estimates as {"1": satvB, "2": ...};
	// mempool.space instances answer on /v1/fees/recommended instead.
	var estimates map[string]float64
	if err := e.getJSON(ctx, "/fee-estimates", &estimates); err == nil && len(estimates) > 0 {
		if rate, ok := estimates[strconv.Itoa(targetBlocks)]; ok && rate >= 1 {
			return btcutil.Amount(rate), nil
		}
		best := 0.0
		for k, v := range estimates {
			t, err := strconv.Atoi(k)
			if err != nil || t < targetBlocks {
				continue
			}
			if best == 0 || v > best {
				best = v
			}
		}
		if best >= 1 {
			return btcutil.Amount(best), nil
		}
	}

	var recommended struct {
		FastestFee uint64 `json:"fastestFee"`
		HourFee    uint64 `json:"hourFee"`
	}
	if err := e.getJSON(ctx, "/v1/fees/recommended", &recommended); err != nil {
		return 0, err
	}
	if targetBlocks <= 1 && recommended.FastestFee > 0 {
		return btcutil.Amount(recommended.FastestFee), nil
	}
	if recommended.HourFee > 0 {
		return btcutil.Amount(recommended.HourFee), nil
	}
	return 1, nil
}

func (e *Esplora) getJSON(ctx context.Context, path string, result any) error {
	body, err := e.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (e *Esplora) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTxNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

var _ Backend = (*Esplora)(nil)
