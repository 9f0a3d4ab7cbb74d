package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Electrum implements Backend over the Electrum server protocol:
// newline-delimited JSON-RPC over TCP or TLS, with failover across a
// server list.
type Electrum struct {
	servers []string
	useTLS  bool
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

// NewElectrum creates an Electrum backend. Servers are "host:port"
// strings tried in order; timeout is in seconds, zero meaning 30.
func NewElectrum(servers []string, useTLS bool, timeout int) *Electrum {
	if timeout <= 0 {
		timeout = 30
	}
	return &Electrum{
		servers: servers,
		useTLS:  useTLS,
		timeout: time.Duration(timeout) * time.Second,
	}
}

func (e *Electrum) Type() Type { return TypeElectrum }

func (e *Electrum) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}

	var lastErr error
	for _, server := range e.servers {
		dialer := &net.Dialer{Timeout: e.timeout}
		var (
			conn net.Conn
			err  error
		)
		if e.useTLS {
			conn, err = tls.DialWithDialer(dialer, "tcp", server, &tls.Config{MinVersion: tls.VersionTLS12})
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		e.conn = conn
		e.reader = bufio.NewReader(conn)
		if _, err := e.callLocked("server.version", []any{"xmrbtc", "1.4"}); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		e.connected = true
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

func (e *Electrum) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connected = false
	return nil
}

func (e *Electrum) TipHeight(ctx context.Context) (int64, error) {
	result, err := e.call("blockchain.headers.subscribe", []any{})
	if err != nil {
		return 0, err
	}
	header, ok := result.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unexpected headers response")
	}
	height, ok := header["height"].(float64)
	if !ok {
		return 0, fmt.Errorf("height missing from headers response")
	}
	return int64(height), nil
}

func (e *Electrum) UTXOsForScript(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	result, err := e.call("blockchain.scripthash.listunspent", []any{electrumScriptHash(pkScript)})
	if err != nil {
		return nil, err
	}
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected listunspent response")
	}

	tip, err := e.TipHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		hashStr, _ := m["tx_hash"].(string)
		txid, err := chainhash.NewHashFromStr(hashStr)
		if err != nil {
			return nil, fmt.Errorf("bad utxo txid %q: %w", hashStr, err)
		}
		pos, _ := m["tx_pos"].(float64)
		value, _ := m["value"].(float64)
		height, _ := m["height"].(float64)

		var confs int64
		if height > 0 && tip >= int64(height) {
			confs = tip - int64(height) + 1
		}
		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *txid, Index: uint32(pos)},
			Amount:        btcutil.Amount(value),
			Confirmations: confs,
			PkScript:      pkScript,
		})
	}
	return utxos, nil
}

func (e *Electrum) TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error) {
	result, err := e.call("blockchain.transaction.get", []any{txid.String(), true})
	if err != nil {
		// Electrum answers missing transactions with an error, not null.
		return &TxStatus{}, nil
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction response")
	}
	status := &TxStatus{Seen: true}
	if confs, ok := m["confirmations"].(float64); ok && confs > 0 {
		status.Confirmations = uint64(confs)
	}
	return status, nil
}

func (e *Electrum) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	result, err := e.call("blockchain.transaction.get", []any{txid.String(), false})
	if err != nil {
		return nil, ErrTxNotFound
	}
	hexStr, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected raw transaction response")
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

func (e *Electrum) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}
	result, err := e.call("blockchain.transaction.broadcast", []any{hex.EncodeToString(buf.Bytes())})
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcastFailed, err)
	}
	hashStr, ok := result.(string)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: unexpected response", ErrBroadcastFailed)
	}
	txid, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcastFailed, hashStr)
	}
	return *txid, nil
}

func (e *Electrum) FeeRate(ctx context.Context, targetBlocks int) (btcutil.Amount, error) {
	result, err := e.call("blockchain.estimatefee", []any{targetBlocks})
	if err != nil {
		return 0, err
	}
	// The estimate arrives in BTC per kB; -1 means no estimate.
	fee, ok := result.(float64)
	if !ok || fee <= 0 {
		return 1, nil
	}
	rate := btcutil.Amount(fee * 1e8 / 1000)
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

func (e *Electrum) call(method string, params []any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(method, params)
}

func (e *Electrum) callLocked(method string, params []any) (any, error) {
	if e.conn == nil {
		return nil, ErrNotConnected
	}

	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      e.requestID.Add(1),
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	e.conn.SetDeadline(time.Now().Add(e.timeout))
	if _, err := e.conn.Write(append(data, '\n')); err != nil {
		e.connected = false
		return nil, err
	}
	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		e.connected = false
		return nil, err
	}

	var response struct {
		Result any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

var _ Backend = (*Electrum)(nil)
