package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/xmrbtc/internal/backend"
	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// memBackend is an in-memory Backend for wallet tests.
type memBackend struct {
	mu     sync.Mutex
	tip    int64
	utxos  map[string][]backend.UTXO
	txs    map[chainhash.Hash]*wire.MsgTx
	status map[chainhash.Hash]backend.TxStatus
}

func newMemBackend() *memBackend {
	return &memBackend{
		tip:    500,
		utxos:  map[string][]backend.UTXO{},
		txs:    map[chainhash.Hash]*wire.MsgTx{},
		status: map[chainhash.Hash]backend.TxStatus{},
	}
}

func (m *memBackend) addUTXO(pkScript []byte, amount btcutil.Amount, confs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hash chainhash.Hash
	hash[0] = byte(len(m.utxos[string(pkScript)]) + 1)
	hash[1] = pkScript[len(pkScript)-1]
	m.utxos[string(pkScript)] = append(m.utxos[string(pkScript)], backend.UTXO{
		OutPoint:      wire.OutPoint{Hash: hash, Index: 0},
		Amount:        amount,
		Confirmations: confs,
		PkScript:      pkScript,
	})
}

func (m *memBackend) setStatus(txid chainhash.Hash, status backend.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[txid] = status
}

func (m *memBackend) Type() backend.Type                  { return backend.TypeBitcoind }
func (m *memBackend) Connect(ctx context.Context) error   { return nil }
func (m *memBackend) Close() error                        { return nil }
func (m *memBackend) TipHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

func (m *memBackend) UTXOsForScript(ctx context.Context, pkScript []byte) ([]backend.UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utxos[string(pkScript)], nil
}

func (m *memBackend) TxStatus(ctx context.Context, txid chainhash.Hash) (*backend.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status[txid]
	return &status, nil
}

func (m *memBackend) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txid]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (m *memBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := tx.TxHash()
	m.txs[txid] = tx
	m.status[txid] = backend.TxStatus{Seen: true}
	return txid, nil
}

func (m *memBackend) FeeRate(ctx context.Context, targetBlocks int) (btcutil.Amount, error) {
	return 2, nil
}

var _ backend.Backend = (*memBackend)(nil)

func testWallet(t *testing.T, be backend.Backend) *Wallet {
	t.Helper()
	pair, err := chain.Get(chain.Dev)
	if err != nil {
		t.Fatal(err)
	}
	w, err := New(Config{
		Mnemonic:      testMnemonic,
		Pair:          pair,
		Backend:       be,
		WatchInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tt := range tests {
		if got := ValidateMnemonic(tt.mnemonic); got != tt.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tt.mnemonic, got, tt.valid)
		}
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a := testWallet(t, newMemBackend())
	b := testWallet(t, newMemBackend())

	addrA, err := a.NewAddress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	addrB, err := b.NewAddress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if addrA.EncodeAddress() != addrB.EncodeAddress() {
		t.Fatalf("same seed derived different addresses: %s vs %s",
			addrA.EncodeAddress(), addrB.EncodeAddress())
	}

	next, err := a.NewAddress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.EncodeAddress() == addrA.EncodeAddress() {
		t.Fatal("NewAddress did not advance the derivation index")
	}
}

func TestPassphraseChangesKeys(t *testing.T) {
	pair, _ := chain.Get(chain.Dev)
	a, err := New(Config{Mnemonic: testMnemonic, Pair: pair, Backend: newMemBackend()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Mnemonic: testMnemonic, Passphrase: "hunter2", Pair: pair, Backend: newMemBackend()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	addrA, _ := a.NewAddress(ctx)
	addrB, _ := b.NewAddress(ctx)
	if addrA.EncodeAddress() == addrB.EncodeAddress() {
		t.Fatal("passphrase did not change the derived keys")
	}
}

func TestFundLockTransaction(t *testing.T) {
	ctx := context.Background()
	be := newMemBackend()
	w := testWallet(t, be)

	key, err := w.keyAt(0)
	if err != nil {
		t.Fatal(err)
	}
	be.addUTXO(key.pkScript, 80_000, 6)
	be.addUTXO(key.pkScript, 40_000, 3)

	lockScript, _ := hex.DecodeString("0020" + strings.Repeat("ab", 32))
	const (
		amount = btcutil.Amount(100_000)
		fee    = btcutil.Amount(1_000)
	)
	tx, err := w.FundLockTransaction(ctx, lockScript, amount, fee)
	if err != nil {
		t.Fatalf("FundLockTransaction() error = %v", err)
	}

	if len(tx.TxIn) != 2 {
		t.Fatalf("expected both utxos selected, got %d inputs", len(tx.TxIn))
	}
	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 {
			t.Fatalf("input %d has no p2wpkh witness", i)
		}
	}

	if string(tx.TxOut[0].PkScript) != string(lockScript) {
		t.Fatal("first output does not pay the lock script")
	}
	if tx.TxOut[0].Value != int64(amount) {
		t.Fatalf("lock output value = %d, want %d", tx.TxOut[0].Value, amount)
	}

	if len(tx.TxOut) != 2 {
		t.Fatalf("expected a change output, got %d outputs", len(tx.TxOut))
	}
	wantChange := int64(80_000 + 40_000 - amount - fee)
	if tx.TxOut[1].Value != wantChange {
		t.Fatalf("change = %d, want %d", tx.TxOut[1].Value, wantChange)
	}
}

func TestFundLockTransactionSkipsUnconfirmed(t *testing.T) {
	ctx := context.Background()
	be := newMemBackend()
	w := testWallet(t, be)

	key, err := w.keyAt(0)
	if err != nil {
		t.Fatal(err)
	}
	be.addUTXO(key.pkScript, 200_000, 0)

	lockScript, _ := hex.DecodeString("0020" + strings.Repeat("cd", 32))
	_, err = w.FundLockTransaction(ctx, lockScript, 50_000, 500)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for unconfirmed coins, got %v", err)
	}
}

func TestFundLockTransactionInsufficient(t *testing.T) {
	ctx := context.Background()
	be := newMemBackend()
	w := testWallet(t, be)

	key, _ := w.keyAt(0)
	be.addUTXO(key.pkScript, 10_000, 2)

	lockScript, _ := hex.DecodeString("0020" + strings.Repeat("ef", 32))
	_, err := w.FundLockTransaction(ctx, lockScript, 50_000, 500)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestGetRawTransactionUnknown(t *testing.T) {
	ctx := context.Background()
	w := testWallet(t, newMemBackend())

	tx, err := w.GetRawTransaction(ctx, chainhash.Hash{42})
	if err != nil {
		t.Fatalf("unknown tx should not error, got %v", err)
	}
	if tx != nil {
		t.Fatal("unknown tx should return nil")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	ctx := context.Background()
	be := newMemBackend()
	w := testWallet(t, be)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1_000, []byte{0x51}))

	txid, err := w.Broadcast(ctx, tx, "lock")
	if err != nil {
		t.Fatal(err)
	}
	got, err := w.GetRawTransaction(ctx, txid)
	if err != nil || got == nil {
		t.Fatalf("broadcast tx not retrievable: %v", err)
	}
	if got.TxHash() != txid {
		t.Fatal("retrieved tx hash mismatch")
	}
}

type staticWatchable struct {
	txid   chainhash.Hash
	script []byte
}

func (s staticWatchable) Txid() chainhash.Hash { return s.txid }
func (s staticWatchable) WatchScript() []byte  { return s.script }

func TestSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	be := newMemBackend()
	w := testWallet(t, be)
	watch := staticWatchable{txid: chainhash.Hash{7}, script: []byte{0x00, 0x14}}

	sub, err := w.Subscribe(ctx, watch)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		be.setStatus(watch.txid, backend.TxStatus{Seen: true})
		time.Sleep(5 * time.Millisecond)
		be.setStatus(watch.txid, backend.TxStatus{Seen: true, Confirmations: 3})
	}()

	if err := sub.WaitUntilSeen(ctx); err != nil {
		t.Fatalf("WaitUntilSeen: %v", err)
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, 3); err != nil {
		t.Fatalf("WaitUntilConfirmedWithDepth: %v", err)
	}

	status, err := w.StatusOfScript(ctx, watch)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsConfirmedWithDepth(3) || status.BlocksLeftUntil(5) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := testWallet(t, newMemBackend())
	sub, err := w.Subscribe(ctx, staticWatchable{txid: chainhash.Hash{9}})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := sub.WaitUntilSeen(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

var _ bitcoin.Wallet = (*Wallet)(nil)
