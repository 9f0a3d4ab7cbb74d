package bitcoin

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoSharedOutput is returned when a candidate lock transaction has
	// no output paying the shared script.
	ErrNoSharedOutput = errors.New("lock transaction has no output paying the shared script")

	// ErrTooManyOutputs is returned when a candidate lock transaction has
	// more outputs than the shared output plus change.
	ErrTooManyOutputs = errors.New("lock transaction has more than two outputs")

	// ErrWrongLockAmount is returned when the shared output does not carry
	// exactly the agreed amount.
	ErrWrongLockAmount = errors.New("shared output amount does not match agreed amount")
)

// TxLock is the funding transaction paying the agreed amount into the
// shared 2-of-2 output. The taker funds and broadcasts it; the maker
// validates it from raw bytes before signing anything that depends on it.
type TxLock struct {
	tx           *wire.MsgTx
	sharedScript []byte
	pkScript     []byte
	amount       btcutil.Amount
	vout         uint32
}

// NewTxLockFromWallet funds a lock transaction from the taker's wallet.
// The returned transaction is signed but not broadcast.
func NewTxLockFromWallet(ctx context.Context, wallet Wallet, a, b *btcec.PublicKey, amount, fee btcutil.Amount) (*TxLock, error) {
	sharedScript, err := SharedOutputScript(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script: %w", err)
	}
	pkScript, err := P2WSHScript(sharedScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script pubkey: %w", err)
	}

	tx, err := wallet.FundLockTransaction(ctx, pkScript, amount, fee)
	if err != nil {
		return nil, fmt.Errorf("failed to fund lock transaction: %w", err)
	}

	return newTxLock(tx, sharedScript, pkScript, amount)
}

// TxLockFromTx validates a counterparty-provided lock transaction: at most
// one change output besides the shared output, and the shared output pays
// exactly the agreed amount.
func TxLockFromTx(tx *wire.MsgTx, a, b *btcec.PublicKey, amount btcutil.Amount) (*TxLock, error) {
	sharedScript, err := SharedOutputScript(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script: %w", err)
	}
	pkScript, err := P2WSHScript(sharedScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script pubkey: %w", err)
	}
	return newTxLock(tx, sharedScript, pkScript, amount)
}

func newTxLock(tx *wire.MsgTx, sharedScript, pkScript []byte, amount btcutil.Amount) (*TxLock, error) {
	if len(tx.TxOut) == 0 || len(tx.TxOut) > 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyOutputs, len(tx.TxOut))
	}

	vout := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return nil, ErrNoSharedOutput
	}
	if got := btcutil.Amount(tx.TxOut[vout].Value); got != amount {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongLockAmount, got, amount)
	}

	return &TxLock{
		tx:           tx,
		sharedScript: sharedScript,
		pkScript:     pkScript,
		amount:       amount,
		vout:         uint32(vout),
	}, nil
}

// Txid returns the lock transaction id.
func (l *TxLock) Txid() chainhash.Hash {
	return l.tx.TxHash()
}

// WatchScript returns the shared output's script pubkey.
func (l *TxLock) WatchScript() []byte {
	return l.pkScript
}

// Amount returns the amount locked in the shared output.
func (l *TxLock) Amount() btcutil.Amount {
	return l.amount
}

// SharedOutpoint returns the outpoint of the shared output.
func (l *TxLock) SharedOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: l.Txid(), Index: l.vout}
}

// SharedScript returns the 2-of-2 witness script locking the output.
func (l *TxLock) SharedScript() []byte {
	return l.sharedScript
}

// Tx returns the underlying transaction.
func (l *TxLock) Tx() *wire.MsgTx {
	return l.tx
}
