package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// TxCancel moves the shared lock output into a fresh 2-of-2 output under
// the same keys once the cancel timelock has expired. Either party may
// publish it; from the cancel output the swap can only proceed to refund,
// partial refund or punish.
type TxCancel struct {
	*spendTx
	sharedScript []byte
	pkScript     []byte
	amount       btcutil.Amount
}

// NewTxCancel builds the cancel transaction over a validated lock.
func NewTxCancel(lock *TxLock, cancelTimelock CancelTimelock, a, b *btcec.PublicKey, fee btcutil.Amount) (*TxCancel, error) {
	if err := checkSpendingFee(lock.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_cancel: %w", err)
	}

	sharedScript, err := SharedOutputScript(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script: %w", err)
	}
	pkScript, err := P2WSHScript(sharedScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared script pubkey: %w", err)
	}

	amount := lock.Amount() - fee
	out := wire.NewTxOut(int64(amount), pkScript)
	spend := newSpendTx(lock.SharedOutpoint(), lock.Amount(), lock.SharedScript(), uint32(cancelTimelock), []*wire.TxOut{out})

	return &TxCancel{
		spendTx:      spend,
		sharedScript: sharedScript,
		pkScript:     pkScript,
		amount:       amount,
	}, nil
}

// WatchScript returns the cancel output's script pubkey.
func (t *TxCancel) WatchScript() []byte {
	return t.pkScript
}

// Amount returns the value of the cancel output.
func (t *TxCancel) Amount() btcutil.Amount {
	return t.amount
}

// SharedOutpoint returns the outpoint of the cancel output, spent by the
// refund, partial-refund and punish transactions.
func (t *TxCancel) SharedOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: t.Txid(), Index: 0}
}

// SharedScript returns the 2-of-2 witness script locking the cancel
// output.
func (t *TxCancel) SharedScript() []byte {
	return t.sharedScript
}
