package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxEarlyRefund spends the lock output straight back to the taker's refund
// address, without going through cancel. It has no timelock. The taker
// presigns it during setup; only the maker can complete and publish it, as
// a courtesy abort before the Monero side is locked.
type TxEarlyRefund struct {
	*spendTx
	watchScript []byte
}

// NewTxEarlyRefund builds the early refund transaction over a validated
// lock.
func NewTxEarlyRefund(lock *TxLock, refundAddress btcutil.Address, fee btcutil.Amount) (*TxEarlyRefund, error) {
	if err := checkSpendingFee(lock.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_early_refund: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund output script: %w", err)
	}

	out := wire.NewTxOut(int64(lock.Amount()-fee), pkScript)
	spend := newSpendTx(lock.SharedOutpoint(), lock.Amount(), lock.SharedScript(), wire.MaxTxInSequenceNum, []*wire.TxOut{out})

	return &TxEarlyRefund{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the refund destination's script pubkey.
func (t *TxEarlyRefund) WatchScript() []byte {
	return t.watchScript
}
