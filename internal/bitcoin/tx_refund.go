package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxRefund spends the cancel output back to the taker's refund address in
// full. It carries no timelock beyond the cancel path itself. The maker's
// signature on it arrives encrypted under the taker's Monero share, so
// publishing it reveals that share to the maker.
type TxRefund struct {
	*spendTx
	watchScript []byte
}

// NewTxRefund builds the full refund transaction over a cancel
// transaction.
func NewTxRefund(cancel *TxCancel, refundAddress btcutil.Address, fee btcutil.Amount) (*TxRefund, error) {
	if err := checkSpendingFee(cancel.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_refund: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund output script: %w", err)
	}

	out := wire.NewTxOut(int64(cancel.Amount()-fee), pkScript)
	spend := newSpendTx(cancel.SharedOutpoint(), cancel.Amount(), cancel.SharedScript(), wire.MaxTxInSequenceNum, []*wire.TxOut{out})

	return &TxRefund{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the refund destination's script pubkey.
func (t *TxRefund) WatchScript() []byte {
	return t.watchScript
}
