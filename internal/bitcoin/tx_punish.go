package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxPunish claims the cancel output for the maker once the punish timelock
// has expired without the taker refunding. The taker presigns it during
// setup; the maker completes it with their own signature.
type TxPunish struct {
	*spendTx
	watchScript []byte
}

// NewTxPunish builds the punish transaction over a cancel transaction.
func NewTxPunish(cancel *TxCancel, punishAddress btcutil.Address, fee btcutil.Amount, timelock PunishTimelock) (*TxPunish, error) {
	if err := checkSpendingFee(cancel.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_punish: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(punishAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build punish output script: %w", err)
	}

	out := wire.NewTxOut(int64(cancel.Amount()-fee), pkScript)
	spend := newSpendTx(cancel.SharedOutpoint(), cancel.Amount(), cancel.SharedScript(), uint32(timelock), []*wire.TxOut{out})

	return &TxPunish{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the punish destination's script pubkey.
func (t *TxPunish) WatchScript() []byte {
	return t.watchScript
}
