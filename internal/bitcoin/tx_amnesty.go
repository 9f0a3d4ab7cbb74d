package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxRefundAmnesty returns the amnesty box to the taker's refund address
// once the remaining-refund timelock on the partial refund has expired.
// Both signatures are exchanged during setup, so the taker can publish it
// unilaterally when the timelock allows.
type TxRefundAmnesty struct {
	*spendTx
	watchScript []byte
}

// NewTxRefundAmnesty builds the timelocked amnesty-box refund.
func NewTxRefundAmnesty(partial *TxPartialRefund, refundAddress btcutil.Address, fee btcutil.Amount, timelock RemainingRefundTimelock) (*TxRefundAmnesty, error) {
	if err := checkSpendingFee(partial.AmnestyAmount(), fee); err != nil {
		return nil, fmt.Errorf("tx_refund_amnesty: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund output script: %w", err)
	}

	out := wire.NewTxOut(int64(partial.AmnestyAmount()-fee), pkScript)
	spend := newSpendTx(partial.AmnestyOutpoint(), partial.AmnestyAmount(), partial.AmnestyScript(), uint32(timelock), []*wire.TxOut{out})

	return &TxRefundAmnesty{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the refund destination's script pubkey.
func (t *TxRefundAmnesty) WatchScript() []byte {
	return t.watchScript
}

// TxRefundBurn lets the maker deny the amnesty box to the taker before the
// remaining-refund timelock expires, moving it into yet another 2-of-2
// output under the same keys. It has no timelock. The funds are not
// destroyed: the maker can later hand them back via TxFinalAmnesty, but
// only voluntarily.
type TxRefundBurn struct {
	*spendTx
	burnScript   []byte
	burnPkScript []byte
	amount       btcutil.Amount
}

// NewTxRefundBurn builds the burn transaction over a partial refund.
func NewTxRefundBurn(partial *TxPartialRefund, a, b *btcec.PublicKey, fee btcutil.Amount) (*TxRefundBurn, error) {
	if err := checkSpendingFee(partial.AmnestyAmount(), fee); err != nil {
		return nil, fmt.Errorf("tx_refund_burn: %w", err)
	}

	burnScript, err := SharedOutputScript(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to build burn script: %w", err)
	}
	burnPkScript, err := P2WSHScript(burnScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build burn script pubkey: %w", err)
	}

	amount := partial.AmnestyAmount() - fee
	out := wire.NewTxOut(int64(amount), burnPkScript)
	spend := newSpendTx(partial.AmnestyOutpoint(), partial.AmnestyAmount(), partial.AmnestyScript(), wire.MaxTxInSequenceNum, []*wire.TxOut{out})

	return &TxRefundBurn{
		spendTx:      spend,
		burnScript:   burnScript,
		burnPkScript: burnPkScript,
		amount:       amount,
	}, nil
}

// WatchScript returns the burn output's script pubkey.
func (t *TxRefundBurn) WatchScript() []byte {
	return t.burnPkScript
}

// Amount returns the value of the burn output.
func (t *TxRefundBurn) Amount() btcutil.Amount {
	return t.amount
}

// BurnOutpoint returns the outpoint of the burn output.
func (t *TxRefundBurn) BurnOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: t.Txid(), Index: 0}
}

// BurnScript returns the 2-of-2 witness script locking the burn output.
func (t *TxRefundBurn) BurnScript() []byte {
	return t.burnScript
}

// TxFinalAmnesty spends the burn output back to the taker's refund
// address. The taker presigns it during setup; the maker withholds their
// own signature until they decide to cooperate, so publication is entirely
// at the maker's discretion.
type TxFinalAmnesty struct {
	*spendTx
	watchScript []byte
}

// NewTxFinalAmnesty builds the voluntary hand-back of the burn output.
func NewTxFinalAmnesty(burn *TxRefundBurn, refundAddress btcutil.Address, fee btcutil.Amount) (*TxFinalAmnesty, error) {
	if err := checkSpendingFee(burn.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_final_amnesty: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund output script: %w", err)
	}

	out := wire.NewTxOut(int64(burn.Amount()-fee), pkScript)
	spend := newSpendTx(burn.BurnOutpoint(), burn.Amount(), burn.BurnScript(), wire.MaxTxInSequenceNum, []*wire.TxOut{out})

	return &TxFinalAmnesty{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the refund destination's script pubkey.
func (t *TxFinalAmnesty) WatchScript() []byte {
	return t.watchScript
}
