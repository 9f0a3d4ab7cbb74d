package bitcoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrAmnestyTooLarge is returned when the anti-spam deposit plus fee does
// not leave a positive majority refund output.
var ErrAmnestyTooLarge = errors.New("amnesty amount plus fee exceeds cancel output")

// TxPartialRefund spends the cancel output back to the taker minus the
// anti-spam deposit, which it pays into a fresh 2-of-2 amnesty box under
// the same keys. The deposit only returns to the taker if the maker stays
// silent past the remaining-refund timelock, or grants amnesty outright.
// Like the full refund, the maker's signature on it is adaptor-encrypted
// under the taker's Monero share.
type TxPartialRefund struct {
	*spendTx
	amnestyScript   []byte
	amnestyPkScript []byte
	amnestyAmount   btcutil.Amount
}

// NewTxPartialRefund builds the partial refund over a cancel transaction.
func NewTxPartialRefund(cancel *TxCancel, refundAddress btcutil.Address, a, b *btcec.PublicKey, amnestyAmount, fee btcutil.Amount) (*TxPartialRefund, error) {
	if err := checkSpendingFee(cancel.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_partial_refund: %w", err)
	}
	if amnestyAmount+fee >= cancel.Amount() {
		return nil, fmt.Errorf("%w: amnesty %d, fee %d, cancel output %d", ErrAmnestyTooLarge, amnestyAmount, fee, cancel.Amount())
	}

	refundScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund output script: %w", err)
	}
	amnestyScript, err := SharedOutputScript(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to build amnesty script: %w", err)
	}
	amnestyPkScript, err := P2WSHScript(amnestyScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build amnesty script pubkey: %w", err)
	}

	outs := []*wire.TxOut{
		wire.NewTxOut(int64(cancel.Amount()-amnestyAmount-fee), refundScript),
		wire.NewTxOut(int64(amnestyAmount), amnestyPkScript),
	}
	spend := newSpendTx(cancel.SharedOutpoint(), cancel.Amount(), cancel.SharedScript(), wire.MaxTxInSequenceNum, outs)

	return &TxPartialRefund{
		spendTx:         spend,
		amnestyScript:   amnestyScript,
		amnestyPkScript: amnestyPkScript,
		amnestyAmount:   amnestyAmount,
	}, nil
}

// WatchScript returns the amnesty box's script pubkey.
func (t *TxPartialRefund) WatchScript() []byte {
	return t.amnestyPkScript
}

// AmnestyAmount returns the value held in the amnesty box.
func (t *TxPartialRefund) AmnestyAmount() btcutil.Amount {
	return t.amnestyAmount
}

// AmnestyOutpoint returns the outpoint of the amnesty box.
func (t *TxPartialRefund) AmnestyOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: t.Txid(), Index: 1}
}

// AmnestyScript returns the 2-of-2 witness script locking the amnesty box.
func (t *TxPartialRefund) AmnestyScript() []byte {
	return t.amnestyScript
}
