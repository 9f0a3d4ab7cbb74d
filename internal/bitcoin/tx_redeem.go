package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxRedeem spends the shared lock output to the maker's redeem address. It
// carries no timelock: the maker can publish it as soon as both signatures
// are available. The taker's signature arrives encrypted under the maker's
// Monero share, so publishing it necessarily reveals that share.
type TxRedeem struct {
	*spendTx
	watchScript []byte
}

// NewTxRedeem builds the redeem transaction over a validated lock.
func NewTxRedeem(lock *TxLock, redeemAddress btcutil.Address, fee btcutil.Amount) (*TxRedeem, error) {
	if err := checkSpendingFee(lock.Amount(), fee); err != nil {
		return nil, fmt.Errorf("tx_redeem: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(redeemAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to build redeem output script: %w", err)
	}

	out := wire.NewTxOut(int64(lock.Amount()-fee), pkScript)
	spend := newSpendTx(lock.SharedOutpoint(), lock.Amount(), lock.SharedScript(), wire.MaxTxInSequenceNum, []*wire.TxOut{out})

	return &TxRedeem{spendTx: spend, watchScript: pkScript}, nil
}

// WatchScript returns the redeem destination's script pubkey.
func (t *TxRedeem) WatchScript() []byte {
	return t.watchScript
}
