package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/xmrbtc/internal/backend"
)

var (
	// ErrInsufficientFunds means the wallet's spendable UTXOs cannot cover
	// an amount plus its fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// dustLimit is the threshold below which change is given to miners
// instead of creating an output.
const dustLimit = btcutil.Amount(546)

// ownedUTXO is a backend UTXO together with the key that can spend it.
type ownedUTXO struct {
	utxo backend.UTXO
	key  *derivedKey
}

// spendableUTXOs scans the derived addresses plus a gap window and
// collects their confirmed UTXOs.
func (w *Wallet) spendableUTXOs(ctx context.Context) ([]ownedUTXO, error) {
	w.mu.Lock()
	limit := w.nextIndex + gapLimit
	w.mu.Unlock()

	var utxos []ownedUTXO
	for index := uint32(0); index < limit; index++ {
		key, err := w.keyAt(index)
		if err != nil {
			return nil, err
		}
		found, err := w.backend.UTXOsForScript(ctx, key.pkScript)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch utxos for index %d: %w", index, err)
		}
		for _, u := range found {
			if u.Confirmations < 1 {
				continue
			}
			utxos = append(utxos, ownedUTXO{utxo: u, key: key})
		}
	}
	return utxos, nil
}

// selectUTXOs picks UTXOs covering target, largest first to keep the
// input count small.
func selectUTXOs(utxos []ownedUTXO, target btcutil.Amount) ([]ownedUTXO, btcutil.Amount, error) {
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].utxo.Amount > utxos[j].utxo.Amount
	})

	var (
		selected []ownedUTXO
		total    btcutil.Amount
	)
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.utxo.Amount
		if total >= target {
			return selected, total, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, target)
}

// FundLockTransaction builds and signs a transaction paying amount to the
// given output script. The fee is paid on top of the amount; change below
// the dust limit is folded into the fee. The transaction is not broadcast.
func (w *Wallet) FundLockTransaction(ctx context.Context, script []byte, amount, fee btcutil.Amount) (*wire.MsgTx, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}

	utxos, err := w.spendableUTXOs(ctx)
	if err != nil {
		return nil, err
	}
	selected, total, err := selectUTXOs(utxos, amount+fee)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	for _, u := range selected {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: u.utxo.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))

	if change := total - amount - fee; change > dustLimit {
		changeAddr, err := w.NewAddress(ctx)
		if err != nil {
			return nil, err
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	if err := w.signInputs(tx, selected); err != nil {
		return nil, err
	}
	return tx, nil
}

// signInputs attaches a P2WPKH witness to every input of tx, which must
// spend exactly the selected UTXOs in order.
func (w *Wallet) signInputs(tx *wire.MsgTx, selected []ownedUTXO) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, u := range selected {
		prevOuts[u.utxo.OutPoint] = wire.NewTxOut(int64(u.utxo.Amount), u.key.pkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range selected {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i,
			int64(u.utxo.Amount), u.key.pkScript, txscript.SigHashAll, u.key.priv, true)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// Broadcast publishes a fully signed transaction. The label names the
// transaction's role for logging only.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx, label string) (chainhash.Hash, error) {
	txid, err := w.backend.Broadcast(ctx, tx)
	if err != nil {
		w.log.Error("broadcast failed", "label", label, "txid", tx.TxHash(), "err", err)
		return chainhash.Hash{}, err
	}
	w.log.Info("broadcast transaction", "label", label, "txid", txid)
	return txid, nil
}

// GetRawTransaction fetches a transaction by id, returning nil without
// error when the chain does not know it.
func (w *Wallet) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := w.backend.RawTransaction(ctx, txid)
	if errors.Is(err, backend.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}
