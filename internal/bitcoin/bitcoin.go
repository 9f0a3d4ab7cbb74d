// Package bitcoin implements the Bitcoin side of the swap protocol: the
// shared 2-of-2 lock script, the presigned transaction family hanging off
// it, the relative-timelock graph, and the wallet interface the state
// machines drive.
//
// Every transaction in the family is deterministic in the shared swap
// parameters, so both parties independently compute identical txids and can
// watch for each other's broadcasts without further communication.
package bitcoin

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrEmptyWitnessStack is returned when a spending transaction carries
	// no witness data for the shared input.
	ErrEmptyWitnessStack = errors.New("empty witness stack")

	// ErrNotThreeWitnesses is returned when the shared input's witness does
	// not have exactly the expected [sig, sig, script] shape.
	ErrNotThreeWitnesses = errors.New("witness stack does not contain exactly three items")

	// ErrNoMatchingSignature is returned when neither witness signature
	// verifies under the requested public key.
	ErrNoMatchingSignature = errors.New("no witness signature matches the given public key")

	// ErrFeeTooHigh is returned when a spending fee violates the absolute
	// or relative fee guard.
	ErrFeeTooHigh = errors.New("spending fee exceeds the allowed maximum")

	// ErrFeeExceedsOutput is returned when the spending fee would consume
	// the entire parent output.
	ErrFeeExceedsOutput = errors.New("spending fee exceeds parent output amount")
)

// Fee guards, applied by every spending-transaction builder.
const (
	// MaxAbsoluteFee caps any single spending fee.
	MaxAbsoluteFee = btcutil.Amount(100_000)

	// MaxRelativeFeePercent caps the fee relative to the spent output.
	MaxRelativeFeePercent = 20
)

// Declared weights, used only to size fee estimates.
const (
	// TxLockWeight is the weight of a typical lock transaction.
	TxLockWeight = 485

	// TxSpendWeight is the weight of a one-in one-out spend of the shared
	// output.
	TxSpendWeight = 548

	// SharedScriptSize is the size of the shared output script pubkey.
	SharedScriptSize = 34
)

// checkSpendingFee enforces the fee guards against a parent output.
func checkSpendingFee(parentAmount, fee btcutil.Amount) error {
	if fee >= parentAmount {
		return fmt.Errorf("%w: fee %d, output %d", ErrFeeExceedsOutput, fee, parentAmount)
	}
	if fee > MaxAbsoluteFee {
		return fmt.Errorf("%w: fee %d, absolute cap %d", ErrFeeTooHigh, fee, MaxAbsoluteFee)
	}
	if fee > parentAmount*MaxRelativeFeePercent/100 {
		return fmt.Errorf("%w: fee %d is more than %d%% of output %d", ErrFeeTooHigh, fee, MaxRelativeFeePercent, parentAmount)
	}
	return nil
}

// Watchable is any transaction the chain watcher can subscribe to: it has a
// deterministic txid and an output script whose history identifies it.
type Watchable interface {
	Txid() chainhash.Hash
	WatchScript() []byte
}

// ScriptStatus describes what the chain currently knows about a watched
// script.
type ScriptStatus struct {
	// Seen is true once a transaction touching the script is known, even
	// unconfirmed.
	Seen bool

	// Confirmations is the confirmation depth of that transaction, zero
	// while in the mempool.
	Confirmations uint64
}

// IsConfirmedWithDepth reports whether the script has at least depth
// confirmations.
func (s ScriptStatus) IsConfirmedWithDepth(depth uint64) bool {
	return s.Seen && s.Confirmations >= depth
}

// BlocksLeftUntil returns how many blocks remain until the script reaches
// the given confirmation depth. Zero when already reached or exceeded.
func (s ScriptStatus) BlocksLeftUntil(depth uint64) uint64 {
	if s.Confirmations >= depth {
		return 0
	}
	return depth - s.Confirmations
}

// Subscription is a live watch on a script.
type Subscription interface {
	// WaitUntilSeen blocks until the watched transaction appears, in
	// mempool or chain.
	WaitUntilSeen(ctx context.Context) error

	// WaitUntilConfirmedWithDepth blocks until the watched transaction has
	// at least depth confirmations.
	WaitUntilConfirmedWithDepth(ctx context.Context, depth uint64) error
}

// Wallet is the Bitcoin wallet and chain watcher the state machines drive.
// Implementations wrap an electrum-style backend; the swap core depends
// only on this interface.
type Wallet interface {
	// Network returns the chain parameters the wallet operates on.
	Network() *chaincfg.Params

	// Height returns the current chain height.
	Height(ctx context.Context) (BlockHeight, error)

	// FundLockTransaction builds and signs a transaction paying amount to
	// the given output script, spending the wallet's own coins with the
	// given mining fee and returning change to the wallet. The transaction
	// is NOT broadcast.
	FundLockTransaction(ctx context.Context, script []byte, amount, fee btcutil.Amount) (*wire.MsgTx, error)

	// Broadcast publishes a fully signed transaction. The label names the
	// transaction's role for logging.
	Broadcast(ctx context.Context, tx *wire.MsgTx, label string) (chainhash.Hash, error)

	// GetRawTransaction fetches a transaction by id. Returns nil without
	// error when the transaction is unknown.
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// StatusOfScript reports the chain status of a watchable transaction.
	StatusOfScript(ctx context.Context, w Watchable) (ScriptStatus, error)

	// Subscribe starts a live watch on a watchable transaction.
	Subscribe(ctx context.Context, w Watchable) (Subscription, error)

	// NewAddress derives a fresh wallet address.
	NewAddress(ctx context.Context) (btcutil.Address, error)
}
