package monero

import (
	"context"
	"errors"
)

// ErrLockAmountMismatch is returned by WatchForLockTransfer when the joint
// address received an output of the wrong amount.
var ErrLockAmountMismatch = errors.New("locked amount does not match agreed amount")

// BlockHeight is an absolute Monero chain height.
type BlockHeight uint64

// LockResult describes a broadcast lock transaction.
type LockResult struct {
	Proof  TransferProof
	Height BlockHeight
}

// TipSplit routes a fraction of a lock transaction to a secondary address
// in the same transaction. A zero ratio disables the split.
type TipSplit struct {
	Ratio   float64
	Address Address
}

// Wallet is the Monero wallet the state machines drive. Implementations
// talk to monero-wallet-rpc or an embedded wallet; the swap core only
// depends on this interface.
type Wallet interface {
	// Height returns the current chain height.
	Height(ctx context.Context) (BlockHeight, error)

	// Lock sends amount to the joint address, optionally splitting off a
	// tip portion in the same transaction, and returns the transfer proof.
	Lock(ctx context.Context, dest Address, amount Amount, tip *TipSplit) (*LockResult, error)

	// WatchForLockTransfer scans the chain by view pair for an incoming
	// output to the joint key of exactly the given amount, starting at the
	// restore height. It returns once the output has the required number
	// of confirmations. Detection never depends on a received transfer
	// proof. An output with any other amount is reported as an error.
	WatchForLockTransfer(ctx context.Context, pair ViewPair, amount Amount, restoreHeight BlockHeight, confirmations uint64) (*TransferProof, error)

	// SweepJointOutput assembles the joint spend key from both shares and
	// sweeps the locked output to dest. Returns the sweep tx hashes.
	SweepJointOutput(ctx context.Context, spend *PrivateSpendKey, view *PrivateViewKey, restoreHeight BlockHeight, dest Address) ([]string, error)
}
