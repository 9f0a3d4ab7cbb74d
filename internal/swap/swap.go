// Package swap implements the two role-specific state machines driving a
// single BTC/XMR atomic swap, together with the wire messages of the setup
// handshake and the post-setup sub-protocols.
//
// The package contains only protocol logic. It drives its collaborators
// through interfaces:
//   - bitcoin.Wallet for funding, broadcast and script watching
//   - monero.Wallet for locking, view-pair scanning and sweeping
//   - Database for persisting states before externally visible actions
//   - the event-loop handles in peer.go for talking to the counterparty
package swap

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
)

// Common errors.
var (
	ErrInvalidState      = errors.New("invalid swap state")
	ErrInvalidTransition = errors.New("illegal state transition")
	ErrInvalidMessage    = errors.New("malformed protocol message")
	ErrSwapNotFound      = errors.New("swap not found")
	ErrKeyMismatch       = errors.New("revealed key does not match announced public key")
	ErrXmrAmountMismatch = errors.New("locked monero amount does not match agreed amount")
)

// Role names the side of the swap this process drives.
type Role string

const (
	// RoleMaker is the XMR holder, selling XMR for BTC.
	RoleMaker Role = "maker"
	// RoleTaker is the BTC holder, buying XMR with BTC.
	RoleTaker Role = "taker"
)

// MaxAntiSpamDepositRatio caps the anti-spam deposit relative to the
// locked amount. Deposits above this fraction are rejected at setup.
const MaxAntiSpamDepositRatio = 0.20

// Retry families. The state machines retry peer interactions with the
// first family; the sub-protocol senders use the second. Backoff never
// gives up on its own: only a timelock-driven branch change stops it.
const (
	StateBackoffInitial = 1 * time.Second
	StateBackoffMax     = 30 * time.Second

	ProtocolBackoffInitial = 1 * time.Second
	ProtocolBackoffMax     = 60 * time.Second

	BackoffMultiplier = 1.5
)

// SetupTimeout bounds the whole setup handshake, from the spot price
// request to the final presign acknowledgement.
const SetupTimeout = 120 * time.Second

// AntiSpamDepositTooSmallError rejects a setup whose amnesty deposit
// cannot cover the fees of the transactions that depend on it.
type AntiSpamDepositTooSmallError struct {
	Amount             btcutil.Amount
	MinimumToCoverFees btcutil.Amount
}

func (e *AntiSpamDepositTooSmallError) Error() string {
	return fmt.Sprintf("anti-spam deposit %d sats does not cover dependent transaction fees (minimum %d sats)",
		e.Amount, e.MinimumToCoverFees)
}

// AntiSpamDepositRatioTooHighError rejects a setup whose amnesty deposit
// is too large a fraction of the locked amount.
type AntiSpamDepositRatioTooHighError struct {
	Ratio            float64
	MaxAcceptedRatio float64
}

func (e *AntiSpamDepositRatioTooHighError) Error() string {
	return fmt.Sprintf("Anti-spam deposit ratio %.4f exceeds maximum accepted ratio %.2f",
		e.Ratio, e.MaxAcceptedRatio)
}

// SanityCheckAmnestyAmount validates the anti-spam deposit against the
// locked amount. The deposit must cover the summed fees of the four
// transactions hanging off the amnesty box, and must not exceed the
// accepted fraction of the locked amount.
func SanityCheckAmnestyAmount(amnesty, btc, dependentTxFees btcutil.Amount) error {
	if amnesty < dependentTxFees {
		return &AntiSpamDepositTooSmallError{Amount: amnesty, MinimumToCoverFees: dependentTxFees}
	}
	ratio := float64(amnesty) / float64(btc)
	if ratio > MaxAntiSpamDepositRatio {
		return &AntiSpamDepositRatioTooHighError{Ratio: ratio, MaxAcceptedRatio: MaxAntiSpamDepositRatio}
	}
	return nil
}

// AmnestyAmountFor derives the anti-spam deposit from the locked amount
// and the maker's deposit ratio, clamped below by the fee floor. A zero
// result means the swap uses the full-refund path.
func AmnestyAmountFor(btc btcutil.Amount, depositRatio float64, feeFloor btcutil.Amount) btcutil.Amount {
	if depositRatio <= 0 {
		return 0
	}
	amnesty := btcutil.Amount(float64(btc) * depositRatio)
	if amnesty < feeFloor {
		amnesty = feeFloor
	}
	return amnesty
}

// Database is the persistence interface the machines require. A state is
// written before the side-effect that follows from it ever happens.
type Database interface {
	// InsertLatestState stores the serialized state as the latest for the
	// swap, appending to its history.
	InsertLatestState(swapID uuid.UUID, role Role, stateName string, state []byte) error

	// GetState returns the latest stored state for the swap.
	GetState(swapID uuid.UUID) (stateName string, state []byte, err error)
}
