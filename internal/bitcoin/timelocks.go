package bitcoin

import "fmt"

// BlockHeight is an absolute Bitcoin chain height.
type BlockHeight uint64

// CancelTimelock is the relative timelock, in blocks after the lock
// transaction confirms, from which the cancel transaction becomes valid.
type CancelTimelock uint32

// PunishTimelock is the relative timelock, in blocks after the cancel
// transaction confirms, from which the punish transaction becomes valid.
type PunishTimelock uint32

// RemainingRefundTimelock is the relative timelock, in blocks after the
// partial refund confirms, from which the amnesty box can be spent.
type RemainingRefundTimelock uint32

// FinalAmnestyTimelock is the relative timelock, in blocks after the
// refund burn confirms, from which the final amnesty hand-back is valid.
type FinalAmnestyTimelock uint32

// TimelockEpoch names the phase of the timelock graph the swap is in.
type TimelockEpoch int

const (
	// EpochNone: the lock transaction has not yet reached the cancel
	// timelock. Redeem is the expected path.
	EpochNone TimelockEpoch = iota

	// EpochCancel: the cancel transaction is (or can become) final, but
	// the punish timelock has not yet expired. Refund is still possible.
	EpochCancel

	// EpochPunish: the punish timelock on the cancel output has expired.
	EpochPunish

	// EpochRemainingRefundPending: a partial refund confirmed and its
	// amnesty box is still locked by the remaining-refund timelock.
	EpochRemainingRefundPending

	// EpochRemainingRefund: the amnesty box is spendable.
	EpochRemainingRefund
)

func (e TimelockEpoch) String() string {
	switch e {
	case EpochNone:
		return "none"
	case EpochCancel:
		return "cancel"
	case EpochPunish:
		return "punish"
	case EpochRemainingRefundPending:
		return "remaining-refund-pending"
	case EpochRemainingRefund:
		return "remaining-refund"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// ExpiredTimelocks is the result of evaluating the timelock graph against
// the current chain state.
type ExpiredTimelocks struct {
	Epoch TimelockEpoch

	// BlocksLeft is the number of blocks until the next epoch boundary.
	// Zero in the punish and remaining-refund epochs.
	BlocksLeft uint64
}

// CurrentEpoch evaluates the timelock graph. Once a partial refund has
// confirmed it dominates the other branches: the swap can only proceed to
// spending the amnesty box. Otherwise the cancel transaction's depth
// decides between the cancel and punish epochs, and before cancel is even
// possible the lock transaction's depth counts down the cancel timelock.
func CurrentEpoch(
	cancel CancelTimelock,
	punish PunishTimelock,
	remainingRefund RemainingRefundTimelock,
	lockStatus ScriptStatus,
	cancelStatus ScriptStatus,
	partialRefundStatus *ScriptStatus,
) ExpiredTimelocks {
	if partialRefundStatus != nil && partialRefundStatus.Seen {
		if partialRefundStatus.IsConfirmedWithDepth(uint64(remainingRefund)) {
			return ExpiredTimelocks{Epoch: EpochRemainingRefund}
		}
		return ExpiredTimelocks{
			Epoch:      EpochRemainingRefundPending,
			BlocksLeft: partialRefundStatus.BlocksLeftUntil(uint64(remainingRefund)),
		}
	}

	if cancelStatus.IsConfirmedWithDepth(uint64(punish)) {
		return ExpiredTimelocks{Epoch: EpochPunish}
	}

	if lockStatus.IsConfirmedWithDepth(uint64(cancel)) {
		return ExpiredTimelocks{
			Epoch:      EpochCancel,
			BlocksLeft: cancelStatus.BlocksLeftUntil(uint64(punish)),
		}
	}

	return ExpiredTimelocks{
		Epoch:      EpochNone,
		BlocksLeft: lockStatus.BlocksLeftUntil(uint64(cancel)),
	}
}
