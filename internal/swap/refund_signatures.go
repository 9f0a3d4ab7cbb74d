package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// RefundSignatures is the maker's signature set for the taker's refund
// branch, delivered in Message3. The shape depends on the agreed amnesty
// amount:
//
//   - amnesty == 0: FullEncSig only (legacy full refund)
//   - amnesty  > 0: PartialEncSig plus AmnestySig
//
// Both encrypted signatures are encrypted under the taker's Monero spend
// share, so publishing either refund necessarily leaks that share to the
// maker. The amnesty signature is a plain signature: claiming the amnesty
// box after the timelock leaks nothing.
type RefundSignatures struct {
	FullEncSig    []byte `cbor:"full_encsig,omitempty"`
	PartialEncSig []byte `cbor:"partial_encsig,omitempty"`
	AmnestySig    []byte `cbor:"amnesty_sig,omitempty"`
}

// HasPartial reports whether the set carries the partial-refund arm.
func (r RefundSignatures) HasPartial() bool {
	return len(r.PartialEncSig) > 0
}

// Validate checks the set has exactly the shape the amnesty amount
// demands.
func (r RefundSignatures) Validate(amnesty btcutil.Amount) error {
	if amnesty == 0 {
		if len(r.FullEncSig) == 0 {
			return fmt.Errorf("%w: missing full refund signature", ErrInvalidMessage)
		}
		if r.HasPartial() || len(r.AmnestySig) > 0 {
			return fmt.Errorf("%w: partial refund signatures present without amnesty", ErrInvalidMessage)
		}
		return nil
	}
	if len(r.PartialEncSig) == 0 {
		return fmt.Errorf("%w: missing partial refund signature", ErrInvalidMessage)
	}
	if len(r.AmnestySig) == 0 {
		return fmt.Errorf("%w: missing amnesty signature", ErrInvalidMessage)
	}
	return nil
}
