package monero

import (
	"github.com/klingon-exchange/xmrbtc/pkg/helpers"
)

// Amount is a Monero amount in piconero (1 XMR = 10^12 piconero).
type Amount uint64

// AmountFromXMRString parses a decimal XMR string into piconero.
func AmountFromXMRString(s string) (Amount, error) {
	v, err := helpers.XMRToPiconero(s)
	if err != nil {
		return 0, err
	}
	return Amount(v), nil
}

// String renders the amount as a decimal XMR string.
func (a Amount) String() string {
	return helpers.PiconeroToXMR(uint64(a)) + " XMR"
}

// Piconero returns the raw piconero value.
func (a Amount) Piconero() uint64 { return uint64(a) }
