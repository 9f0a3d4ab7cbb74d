package crypto

import (
	"fmt"

	"filippo.io/edwards25519"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/xmrbtc/pkg/helpers"
)

// ScalarToMonero converts a secp256k1 scalar into an Ed25519 scalar the way
// the swap protocol defines it: the big-endian bytes are flipped to
// little-endian and the result is reduced modulo the Ed25519 group order.
//
// This is the final step of the key leak. The scalar recovered from an
// on-chain signature is a secp256k1 value, but the counterparty generated
// it below 2^252, so the flip-and-reduce recovers their exact Monero
// spend-key share.
func ScalarToMonero(s *secp.ModNScalar) *edwards25519.Scalar {
	be := s.Bytes()
	le := helpers.ReverseBytes(be[:])

	// SetUniformBytes reduces a 64-byte little-endian value mod the group
	// order.
	wide := make([]byte, 64)
	copy(wide, le)

	out, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		panic(fmt.Sprintf("64-byte input rejected: %v", err))
	}
	return out
}
