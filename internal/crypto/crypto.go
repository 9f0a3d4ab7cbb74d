// Package crypto implements the signature algebra that binds the Bitcoin
// side of a swap to the Monero side.
//
// The central primitive is the ECDSA encrypted signature (adaptor
// signature): a signature over a Bitcoin sighash that only becomes valid
// once a secret scalar is applied, and that leaks the same scalar to anyone
// holding the encrypted form once the completed signature appears on-chain.
// The leaked secp256k1 scalar doubles as the counterparty's Monero spend-key
// share after a byte-order flip and reduction modulo the Ed25519 group
// order.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidEncryptedSignature is returned when an encrypted signature
	// fails verification against the signer's key and encryption point.
	ErrInvalidEncryptedSignature = errors.New("invalid encrypted signature")

	// ErrInvalidSignature is returned when a plain ECDSA signature does not
	// verify or cannot be parsed.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrRecoveryFailed is returned when the decryption scalar cannot be
	// recovered from a signature/encrypted-signature pair.
	ErrRecoveryFailed = errors.New("failed to recover decryption key from signature")

	// ErrInvalidProof is returned when a discrete-log equality proof does
	// not verify.
	ErrInvalidProof = errors.New("invalid discrete log equality proof")
)

// randomScalar returns a uniformly random non-zero scalar mod the secp256k1
// group order.
func randomScalar() (*secp.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
		s := new(secp.ModNScalar)
		overflow := s.SetBytes(&buf)
		if overflow == 0 && !s.IsZero() {
			return s, nil
		}
	}
}

// pointToPubKey converts a Jacobian point to an affine public key.
func pointToPubKey(p *secp.JacobianPoint) *btcec.PublicKey {
	var affine secp.JacobianPoint
	affine.Set(p)
	affine.ToAffine()
	return secp.NewPublicKey(&affine.X, &affine.Y)
}

// scalarBasePoint computes k*G as an affine public key.
func scalarBasePoint(k *secp.ModNScalar) *btcec.PublicKey {
	var p secp.JacobianPoint
	secp.ScalarBaseMultNonConst(k, &p)
	return pointToPubKey(&p)
}

// scalarMultPoint computes k*P as an affine public key.
func scalarMultPoint(k *secp.ModNScalar, pub *btcec.PublicKey) *btcec.PublicKey {
	var p, result secp.JacobianPoint
	pub.AsJacobian(&p)
	secp.ScalarMultNonConst(k, &p, &result)
	return pointToPubKey(&result)
}

// addPoints computes P1+P2 as an affine public key.
func addPoints(p1, p2 *btcec.PublicKey) *btcec.PublicKey {
	var j1, j2, sum secp.JacobianPoint
	p1.AsJacobian(&j1)
	p2.AsJacobian(&j2)
	secp.AddNonConst(&j1, &j2, &sum)
	return pointToPubKey(&sum)
}

// fieldToModN interprets the x coordinate of an affine point as a scalar
// mod the group order. This is the "r" computation of ECDSA.
func fieldToModN(x *secp.FieldVal) *secp.ModNScalar {
	b := x.Bytes()
	s := new(secp.ModNScalar)
	s.SetBytes(b)
	return s
}
