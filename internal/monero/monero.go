// Package monero provides the Monero-side types the swap protocol needs:
// piconero amounts, view/spend key shares, joint-key derivation, and the
// wallet interface the state machines drive.
//
// Neither party ever holds the full spend key before settlement. Each holds
// a share; the joint spend key s_a + s_b controls the locked output and is
// only assembled after the adaptor protocol leaks the missing share.
package monero

import (
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

var (
	// ErrInvalidKey is returned when key bytes do not decode to a valid
	// scalar or point.
	ErrInvalidKey = errors.New("invalid monero key")
)

// PrivateSpendKey is one party's share of the joint spend key.
type PrivateSpendKey struct {
	scalar *edwards25519.Scalar
}

// NewPrivateSpendKey wraps an Ed25519 scalar as a spend-key share.
func NewPrivateSpendKey(s *edwards25519.Scalar) *PrivateSpendKey {
	return &PrivateSpendKey{scalar: s}
}

// PrivateSpendKeyFromBytes decodes a canonical 32-byte little-endian scalar.
func PrivateSpendKeyFromBytes(b []byte) (*PrivateSpendKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return &PrivateSpendKey{scalar: s}, nil
}

// Scalar returns the underlying scalar.
func (k *PrivateSpendKey) Scalar() *edwards25519.Scalar { return k.scalar }

// Bytes returns the canonical little-endian encoding.
func (k *PrivateSpendKey) Bytes() []byte { return k.scalar.Bytes() }

// Public returns the corresponding public spend key.
func (k *PrivateSpendKey) Public() *PublicKey {
	return &PublicKey{point: new(edwards25519.Point).ScalarBaseMult(k.scalar)}
}

// Add returns the sum of two spend-key shares: the joint spend key.
func (k *PrivateSpendKey) Add(other *PrivateSpendKey) *PrivateSpendKey {
	sum := edwards25519.NewScalar().Add(k.scalar, other.scalar)
	return &PrivateSpendKey{scalar: sum}
}

// PrivateViewKey is one party's share of the joint view key. View keys are
// exchanged in clear during setup so both parties can scan for the lock
// output.
type PrivateViewKey struct {
	scalar *edwards25519.Scalar
}

// NewRandomPrivateViewKey samples a fresh view-key share.
func NewRandomPrivateViewKey() (*PrivateViewKey, error) {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return &PrivateViewKey{scalar: s}, nil
}

// PrivateViewKeyFromBytes decodes a canonical 32-byte little-endian scalar.
func PrivateViewKeyFromBytes(b []byte) (*PrivateViewKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return &PrivateViewKey{scalar: s}, nil
}

// Scalar returns the underlying scalar.
func (k *PrivateViewKey) Scalar() *edwards25519.Scalar { return k.scalar }

// Bytes returns the canonical little-endian encoding.
func (k *PrivateViewKey) Bytes() []byte { return k.scalar.Bytes() }

// Public returns the corresponding public view key.
func (k *PrivateViewKey) Public() *PublicKey {
	return &PublicKey{point: new(edwards25519.Point).ScalarBaseMult(k.scalar)}
}

// Add returns the sum of two view-key shares: the joint view key.
func (k *PrivateViewKey) Add(other *PrivateViewKey) *PrivateViewKey {
	sum := edwards25519.NewScalar().Add(k.scalar, other.scalar)
	return &PrivateViewKey{scalar: sum}
}

// PublicKey is an Ed25519 point used as a Monero public spend or view key.
type PublicKey struct {
	point *edwards25519.Point
}

// PublicKeyFromBytes decodes a compressed Ed25519 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return &PublicKey{point: p}, nil
}

// PublicKeyFromPoint wraps an Ed25519 point.
func PublicKeyFromPoint(p *edwards25519.Point) *PublicKey {
	return &PublicKey{point: p}
}

// Point returns the underlying point.
func (p *PublicKey) Point() *edwards25519.Point { return p.point }

// Bytes returns the compressed encoding.
func (p *PublicKey) Bytes() []byte { return p.point.Bytes() }

// Add returns the sum of two public keys: the joint public key.
func (p *PublicKey) Add(other *PublicKey) *PublicKey {
	sum := new(edwards25519.Point).Add(p.point, other.point)
	return &PublicKey{point: sum}
}

// Equal reports whether two public keys are the same point.
func (p *PublicKey) Equal(other *PublicKey) bool {
	return p.point.Equal(other.point) == 1
}

// ViewPair is the joint view key plus the joint public spend key: enough to
// scan for the lock output but not to spend it.
type ViewPair struct {
	SpendPublic *PublicKey
	ViewPrivate *PrivateViewKey
}

// Address derives the standard address for the pair on the given network.
func (v ViewPair) Address(net Network) (Address, error) {
	return NewAddress(net, v.SpendPublic, v.ViewPrivate.Public())
}

// TransferProof identifies the Monero lock transaction and carries the
// per-transaction key that lets the recipient verify the payment without
// scanning.
type TransferProof struct {
	TxHash string `cbor:"tx_hash"`
	TxKey  []byte `cbor:"tx_key"`
}
