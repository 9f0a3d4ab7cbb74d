package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/xmrbtc/pkg/helpers"
)

// A Monero spend-key share lives in both groups at once: as a secp256k1
// scalar for the adaptor signatures and as an Ed25519 scalar for the joint
// Monero key. CrossGroupProof lets each party prove the two public points
// announced during setup really hide the same scalar.
//
// The scalar is sampled below 2^252 so it is canonical in both groups. The
// proof is a Schnorr proof with a shared challenge and an integer response:
// because the response is taken over the integers and the secret fits well
// below either group order, equality modulo both orders forces equality of
// the underlying scalar.

const (
	// crossGroupScalarBits bounds the shared scalar.
	crossGroupScalarBits = 252

	// crossGroupNonceBytes sizes the blinding nonce: secret (252 bits) +
	// challenge (128 bits) + 80 bits of statistical hiding.
	crossGroupNonceBytes = 58

	// crossGroupChallengeBytes is the truncated Fiat-Shamir challenge.
	crossGroupChallengeBytes = 16

	// crossGroupResponseBytes is the fixed wire size of the response.
	crossGroupResponseBytes = 64
)

// CrossGroupProofSize is the serialized proof size:
// A1 (33) || A2 (32) || z (64).
const CrossGroupProofSize = 33 + 32 + crossGroupResponseBytes

// ed25519GroupOrder is 2^252 + 27742317777372353535851937790883648493.
var ed25519GroupOrder = func() *big.Int {
	l, _ := new(big.Int).SetString("7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)
	return l
}()

// CrossGroupScalar is a scalar below 2^252 together with its representation
// in both groups.
type CrossGroupScalar struct {
	secp *secp.ModNScalar
	ed   *edwards25519.Scalar
}

// NewCrossGroupScalar samples a fresh shared scalar.
func NewCrossGroupScalar() (*CrossGroupScalar, error) {
	var le [32]byte
	if _, err := rand.Read(le[:]); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	// Clear the top four bits so the value is below 2^252 and therefore
	// canonical in both groups.
	le[31] &= 0x0f
	return CrossGroupScalarFromLittleEndian(le)
}

// CrossGroupScalarFromLittleEndian builds a shared scalar from 32
// little-endian bytes. The value must be below 2^252.
func CrossGroupScalarFromLittleEndian(le [32]byte) (*CrossGroupScalar, error) {
	if le[31]&0xf0 != 0 {
		return nil, fmt.Errorf("shared scalar exceeds %d bits", crossGroupScalarBits)
	}

	ed, err := edwards25519.NewScalar().SetCanonicalBytes(le[:])
	if err != nil {
		return nil, fmt.Errorf("shared scalar not canonical on ed25519: %w", err)
	}

	be := helpers.ReverseBytes(le[:])
	s := new(secp.ModNScalar)
	if overflow := s.SetByteSlice(be); overflow {
		return nil, fmt.Errorf("shared scalar overflows secp256k1 order")
	}
	if s.IsZero() {
		return nil, fmt.Errorf("shared scalar is zero")
	}

	return &CrossGroupScalar{secp: s, ed: ed}, nil
}

// Secp returns the secp256k1 representation of the scalar.
func (c *CrossGroupScalar) Secp() *secp.ModNScalar { return c.secp }

// Ed returns the Ed25519 representation of the scalar.
func (c *CrossGroupScalar) Ed() *edwards25519.Scalar { return c.ed }

// SecpPoint returns the scalar's public point on secp256k1.
func (c *CrossGroupScalar) SecpPoint() *btcec.PublicKey {
	return scalarBasePoint(c.secp)
}

// EdPoint returns the scalar's public point on Ed25519.
func (c *CrossGroupScalar) EdPoint() *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(c.ed)
}

// LittleEndianBytes returns the canonical 32-byte little-endian encoding.
func (c *CrossGroupScalar) LittleEndianBytes() [32]byte {
	var out [32]byte
	copy(out[:], c.ed.Bytes())
	return out
}

// CrossGroupProof proves that a secp256k1 point and an Ed25519 point hide
// the same scalar.
type CrossGroupProof struct {
	A1 *btcec.PublicKey
	A2 *edwards25519.Point
	Z  *big.Int
}

// ProveCrossGroup produces a proof that c.SecpPoint() and c.EdPoint() share
// the scalar c.
func ProveCrossGroup(c *CrossGroupScalar) (*CrossGroupProof, error) {
	nonce := make([]byte, crossGroupNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	k := new(big.Int).SetBytes(nonce)

	A1 := scalarBasePoint(bigToSecpScalar(k))
	A2 := new(edwards25519.Point).ScalarBaseMult(bigToEdScalar(k))

	X1 := c.SecpPoint()
	X2 := c.EdPoint()
	ch := crossGroupChallenge(X1, X2, A1, A2)

	// z = k + ch*x over the integers. No reduction: the verifier reduces
	// per group, and the integer form is what makes the proof bind across
	// groups.
	x := new(big.Int).SetBytes(helpers.ReverseBytes(c.ed.Bytes()))
	z := new(big.Int).Mul(ch, x)
	z.Add(z, k)

	return &CrossGroupProof{A1: A1, A2: A2, Z: z}, nil
}

// VerifyCrossGroup checks that X1 (secp256k1) and X2 (Ed25519) hide the
// same scalar.
func VerifyCrossGroup(X1 *btcec.PublicKey, X2 *edwards25519.Point, proof *CrossGroupProof) error {
	if proof == nil || proof.A1 == nil || proof.A2 == nil || proof.Z == nil {
		return ErrInvalidProof
	}
	if proof.Z.Sign() < 0 || proof.Z.BitLen() > crossGroupResponseBytes*8 {
		return ErrInvalidProof
	}

	ch := crossGroupChallenge(X1, X2, proof.A1, proof.A2)

	// secp256k1 side: z*G == A1 + ch*X1.
	lhs1 := scalarBasePoint(bigToSecpScalar(proof.Z))
	rhs1 := addPoints(proof.A1, scalarMultPoint(bigToSecpScalar(ch), X1))
	if !lhs1.IsEqual(rhs1) {
		return ErrInvalidProof
	}

	// Ed25519 side: z*B == A2 + ch*X2.
	lhs2 := new(edwards25519.Point).ScalarBaseMult(bigToEdScalar(proof.Z))
	rhs2 := new(edwards25519.Point).ScalarMult(bigToEdScalar(ch), X2)
	rhs2.Add(rhs2, proof.A2)
	if lhs2.Equal(rhs2) != 1 {
		return ErrInvalidProof
	}
	return nil
}

// Serialize encodes the proof into its fixed wire form.
func (p *CrossGroupProof) Serialize() []byte {
	out := make([]byte, 0, CrossGroupProofSize)
	out = append(out, p.A1.SerializeCompressed()...)
	out = append(out, p.A2.Bytes()...)
	z := p.Z.Bytes()
	out = append(out, helpers.PadLeft(z, crossGroupResponseBytes)...)
	return out
}

// ParseCrossGroupProof decodes a proof from its wire form.
func ParseCrossGroupProof(b []byte) (*CrossGroupProof, error) {
	if len(b) != CrossGroupProofSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidProof, len(b), CrossGroupProofSize)
	}

	A1, err := btcec.ParsePubKey(b[0:33])
	if err != nil {
		return nil, fmt.Errorf("%w: bad secp256k1 commitment: %s", ErrInvalidProof, err)
	}
	A2, err := new(edwards25519.Point).SetBytes(b[33:65])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ed25519 commitment: %s", ErrInvalidProof, err)
	}
	z := new(big.Int).SetBytes(b[65:])

	return &CrossGroupProof{A1: A1, A2: A2, Z: z}, nil
}

// crossGroupChallenge derives the shared 128-bit Fiat-Shamir challenge.
func crossGroupChallenge(X1 *btcec.PublicKey, X2 *edwards25519.Point, A1 *btcec.PublicKey, A2 *edwards25519.Point) *big.Int {
	h := sha256.New()
	h.Write([]byte("xmrbtc/cross-group-dleq"))
	h.Write(X1.SerializeCompressed())
	h.Write(X2.Bytes())
	h.Write(A1.SerializeCompressed())
	h.Write(A2.Bytes())
	digest := h.Sum(nil)
	return new(big.Int).SetBytes(digest[:crossGroupChallengeBytes])
}

// bigToSecpScalar reduces a non-negative integer mod the secp256k1 order.
func bigToSecpScalar(v *big.Int) *secp.ModNScalar {
	reduced := new(big.Int).Mod(v, btcec.S256().N)
	s := new(secp.ModNScalar)
	s.SetByteSlice(helpers.PadLeft(reduced.Bytes(), 32))
	return s
}

// bigToEdScalar reduces a non-negative integer mod the Ed25519 group order.
func bigToEdScalar(v *big.Int) *edwards25519.Scalar {
	reduced := new(big.Int).Mod(v, ed25519GroupOrder)
	le := helpers.ReverseBytes(helpers.PadLeft(reduced.Bytes(), 32))
	s, err := edwards25519.NewScalar().SetCanonicalBytes(le)
	if err != nil {
		// Reduction mod the group order always yields a canonical encoding.
		panic(fmt.Sprintf("non-canonical reduced scalar: %v", err))
	}
	return s
}
