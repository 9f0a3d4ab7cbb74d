package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// EncryptedSignatureSize is the serialized size of an encrypted signature:
// R (33) || Rhat (33) || sHat (32) || proof c (32) || proof z (32).
const EncryptedSignatureSize = 33 + 33 + 32 + 32 + 32

// EncryptedSignature is an ECDSA adaptor signature. R is the nonce point
// shifted by the encryption key (k*Y), Rhat the unshifted nonce point (k*G),
// SHat the encrypted s value, and Proof a discrete-log equality proof tying
// the two nonce points to the same k.
type EncryptedSignature struct {
	R     *btcec.PublicKey
	Rhat  *btcec.PublicKey
	SHat  secp.ModNScalar
	Proof NonceProof
}

// NonceProof is a Chaum-Pedersen proof that log_G(Rhat) == log_Y(R).
type NonceProof struct {
	C secp.ModNScalar
	Z secp.ModNScalar
}

// EncSign produces an encrypted signature over digest with signing key a,
// encrypted under the public point Y. Only the holder of y = log_G(Y) can
// complete it into a valid ECDSA signature, and doing so reveals y to
// anyone holding the encrypted form.
//
// The nonce is derived deterministically from the key, digest, and Y, so
// signing the same inputs twice yields the same encrypted signature.
func EncSign(a *secp.ModNScalar, Y *btcec.PublicKey, digest [32]byte) (*EncryptedSignature, error) {
	aBytes := a.Bytes()
	defer zeroBytes(aBytes[:])

	for iteration := uint32(0); ; iteration++ {
		k := secp.NonceRFC6979(aBytes[:], digest[:], Y.SerializeCompressed(), nil, iteration)

		// Rhat = k*G, R = k*Y. The final signature nonce is k*y, so the
		// published R commits to the encrypted nonce point.
		Rhat := scalarBasePoint(k)
		R := scalarMultPoint(k, Y)

		var rJac secp.JacobianPoint
		R.AsJacobian(&rJac)
		rJac.ToAffine()
		r := fieldToModN(&rJac.X)
		if r.IsZero() {
			continue
		}

		// sHat = k^-1 * (m + r*a)
		var m secp.ModNScalar
		m.SetBytes(&digest)

		kInv := new(secp.ModNScalar).InverseValNonConst(k)
		ra := new(secp.ModNScalar).Mul2(r, a)
		sHat := new(secp.ModNScalar).Add2(&m, ra)
		sHat.Mul(kInv)
		if sHat.IsZero() {
			continue
		}

		proof, err := proveNonceDLEQ(k, Y, Rhat, R)
		if err != nil {
			return nil, err
		}

		k.Zero()
		return &EncryptedSignature{
			R:     R,
			Rhat:  Rhat,
			SHat:  *sHat,
			Proof: *proof,
		}, nil
	}
}

// VerifyEncSig checks that encsig is a valid encrypted signature over
// digest by the holder of A, encrypted under Y.
func VerifyEncSig(A, Y *btcec.PublicKey, digest [32]byte, encsig *EncryptedSignature) error {
	if encsig == nil || encsig.R == nil || encsig.Rhat == nil {
		return ErrInvalidEncryptedSignature
	}

	if err := verifyNonceDLEQ(Y, encsig.Rhat, encsig.R, &encsig.Proof); err != nil {
		return ErrInvalidEncryptedSignature
	}

	var rJac secp.JacobianPoint
	encsig.R.AsJacobian(&rJac)
	rJac.ToAffine()
	r := fieldToModN(&rJac.X)
	if r.IsZero() || encsig.SHat.IsZero() {
		return ErrInvalidEncryptedSignature
	}

	// Rhat must equal sHat^-1 * (m*G + r*A).
	var m secp.ModNScalar
	m.SetBytes(&digest)

	sHatInv := new(secp.ModNScalar).InverseValNonConst(&encsig.SHat)
	u1 := new(secp.ModNScalar).Mul2(&m, sHatInv)
	u2 := new(secp.ModNScalar).Mul2(r, sHatInv)

	expected := addPoints(scalarBasePoint(u1), scalarMultPoint(u2, A))
	if !expected.IsEqual(encsig.Rhat) {
		return ErrInvalidEncryptedSignature
	}
	return nil
}

// DecryptSignature completes an encrypted signature with the decryption
// key y, yielding a valid ECDSA signature with low-s normalization.
func DecryptSignature(y *secp.ModNScalar, encsig *EncryptedSignature) (*ecdsa.Signature, error) {
	if encsig == nil || y.IsZero() {
		return nil, ErrInvalidEncryptedSignature
	}

	var rJac secp.JacobianPoint
	encsig.R.AsJacobian(&rJac)
	rJac.ToAffine()
	r := fieldToModN(&rJac.X)

	yInv := new(secp.ModNScalar).InverseValNonConst(y)
	s := new(secp.ModNScalar).Mul2(&encsig.SHat, yInv)
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	if r.IsZero() || s.IsZero() {
		return nil, ErrInvalidEncryptedSignature
	}

	return ecdsa.NewSignature(r, s), nil
}

// RecoverFromSignature extracts the decryption key y from a completed
// signature and the encrypted signature it was derived from, checking the
// result against the announced encryption point Y.
//
// This is the key-leak mechanism: publishing the completed signature
// on-chain hands the counterparty the missing Monero key share.
func RecoverFromSignature(Y *btcec.PublicKey, sig *ecdsa.Signature, encsig *EncryptedSignature) (*secp.ModNScalar, error) {
	_, s, err := ParseDERSignature(sig.Serialize())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecoveryFailed, err)
	}

	// s = sHat / y  =>  y = sHat / s. Decryption may have negated s for
	// low-s normalization, so try both signs.
	sInv := new(secp.ModNScalar).InverseValNonConst(s)
	y := new(secp.ModNScalar).Mul2(&encsig.SHat, sInv)

	if scalarBasePoint(y).IsEqual(Y) {
		return y, nil
	}

	yNeg := new(secp.ModNScalar).NegateVal(y)
	if scalarBasePoint(yNeg).IsEqual(Y) {
		return yNeg, nil
	}

	return nil, ErrRecoveryFailed
}

// Serialize encodes the encrypted signature into its fixed wire form.
func (e *EncryptedSignature) Serialize() []byte {
	out := make([]byte, 0, EncryptedSignatureSize)
	out = append(out, e.R.SerializeCompressed()...)
	out = append(out, e.Rhat.SerializeCompressed()...)
	sHat := e.SHat.Bytes()
	out = append(out, sHat[:]...)
	c := e.Proof.C.Bytes()
	out = append(out, c[:]...)
	z := e.Proof.Z.Bytes()
	out = append(out, z[:]...)
	return out
}

// ParseEncryptedSignature decodes an encrypted signature from its wire form.
func ParseEncryptedSignature(b []byte) (*EncryptedSignature, error) {
	if len(b) != EncryptedSignatureSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEncryptedSignature, len(b), EncryptedSignatureSize)
	}

	R, err := btcec.ParsePubKey(b[0:33])
	if err != nil {
		return nil, fmt.Errorf("%w: bad R point: %s", ErrInvalidEncryptedSignature, err)
	}
	Rhat, err := btcec.ParsePubKey(b[33:66])
	if err != nil {
		return nil, fmt.Errorf("%w: bad Rhat point: %s", ErrInvalidEncryptedSignature, err)
	}

	encsig := &EncryptedSignature{R: R, Rhat: Rhat}
	if overflow := encsig.SHat.SetByteSlice(b[66:98]); overflow {
		return nil, fmt.Errorf("%w: sHat overflows group order", ErrInvalidEncryptedSignature)
	}
	if overflow := encsig.Proof.C.SetByteSlice(b[98:130]); overflow {
		return nil, fmt.Errorf("%w: proof challenge overflows group order", ErrInvalidEncryptedSignature)
	}
	if overflow := encsig.Proof.Z.SetByteSlice(b[130:162]); overflow {
		return nil, fmt.Errorf("%w: proof response overflows group order", ErrInvalidEncryptedSignature)
	}
	return encsig, nil
}

// proveNonceDLEQ proves that Rhat = k*G and R = k*Y share the same k.
func proveNonceDLEQ(k *secp.ModNScalar, Y, Rhat, R *btcec.PublicKey) (*NonceProof, error) {
	t, err := randomScalar()
	if err != nil {
		return nil, err
	}
	defer t.Zero()

	A1 := scalarBasePoint(t)
	A2 := scalarMultPoint(t, Y)

	c := nonceChallenge(Y, Rhat, R, A1, A2)
	z := new(secp.ModNScalar).Mul2(c, k)
	z.Add(t)

	return &NonceProof{C: *c, Z: *z}, nil
}

// verifyNonceDLEQ checks the Chaum-Pedersen proof carried by an encrypted
// signature.
func verifyNonceDLEQ(Y, Rhat, R *btcec.PublicKey, proof *NonceProof) error {
	// A1 = z*G - c*Rhat, A2 = z*Y - c*R, then the challenge must recompute.
	cNeg := new(secp.ModNScalar).NegateVal(&proof.C)

	A1 := addPoints(scalarBasePoint(&proof.Z), scalarMultPoint(cNeg, Rhat))
	A2 := addPoints(scalarMultPoint(&proof.Z, Y), scalarMultPoint(cNeg, R))

	expected := nonceChallenge(Y, Rhat, R, A1, A2)
	if !expected.Equals(&proof.C) {
		return ErrInvalidProof
	}
	return nil
}

// nonceChallenge derives the Fiat-Shamir challenge for the nonce proof.
func nonceChallenge(Y, Rhat, R, A1, A2 *btcec.PublicKey) *secp.ModNScalar {
	h := sha256.New()
	h.Write([]byte("xmrbtc/adaptor/nonce-dleq"))
	h.Write(Y.SerializeCompressed())
	h.Write(Rhat.SerializeCompressed())
	h.Write(R.SerializeCompressed())
	h.Write(A1.SerializeCompressed())
	h.Write(A2.SerializeCompressed())

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	c := new(secp.ModNScalar)
	c.SetBytes(&digest)
	return c
}

// ParseDERSignature parses a DER-encoded ECDSA signature into its r and s
// scalars. Used when extracting a counterparty signature from an on-chain
// witness.
func ParseDERSignature(der []byte) (r, s *secp.ModNScalar, err error) {
	// SEQUENCE { INTEGER r, INTEGER s }, optionally followed by a sighash
	// byte which callers strip beforehand.
	if len(der) < 8 || der[0] != 0x30 {
		return nil, nil, ErrInvalidSignature
	}
	if int(der[1]) != len(der)-2 {
		return nil, nil, ErrInvalidSignature
	}

	readInt := func(b []byte) (*secp.ModNScalar, []byte, error) {
		if len(b) < 2 || b[0] != 0x02 {
			return nil, nil, ErrInvalidSignature
		}
		l := int(b[1])
		if l == 0 || len(b) < 2+l {
			return nil, nil, ErrInvalidSignature
		}
		val := b[2 : 2+l]
		// Strip the sign padding byte DER adds for high-bit values.
		for len(val) > 1 && val[0] == 0x00 {
			val = val[1:]
		}
		if len(val) > 32 {
			return nil, nil, ErrInvalidSignature
		}
		out := new(secp.ModNScalar)
		if overflow := out.SetByteSlice(val); overflow {
			return nil, nil, ErrInvalidSignature
		}
		return out, b[2+l:], nil
	}

	r, rest, err := readInt(der[2:])
	if err != nil {
		return nil, nil, err
	}
	s, rest, err = readInt(rest)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, ErrInvalidSignature
	}
	return r, s, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
