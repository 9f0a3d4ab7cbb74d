package bitcoin

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SharedOutputScript builds the 2-of-2 witness script both parties must
// sign to spend: <A> OP_CHECKSIGVERIFY <B> OP_CHECKSIG.
func SharedOutputScript(a, b *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(a.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(b.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// P2WSHScript wraps a witness script into its pay-to-witness-script-hash
// output script.
func P2WSHScript(witnessScript []byte) ([]byte, error) {
	hash := sha256.Sum256(witnessScript)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash[:]).
		Script()
}

// P2WSHAddress renders the witness-script-hash address for a witness
// script on the given network.
func P2WSHAddress(witnessScript []byte, params *chaincfg.Params) (btcutil.Address, error) {
	hash := sha256.Sum256(witnessScript)
	return btcutil.NewAddressWitnessScriptHash(hash[:], params)
}

// SignDigest produces an ECDSA signature over a BIP143 digest.
func SignDigest(priv *btcec.PrivateKey, digest [32]byte) *btcecdsa.Signature {
	return btcecdsa.Sign(priv, digest[:])
}

// VerifyDigestSignature reports whether sig is a valid signature over the
// digest under pub.
func VerifyDigestSignature(pub *btcec.PublicKey, sig *btcecdsa.Signature, digest [32]byte) bool {
	return sig.Verify(digest[:], pub)
}

// spendTx is a one-input transaction spending a shared 2-of-2 output. All
// presigned family members embed it: they differ only in sequence, outputs
// and which timelock gates them.
type spendTx struct {
	tx           *wire.MsgTx
	parentScript []byte
	parentAmount btcutil.Amount
}

func newSpendTx(parent wire.OutPoint, parentAmount btcutil.Amount, parentScript []byte, sequence uint32, outputs []*wire.TxOut) *spendTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: parent,
		Sequence:         sequence,
	})
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return &spendTx{
		tx:           tx,
		parentScript: parentScript,
		parentAmount: parentAmount,
	}
}

// Digest computes the BIP143 sighash both parties sign.
func (s *spendTx) Digest() ([32]byte, error) {
	pkScript, err := P2WSHScript(s.parentScript)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to build parent script pubkey: %w", err)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(s.parentAmount))
	sigHashes := txscript.NewTxSigHashes(s.tx, fetcher)

	h, err := txscript.CalcWitnessSigHash(s.parentScript, sigHashes, txscript.SigHashAll, s.tx, 0, int64(s.parentAmount))
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute sighash: %w", err)
	}

	var digest [32]byte
	copy(digest[:], h)
	return digest, nil
}

// AddSignatures attaches both parties' signatures and returns the fully
// signed transaction. The witness script consumes the top-of-stack
// signature first, so the stack is [sigB, sigA, script].
func (s *spendTx) AddSignatures(sigA, sigB *btcecdsa.Signature) (*wire.MsgTx, error) {
	if sigA == nil || sigB == nil {
		return nil, ErrEmptyWitnessStack
	}
	signed := s.tx.Copy()
	signed.TxIn[0].Witness = wire.TxWitness{
		appendSigHashAll(sigB),
		appendSigHashAll(sigA),
		s.parentScript,
	}
	return signed, nil
}

// CompleteAsMaker signs with the maker key and attaches the taker's
// counterparty signature.
func (s *spendTx) CompleteAsMaker(a *btcec.PrivateKey, sigB *btcecdsa.Signature) (*wire.MsgTx, error) {
	digest, err := s.Digest()
	if err != nil {
		return nil, err
	}
	return s.AddSignatures(SignDigest(a, digest), sigB)
}

// CompleteAsTaker signs with the taker key and attaches the maker's
// counterparty signature.
func (s *spendTx) CompleteAsTaker(b *btcec.PrivateKey, sigA *btcecdsa.Signature) (*wire.MsgTx, error) {
	digest, err := s.Digest()
	if err != nil {
		return nil, err
	}
	return s.AddSignatures(sigA, SignDigest(b, digest))
}

// Txid returns the deterministic transaction id, valid before signing
// because witness data is excluded from the txid.
func (s *spendTx) Txid() chainhash.Hash {
	return s.tx.TxHash()
}

// Tx returns the unsigned transaction.
func (s *spendTx) Tx() *wire.MsgTx {
	return s.tx
}

func appendSigHashAll(sig *btcecdsa.Signature) []byte {
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// ExtractSignatureByKey pulls the witness signature belonging to pub out
// of a broadcast spend of a shared output. The digest must be the sighash
// the spend was signed over.
func ExtractSignatureByKey(tx *wire.MsgTx, pub *btcec.PublicKey, digest [32]byte) (*btcecdsa.Signature, error) {
	if len(tx.TxIn) == 0 || len(tx.TxIn[0].Witness) == 0 {
		return nil, ErrEmptyWitnessStack
	}
	witness := tx.TxIn[0].Witness
	if len(witness) != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrNotThreeWitnesses, len(witness))
	}

	for _, item := range witness[:2] {
		if len(item) < 9 {
			continue
		}
		// Strip the sighash-type byte before DER parsing.
		sig, err := btcecdsa.ParseDERSignature(item[:len(item)-1])
		if err != nil {
			continue
		}
		if sig.Verify(digest[:], pub) {
			return sig, nil
		}
	}
	return nil, ErrNoMatchingSignature
}
