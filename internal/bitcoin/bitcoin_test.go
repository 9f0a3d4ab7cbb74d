package bitcoin

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func testKeys(t *testing.T) (*btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()
	a, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	b, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return a, b
}

// testLock builds a lock transaction paying amount into the shared output
// of the two keys, with an optional change output.
func testLock(t *testing.T, a, b *btcec.PrivateKey, amount btcutil.Amount, withChange bool) *TxLock {
	t.Helper()

	sharedScript, err := SharedOutputScript(a.PubKey(), b.PubKey())
	if err != nil {
		t.Fatalf("SharedOutputScript failed: %v", err)
	}
	pkScript, err := P2WSHScript(sharedScript)
	if err != nil {
		t.Fatalf("P2WSHScript failed: %v", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	if withChange {
		tx.AddTxOut(wire.NewTxOut(5_000, testAddressScript(t)))
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	lock, err := TxLockFromTx(tx, a.PubKey(), b.PubKey(), amount)
	if err != nil {
		t.Fatalf("TxLockFromTx failed: %v", err)
	}
	return lock
}

func testAddress(t *testing.T) btcutil.Address {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(k.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("failed to build address: %v", err)
	}
	return addr
}

func testAddressScript(t *testing.T) []byte {
	t.Helper()
	script, err := P2WSHScript([]byte{0x51})
	if err != nil {
		t.Fatalf("P2WSHScript failed: %v", err)
	}
	return script
}

func TestSharedOutputScript(t *testing.T) {
	a, b := testKeys(t)

	script, err := SharedOutputScript(a.PubKey(), b.PubKey())
	if err != nil {
		t.Fatalf("SharedOutputScript failed: %v", err)
	}
	// push(33) + CHECKSIGVERIFY + push(33) + CHECKSIG
	if len(script) != 70 {
		t.Errorf("script length = %d, want 70", len(script))
	}

	pkScript, err := P2WSHScript(script)
	if err != nil {
		t.Fatalf("P2WSHScript failed: %v", err)
	}
	if len(pkScript) != SharedScriptSize {
		t.Errorf("pkScript length = %d, want %d", len(pkScript), SharedScriptSize)
	}

	// Key order matters: swapping produces a different script.
	swapped, _ := SharedOutputScript(b.PubKey(), a.PubKey())
	if string(swapped) == string(script) {
		t.Error("swapped key order produced identical script")
	}
}

func TestTxLockValidation(t *testing.T) {
	a, b := testKeys(t)
	const amount = btcutil.Amount(1_000_000)

	t.Run("accepts single output", func(t *testing.T) {
		testLock(t, a, b, amount, false)
	})

	t.Run("accepts change output", func(t *testing.T) {
		lock := testLock(t, a, b, amount, true)
		if lock.SharedOutpoint().Index != 1 {
			t.Errorf("shared outpoint index = %d, want 1", lock.SharedOutpoint().Index)
		}
	})

	t.Run("rejects wrong amount", func(t *testing.T) {
		lock := testLock(t, a, b, amount, false)
		if _, err := TxLockFromTx(lock.Tx(), a.PubKey(), b.PubKey(), amount+1); !errors.Is(err, ErrWrongLockAmount) {
			t.Errorf("got %v, want ErrWrongLockAmount", err)
		}
	})

	t.Run("rejects missing shared output", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(&wire.TxIn{})
		tx.AddTxOut(wire.NewTxOut(int64(amount), testAddressScript(t)))
		if _, err := TxLockFromTx(tx, a.PubKey(), b.PubKey(), amount); !errors.Is(err, ErrNoSharedOutput) {
			t.Errorf("got %v, want ErrNoSharedOutput", err)
		}
	})

	t.Run("rejects three outputs", func(t *testing.T) {
		lock := testLock(t, a, b, amount, true)
		tx := lock.Tx().Copy()
		tx.AddTxOut(wire.NewTxOut(1_000, testAddressScript(t)))
		if _, err := TxLockFromTx(tx, a.PubKey(), b.PubKey(), amount); !errors.Is(err, ErrTooManyOutputs) {
			t.Errorf("got %v, want ErrTooManyOutputs", err)
		}
	})
}

func TestSpendSigningAndExtraction(t *testing.T) {
	a, b := testKeys(t)
	lock := testLock(t, a, b, 1_000_000, false)

	redeem, err := NewTxRedeem(lock, testAddress(t), 1_000)
	if err != nil {
		t.Fatalf("NewTxRedeem failed: %v", err)
	}

	digest, err := redeem.Digest()
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}

	sigA := SignDigest(a, digest)
	sigB := SignDigest(b, digest)

	signed, err := redeem.AddSignatures(sigA, sigB)
	if err != nil {
		t.Fatalf("AddSignatures failed: %v", err)
	}
	witness := signed.TxIn[0].Witness
	if len(witness) != 3 {
		t.Fatalf("witness has %d items, want 3", len(witness))
	}
	if string(witness[2]) != string(lock.SharedScript()) {
		t.Error("witness script does not match shared script")
	}

	// Each party's signature is recoverable from the broadcast witness.
	gotA, err := ExtractSignatureByKey(signed, a.PubKey(), digest)
	if err != nil {
		t.Fatalf("ExtractSignatureByKey(A) failed: %v", err)
	}
	if !VerifyDigestSignature(a.PubKey(), gotA, digest) {
		t.Error("extracted signature does not verify under A")
	}
	if _, err := ExtractSignatureByKey(signed, b.PubKey(), digest); err != nil {
		t.Fatalf("ExtractSignatureByKey(B) failed: %v", err)
	}

	// A key that never signed finds no match.
	other, _ := btcec.NewPrivateKey()
	if _, err := ExtractSignatureByKey(signed, other.PubKey(), digest); !errors.Is(err, ErrNoMatchingSignature) {
		t.Errorf("got %v, want ErrNoMatchingSignature", err)
	}

	// The unsigned template is untouched.
	if len(redeem.Tx().TxIn[0].Witness) != 0 {
		t.Error("signing mutated the unsigned template")
	}
}

func TestSpendFeeGuards(t *testing.T) {
	a, b := testKeys(t)
	addr := testAddress(t)

	tests := []struct {
		name    string
		amount  btcutil.Amount
		fee     btcutil.Amount
		wantErr error
	}{
		{"fee above absolute cap", 10_000_000, MaxAbsoluteFee + 1, ErrFeeTooHigh},
		{"fee above relative cap", 1_000, 300, ErrFeeTooHigh},
		{"fee consumes output", 1_000, 1_000, ErrFeeExceedsOutput},
		{"acceptable fee", 1_000_000, 1_000, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := testLock(t, a, b, tt.amount, false)
			_, err := NewTxRedeem(lock, addr, tt.fee)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("NewTxRedeem failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimelockSequences(t *testing.T) {
	a, b := testKeys(t)
	lock := testLock(t, a, b, 1_000_000, false)
	addr := testAddress(t)

	cancel, err := NewTxCancel(lock, CancelTimelock(72), a.PubKey(), b.PubKey(), 1_000)
	if err != nil {
		t.Fatalf("NewTxCancel failed: %v", err)
	}
	if seq := cancel.Tx().TxIn[0].Sequence; seq != 72 {
		t.Errorf("cancel sequence = %d, want 72", seq)
	}

	punish, err := NewTxPunish(cancel, addr, 1_000, PunishTimelock(72))
	if err != nil {
		t.Fatalf("NewTxPunish failed: %v", err)
	}
	if seq := punish.Tx().TxIn[0].Sequence; seq != 72 {
		t.Errorf("punish sequence = %d, want 72", seq)
	}

	refund, err := NewTxRefund(cancel, addr, 1_000)
	if err != nil {
		t.Fatalf("NewTxRefund failed: %v", err)
	}
	if seq := refund.Tx().TxIn[0].Sequence; seq != wire.MaxTxInSequenceNum {
		t.Errorf("refund sequence = %d, want max", seq)
	}

	early, err := NewTxEarlyRefund(lock, addr, 1_000)
	if err != nil {
		t.Fatalf("NewTxEarlyRefund failed: %v", err)
	}
	if seq := early.Tx().TxIn[0].Sequence; seq != wire.MaxTxInSequenceNum {
		t.Errorf("early refund sequence = %d, want max", seq)
	}
}

func TestPartialRefundChain(t *testing.T) {
	a, b := testKeys(t)
	lock := testLock(t, a, b, 1_000_000, false)
	addr := testAddress(t)

	cancel, err := NewTxCancel(lock, CancelTimelock(72), a.PubKey(), b.PubKey(), 1_000)
	if err != nil {
		t.Fatalf("NewTxCancel failed: %v", err)
	}

	const amnesty = btcutil.Amount(100_000)
	partial, err := NewTxPartialRefund(cancel, addr, a.PubKey(), b.PubKey(), amnesty, 1_000)
	if err != nil {
		t.Fatalf("NewTxPartialRefund failed: %v", err)
	}

	if got := partial.AmnestyAmount(); got != amnesty {
		t.Errorf("amnesty amount = %d, want %d", got, amnesty)
	}
	outs := partial.Tx().TxOut
	if len(outs) != 2 {
		t.Fatalf("partial refund has %d outputs, want 2", len(outs))
	}
	if got := btcutil.Amount(outs[0].Value); got != cancel.Amount()-amnesty-1_000 {
		t.Errorf("majority output = %d, want %d", got, cancel.Amount()-amnesty-1_000)
	}
	if got := btcutil.Amount(outs[1].Value); got != amnesty {
		t.Errorf("amnesty output = %d, want %d", got, amnesty)
	}
	if partial.AmnestyOutpoint().Index != 1 {
		t.Errorf("amnesty outpoint index = %d, want 1", partial.AmnestyOutpoint().Index)
	}

	refundAmnesty, err := NewTxRefundAmnesty(partial, addr, 1_000, RemainingRefundTimelock(144))
	if err != nil {
		t.Fatalf("NewTxRefundAmnesty failed: %v", err)
	}
	if seq := refundAmnesty.Tx().TxIn[0].Sequence; seq != 144 {
		t.Errorf("refund amnesty sequence = %d, want 144", seq)
	}

	burn, err := NewTxRefundBurn(partial, a.PubKey(), b.PubKey(), 1_000)
	if err != nil {
		t.Fatalf("NewTxRefundBurn failed: %v", err)
	}
	if seq := burn.Tx().TxIn[0].Sequence; seq != wire.MaxTxInSequenceNum {
		t.Errorf("burn sequence = %d, want max", seq)
	}
	if got := burn.Amount(); got != amnesty-1_000 {
		t.Errorf("burn amount = %d, want %d", got, amnesty-1_000)
	}

	final, err := NewTxFinalAmnesty(burn, addr, 1_000)
	if err != nil {
		t.Fatalf("NewTxFinalAmnesty failed: %v", err)
	}
	if seq := final.Tx().TxIn[0].Sequence; seq != wire.MaxTxInSequenceNum {
		t.Errorf("final amnesty sequence = %d, want max", seq)
	}

	// Completion over the amnesty box works end to end.
	signed, err := burn.CompleteAsMaker(a, SignDigest(b, mustDigest(t, burn.spendTx)))
	if err != nil {
		t.Fatalf("CompleteAsMaker failed: %v", err)
	}
	if len(signed.TxIn[0].Witness) != 3 {
		t.Error("burn witness incomplete")
	}

	t.Run("oversized amnesty rejected", func(t *testing.T) {
		_, err := NewTxPartialRefund(cancel, addr, a.PubKey(), b.PubKey(), cancel.Amount(), 1_000)
		if !errors.Is(err, ErrAmnestyTooLarge) {
			t.Errorf("got %v, want ErrAmnestyTooLarge", err)
		}
	})
}

func mustDigest(t *testing.T, s *spendTx) [32]byte {
	t.Helper()
	d, err := s.Digest()
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	return d
}

func TestDeterministicTxids(t *testing.T) {
	a, b := testKeys(t)
	lock := testLock(t, a, b, 1_000_000, false)
	addr := testAddress(t)

	// Both parties derive the family independently from identical inputs
	// and must agree on every txid.
	c1, _ := NewTxCancel(lock, CancelTimelock(72), a.PubKey(), b.PubKey(), 1_000)
	c2, _ := NewTxCancel(lock, CancelTimelock(72), a.PubKey(), b.PubKey(), 1_000)
	if c1.Txid() != c2.Txid() {
		t.Error("cancel txids diverge")
	}

	r1, _ := NewTxRefund(c1, addr, 1_000)
	r2, _ := NewTxRefund(c2, addr, 1_000)
	if r1.Txid() != r2.Txid() {
		t.Error("refund txids diverge")
	}
}

func TestCurrentEpoch(t *testing.T) {
	const (
		cancelTL    = CancelTimelock(72)
		punishTL    = PunishTimelock(72)
		remainingTL = RemainingRefundTimelock(144)
	)

	unseen := ScriptStatus{}
	mempool := ScriptStatus{Seen: true}
	conf := func(n uint64) ScriptStatus { return ScriptStatus{Seen: true, Confirmations: n} }

	tests := []struct {
		name       string
		lock       ScriptStatus
		cancel     ScriptStatus
		partial    *ScriptStatus
		wantEpoch  TimelockEpoch
		wantBlocks uint64
	}{
		{"lock unseen", unseen, unseen, nil, EpochNone, 72},
		{"lock in mempool", mempool, unseen, nil, EpochNone, 72},
		{"lock shallow", conf(10), unseen, nil, EpochNone, 62},
		{"cancel timelock expired", conf(72), unseen, nil, EpochCancel, 72},
		{"cancel confirmed counting down", conf(100), conf(10), nil, EpochCancel, 62},
		{"punish timelock expired", conf(200), conf(72), nil, EpochPunish, 0},
		{"partial refund pending", conf(200), conf(80), ptr(conf(10)), EpochRemainingRefundPending, 134},
		{"partial refund matured", conf(200), conf(80), ptr(conf(144)), EpochRemainingRefund, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CurrentEpoch(cancelTL, punishTL, remainingTL, tt.lock, tt.cancel, tt.partial)
			if got.Epoch != tt.wantEpoch {
				t.Errorf("epoch = %s, want %s", got.Epoch, tt.wantEpoch)
			}
			if got.BlocksLeft != tt.wantBlocks {
				t.Errorf("blocks left = %d, want %d", got.BlocksLeft, tt.wantBlocks)
			}
		})
	}
}

func ptr(s ScriptStatus) *ScriptStatus { return &s }
