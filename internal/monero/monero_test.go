package monero

import (
	"bytes"
	"testing"

	"filippo.io/edwards25519"
)

func mustSpendKey(t *testing.T) *PrivateSpendKey {
	t.Helper()
	v, err := NewRandomPrivateViewKey()
	if err != nil {
		t.Fatalf("failed to sample scalar: %v", err)
	}
	return NewPrivateSpendKey(v.Scalar())
}

func TestJointSpendKey(t *testing.T) {
	a := mustSpendKey(t)
	b := mustSpendKey(t)

	joint := a.Add(b)

	// The public image of the joint key must equal the sum of the public
	// shares.
	want := a.Public().Add(b.Public())
	if !joint.Public().Equal(want) {
		t.Error("joint public spend key does not match sum of shares")
	}
}

func TestJointViewKey(t *testing.T) {
	va, err := NewRandomPrivateViewKey()
	if err != nil {
		t.Fatalf("failed to sample view key: %v", err)
	}
	vb, err := NewRandomPrivateViewKey()
	if err != nil {
		t.Fatalf("failed to sample view key: %v", err)
	}

	joint := va.Add(vb)
	want := va.Public().Add(vb.Public())
	if !joint.Public().Equal(want) {
		t.Error("joint public view key does not match sum of shares")
	}
}

func TestSpendKeyBytesRoundtrip(t *testing.T) {
	k := mustSpendKey(t)

	parsed, err := PrivateSpendKeyFromBytes(k.Bytes())
	if err != nil {
		t.Fatalf("PrivateSpendKeyFromBytes failed: %v", err)
	}
	if !bytes.Equal(parsed.Bytes(), k.Bytes()) {
		t.Error("spend key changed across encode/decode")
	}
}

func TestPublicKeyFromBytesRejectsGarbage(t *testing.T) {
	if _, err := PublicKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("short public key accepted")
	}
	garbage := bytes.Repeat([]byte{0xff}, 32)
	if _, err := PublicKeyFromBytes(garbage); err == nil {
		t.Error("non-canonical point accepted")
	}
}

func TestAddressRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		net  Network
	}{
		{"mainnet", NetworkMainnet},
		{"stagenet", NetworkStagenet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spend := mustSpendKey(t).Public()
			view := mustSpendKey(t).Public()

			addr, err := NewAddress(tt.net, spend, view)
			if err != nil {
				t.Fatalf("NewAddress failed: %v", err)
			}

			encoded := addr.String()
			parsed, err := ParseAddress(encoded, tt.net)
			if err != nil {
				t.Fatalf("ParseAddress failed for %q: %v", encoded, err)
			}

			if !parsed.SpendKey().Equal(spend) || !parsed.ViewKey().Equal(view) {
				t.Error("address keys changed across encode/decode")
			}
		})
	}
}

func TestParseAddressNetworkMismatch(t *testing.T) {
	spend := mustSpendKey(t).Public()
	view := mustSpendKey(t).Public()

	addr, _ := NewAddress(NetworkMainnet, spend, view)
	if _, err := ParseAddress(addr.String(), NetworkStagenet); err == nil {
		t.Error("mainnet address accepted as stagenet")
	}
}

func TestParseAddressBadChecksum(t *testing.T) {
	spend := mustSpendKey(t).Public()
	view := mustSpendKey(t).Public()

	addr, _ := NewAddress(NetworkMainnet, spend, view)
	encoded := []byte(addr.String())

	// Flip a character in the checksum region.
	last := encoded[len(encoded)-1]
	if last == '2' {
		encoded[len(encoded)-1] = '3'
	} else {
		encoded[len(encoded)-1] = '2'
	}

	if _, err := ParseAddress(string(encoded), NetworkMainnet); err == nil {
		t.Error("address with corrupted checksum accepted")
	}
}

func TestViewPairAddress(t *testing.T) {
	sa := mustSpendKey(t)
	sb := mustSpendKey(t)
	va, _ := NewRandomPrivateViewKey()
	vb, _ := NewRandomPrivateViewKey()

	jointSpendPub := sa.Public().Add(sb.Public())
	jointView := va.Add(vb)

	pair := ViewPair{SpendPublic: jointSpendPub, ViewPrivate: jointView}
	addr, err := pair.Address(NetworkStagenet)
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}

	// Both parties derive the identical lock address.
	pair2 := ViewPair{SpendPublic: sb.Public().Add(sa.Public()), ViewPrivate: vb.Add(va)}
	addr2, _ := pair2.Address(NetworkStagenet)
	if addr.String() != addr2.String() {
		t.Error("parties derived different joint addresses")
	}
}

func TestAmountString(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{Amount(1000000000000), "1 XMR"},
		{Amount(500000000000), "0.5 XMR"},
		{Amount(1), "0.000000000001 XMR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.amount.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScalarIdentity(t *testing.T) {
	// Sanity check on the group: s*B + 0 == s*B.
	v, _ := NewRandomPrivateViewKey()
	zero := edwards25519.NewScalar()
	p := new(edwards25519.Point).ScalarBaseMult(v.Scalar())
	q := new(edwards25519.Point).ScalarBaseMult(edwards25519.NewScalar().Add(v.Scalar(), zero))
	if p.Equal(q) != 1 {
		t.Error("scalar addition identity violated")
	}
}
