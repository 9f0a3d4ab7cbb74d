package chain

import "testing"

func TestGet(t *testing.T) {
	for _, env := range List() {
		p, err := Get(env)
		if err != nil {
			t.Fatalf("Get(%s): %v", env, err)
		}
		if p.Bitcoin == nil {
			t.Fatalf("%s: nil bitcoin params", env)
		}
		if p.CancelTimelock == 0 || p.PunishTimelock == 0 || p.RemainingRefundTimelock == 0 {
			t.Fatalf("%s: zero timelock default", env)
		}
	}
	if _, err := Get("simnet"); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	a, err := Get(Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	a.CancelTimelock = 1
	b, err := Get(Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	if b.CancelTimelock == 1 {
		t.Fatal("override leaked into the registry")
	}
}

func TestValidatePair(t *testing.T) {
	tests := []struct {
		btc, xmr string
		ok       bool
	}{
		{"mainnet", "mainnet", true},
		{"testnet3", "stagenet", true},
		{"regtest", "stagenet", true},
		{"mainnet", "stagenet", false},
		{"testnet3", "mainnet", false},
		{"", "", false},
	}
	for _, tt := range tests {
		err := ValidatePair(tt.btc, tt.xmr)
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePair(%q, %q) = %v, want ok=%v", tt.btc, tt.xmr, err, tt.ok)
		}
	}
}

func TestDerivationPath(t *testing.T) {
	p, err := Get(Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	path := p.DerivationPath(0, 0, 5)
	want := []uint32{84 + 0x80000000, 0x80000000, 0x80000000, 0, 5}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path[%d] = %#x, want %#x", i, path[i], want[i])
		}
	}
	if got := p.DerivationPathString(0, 1, 2); got != "m/84'/0'/0'/1/2" {
		t.Fatalf("path string = %q", got)
	}
}
