package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	store, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, "xmrbtc.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := store.DB().Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestSwapStateRoundTrip(t *testing.T) {
	store := testStorage(t)
	swapID := uuid.New()

	if _, _, err := store.GetState(swapID); !errors.Is(err, swap.ErrSwapNotFound) {
		t.Fatalf("expected ErrSwapNotFound, got %v", err)
	}

	states := []struct {
		name string
		blob []byte
	}{
		{"started", []byte("blob-1")},
		{"btc_lock_seen", []byte("blob-2")},
		{"btc_redeemed", []byte("blob-3")},
	}
	for _, st := range states {
		if err := store.InsertLatestState(swapID, swap.RoleMaker, st.name, st.blob); err != nil {
			t.Fatalf("InsertLatestState(%s): %v", st.name, err)
		}
	}

	name, blob, err := store.GetState(swapID)
	if err != nil {
		t.Fatal(err)
	}
	if name != "btc_redeemed" || string(blob) != "blob-3" {
		t.Fatalf("latest state = %s/%q, want btc_redeemed/blob-3", name, blob)
	}

	history, err := store.GetStateHistory(swapID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0] != "started" || history[2] != "btc_redeemed" {
		t.Fatalf("unexpected history %v", history)
	}

	role, err := store.GetRole(swapID)
	if err != nil || role != swap.RoleMaker {
		t.Fatalf("role = %v, %v", role, err)
	}
}

func TestListAndUnfinishedSwaps(t *testing.T) {
	store := testStorage(t)

	done := uuid.New()
	open := uuid.New()
	if err := store.InsertLatestState(done, swap.RoleMaker, string(swap.MakerBtcRedeemed), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertLatestState(open, swap.RoleTaker, string(swap.TakerBtcLocked), []byte("y")); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListSwaps()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListSwaps() returned %d swaps, want 2", len(all))
	}

	unfinished, err := store.UnfinishedSwaps()
	if err != nil {
		t.Fatal(err)
	}
	if len(unfinished) != 1 || unfinished[0].SwapID != open {
		t.Fatalf("unexpected unfinished swaps %+v", unfinished)
	}
	if unfinished[0].Role != swap.RoleTaker {
		t.Fatalf("unfinished role = %s", unfinished[0].Role)
	}
}

func TestSeedRoundTrip(t *testing.T) {
	store := testStorage(t)
	const (
		seed     = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
		password = "correct horse battery staple"
	)

	if _, err := store.LoadSeed("bitcoin", password); !errors.Is(err, ErrSeedNotFound) {
		t.Fatalf("expected ErrSeedNotFound, got %v", err)
	}

	if err := store.StoreSeed("bitcoin", seed, password); err != nil {
		t.Fatalf("StoreSeed: %v", err)
	}
	got, err := store.LoadSeed("bitcoin", password)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if got != seed {
		t.Fatal("decrypted seed does not match")
	}

	if _, err := store.LoadSeed("bitcoin", "not the password"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}

	has, err := store.HasSeed("bitcoin")
	if err != nil || !has {
		t.Fatalf("HasSeed = %v, %v", has, err)
	}
	has, err = store.HasSeed("monero")
	if err != nil || has {
		t.Fatalf("HasSeed for missing name = %v, %v", has, err)
	}
}

func TestStoreSeedRejectsWeakPassword(t *testing.T) {
	store := testStorage(t)
	if err := store.StoreSeed("bitcoin", "some seed", "short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestPeers(t *testing.T) {
	store := testStorage(t)

	peer := &PeerRecord{
		PeerID:      "12D3KooWTest",
		Addresses:   []string{"/ip4/10.0.0.1/tcp/9333"},
		IsBootstrap: true,
	}
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkPeerConnected(peer.PeerID); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetPeer(peer.PeerID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ConnectionCount != 1 || !got.IsBootstrap {
		t.Fatalf("unexpected peer record %+v", got)
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != peer.Addresses[0] {
		t.Fatalf("addresses not restored: %v", got.Addresses)
	}

	recent, err := store.RecentPeers(time.Hour, 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentPeers = %d peers, %v", len(recent), err)
	}

	missing, err := store.GetPeer("nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing peer = %+v, %v", missing, err)
	}

	if err := store.DeletePeer(peer.PeerID); err != nil {
		t.Fatal(err)
	}
	gone, err := store.GetPeer(peer.PeerID)
	if err != nil || gone != nil {
		t.Fatal("peer not deleted")
	}
}

func TestSettings(t *testing.T) {
	store := testStorage(t)

	empty, err := store.GetSetting("restore_height")
	if err != nil || empty != "" {
		t.Fatalf("unset setting = %q, %v", empty, err)
	}
	if err := store.SetSetting("restore_height", "123456"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting("restore_height", "123500"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSetting("restore_height")
	if err != nil || got != "123500" {
		t.Fatalf("setting = %q, %v", got, err)
	}
}
