package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/xmrbtc/internal/chain"
	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

func TestCodecRoundTrip(t *testing.T) {
	want := swap.TransferProofRequest{
		SwapID: uuid.New(),
		TxHash: "c7f2c0eaa1f9b7f5a3f0e2a9d4b6c8e1f3a5b7c9d1e3f5a7b9c1d3e5f7a9b1c3",
		TxKey:  []byte{1, 2, 3, 4},
	}

	var buf bytes.Buffer
	if err := writeMessage(&buf, want); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	var got swap.TransferProofRequest
	if err := readMessage(&buf, &got); err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if got.SwapID != want.SwapID || got.TxHash != want.TxHash || !bytes.Equal(got.TxKey, want.TxKey) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestReadMessageRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	buf.Write(prefix[:])

	var msg swap.Ack
	if err := readMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for oversize frame announcement")
	}
}

func TestWriteMessageRejectsOversizePayload(t *testing.T) {
	msg := swap.Message2{TxLock: make([]byte, maxMessageSize+1)}
	if err := writeMessage(&bytes.Buffer{}, msg); err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

// testNode builds a localhost-only node with discovery disabled.
func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := &Config{
		Environment: chain.Dev,
		DataDir:     t.TempDir(),
		KeyFile:     "node.key",
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	}
	n, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func connect(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := from.Connect(ctx, peer.AddrInfo{ID: to.ID(), Addrs: to.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestQuoteRequest(t *testing.T) {
	makerNode := testNode(t)
	takerNode := testNode(t)

	want := swap.BidQuote{Price: 55_000_000_000_000, MinQuantity: 100_000, MaxQuantity: 10_000_000}
	svc := NewMakerService(makerNode, swap.BlockchainNetwork{Bitcoin: "regtest", Monero: "stagenet"},
		func(swap.MakerEventHandle) (*swap.Maker, error) { t.Fatal("factory should not run"); return nil, nil },
		func(context.Context) (swap.BidQuote, error) { return want, nil },
	)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	connect(t, takerNode, makerNode)

	takers := NewTakerService(takerNode)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := takers.RequestQuote(ctx, makerNode.ID())
	if err != nil {
		t.Fatalf("RequestQuote: %v", err)
	}
	if got != want {
		t.Fatalf("quote = %+v, want %+v", got, want)
	}
}

func TestTransferProofRouting(t *testing.T) {
	makerNode := testNode(t)
	takerNode := testNode(t)

	takers := NewTakerService(takerNode)
	takers.Start()
	defer takers.Stop()

	connect(t, makerNode, takerNode)

	swapID := uuid.New()
	handle := takers.EventHandle(makerNode.ID(), swapID)
	defer takers.Unregister(swapID)

	want := swap.TransferProofRequest{SwapID: swapID, TxHash: "ab", TxKey: []byte{9}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ack swap.Ack
	if err := makerNode.sendWithRetry(ctx, takerNode.ID(), protocolTransferProof, want, &ack); err != nil {
		t.Fatalf("send transfer proof: %v", err)
	}

	got, err := handle.ReceiveTransferProof(ctx)
	if err != nil {
		t.Fatalf("ReceiveTransferProof: %v", err)
	}
	if got.SwapID != want.SwapID || got.TxHash != want.TxHash {
		t.Fatalf("proof mismatch: got %+v", got)
	}
}

func TestTransferProofUnknownSwapDropped(t *testing.T) {
	makerNode := testNode(t)
	takerNode := testNode(t)

	takers := NewTakerService(takerNode)
	takers.Start()
	defer takers.Stop()

	connect(t, makerNode, takerNode)

	req := swap.TransferProofRequest{SwapID: uuid.New(), TxHash: "cd"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No route registered: the handler drops the push without an ack, so
	// the sender times out.
	var ack swap.Ack
	if err := makerNode.sendOnce(ctx, takerNode.ID(), protocolTransferProof, req, &ack); err == nil {
		t.Fatal("expected no ack for unknown swap")
	}
}

func TestEncryptedSignatureRouting(t *testing.T) {
	makerNode := testNode(t)
	takerNode := testNode(t)

	svc := NewMakerService(makerNode, swap.BlockchainNetwork{Bitcoin: "regtest", Monero: "stagenet"},
		func(swap.MakerEventHandle) (*swap.Maker, error) { t.Fatal("factory should not run"); return nil, nil },
		func(context.Context) (swap.BidQuote, error) { return swap.BidQuote{}, nil },
	)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	swapID := uuid.New()
	handle := &makerHandle{svc: svc, taker: takerNode.ID(), encsigs: make(chan swap.EncryptedSignatureRequest, 1)}
	svc.mu.Lock()
	svc.active[swapID] = &activeMaker{handle: handle, taker: takerNode.ID(), done: make(chan struct{})}
	svc.mu.Unlock()

	connect(t, takerNode, makerNode)

	want := swap.EncryptedSignatureRequest{SwapID: swapID, EncSig: []byte{1, 2, 3}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ack swap.Ack
	if err := takerNode.sendWithRetry(ctx, makerNode.ID(), protocolEncryptedSig, want, &ack); err != nil {
		t.Fatalf("send encrypted signature: %v", err)
	}

	got, err := handle.ReceiveEncryptedSignature(ctx)
	if err != nil {
		t.Fatalf("ReceiveEncryptedSignature: %v", err)
	}
	if got.SwapID != swapID || !bytes.Equal(got.EncSig, want.EncSig) {
		t.Fatalf("signature mismatch: got %+v", got)
	}
}

func TestCooperativeRedeemUnknownSwapRejected(t *testing.T) {
	makerNode := testNode(t)
	takerNode := testNode(t)

	svc := NewMakerService(makerNode, swap.BlockchainNetwork{Bitcoin: "regtest", Monero: "stagenet"},
		func(swap.MakerEventHandle) (*swap.Maker, error) { t.Fatal("factory should not run"); return nil, nil },
		func(context.Context) (swap.BidQuote, error) { return swap.BidQuote{}, nil },
	)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	connect(t, takerNode, makerNode)

	takers := NewTakerService(takerNode)
	swapID := uuid.New()
	handle := takers.EventHandle(makerNode.ID(), swapID)
	defer takers.Unregister(swapID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := handle.RequestCooperativeRedeem(ctx, swap.CooperativeRedeemRequest{SwapID: uuid.New()})
	if err != nil {
		t.Fatalf("RequestCooperativeRedeem: %v", err)
	}
	if resp.Rejected == nil || resp.Rejected.Reason != swap.CoopRedeemRejectInvalidState {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Environment: chain.Dev,
		DataDir:     dir,
		KeyFile:     "node.key",
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	}

	first, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := first.ID()
	first.Stop()

	second, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	if second.ID() != id {
		t.Fatalf("identity changed across restarts: %s != %s", second.ID(), id)
	}
}
