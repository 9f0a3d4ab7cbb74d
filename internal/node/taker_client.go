package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/xmrbtc/internal/swap"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// TakerService is the taker side of the swap protocols. It opens the
// setup stream to a chosen maker and routes the maker's inbound transfer
// proof pushes to the swap that expects them.
type TakerService struct {
	node *Node
	log  *logging.Logger

	mu     sync.Mutex
	proofs map[uuid.UUID]chan swap.TransferProofRequest
}

// NewTakerService wires the service; Start registers its stream handler.
func NewTakerService(node *Node) *TakerService {
	return &TakerService{
		node:   node,
		log:    node.log.Component("taker"),
		proofs: map[uuid.UUID]chan swap.TransferProofRequest{},
	}
}

// Start registers the transfer proof handler.
func (s *TakerService) Start() {
	s.node.Host().SetStreamHandler(protocolTransferProof, s.handleTransferProofStream)
}

// Stop unregisters the transfer proof handler.
func (s *TakerService) Stop() {
	s.node.Host().RemoveStreamHandler(protocolTransferProof)
}

// RequestQuote asks a maker for its standing offer.
func (s *TakerService) RequestQuote(ctx context.Context, maker peer.ID) (swap.BidQuote, error) {
	var quote swap.BidQuote
	if err := s.node.sendOnce(ctx, maker, protocolQuote, swap.QuoteRequest{}, &quote); err != nil {
		return swap.BidQuote{}, fmt.Errorf("failed to fetch quote from %s: %w", shortID(maker), err)
	}
	return quote, nil
}

// OpenSetup opens the setup stream to the maker and returns the handle a
// taker machine drives through its Setup call. The caller must Close the
// handle when the handshake ends, on either outcome.
func (s *TakerService) OpenSetup(ctx context.Context, maker peer.ID) (*SetupStream, error) {
	stream, err := s.node.host.NewStream(ctx, maker, protocolSetup)
	if err != nil {
		return nil, fmt.Errorf("failed to open setup stream to %s: %w", shortID(maker), err)
	}
	stream.SetDeadline(time.Now().Add(swap.SetupTimeout))
	return &SetupStream{stream: stream}, nil
}

// EventHandle returns the per-swap peer bundle for a taker machine and
// registers the swap for inbound transfer proof routing. Release it with
// Unregister when the swap reaches a terminal state.
func (s *TakerService) EventHandle(maker peer.ID, swapID uuid.UUID) swap.TakerEventHandle {
	ch := make(chan swap.TransferProofRequest, 1)
	s.mu.Lock()
	s.proofs[swapID] = ch
	s.mu.Unlock()
	return &takerHandle{svc: s, maker: maker, swapID: swapID, proofs: ch}
}

// DeferredEventHandle returns a handle for a taker whose swap id is only
// assigned during the setup handshake. The transfer proof route registers
// on first use, which happens after setup completes.
func (s *TakerService) DeferredEventHandle(maker peer.ID, swapID func() uuid.UUID) swap.TakerEventHandle {
	return &deferredTakerHandle{svc: s, maker: maker, swapID: swapID}
}

// Unregister drops the transfer proof route for a finished swap.
func (s *TakerService) Unregister(swapID uuid.UUID) {
	s.mu.Lock()
	delete(s.proofs, swapID)
	s.mu.Unlock()
}

func (s *TakerService) handleTransferProofStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	var req swap.TransferProofRequest
	if err := readMessage(stream, &req); err != nil {
		return
	}

	s.mu.Lock()
	ch, ok := s.proofs[req.SwapID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("transfer proof for unknown swap", "swap_id", req.SwapID)
		return
	}

	select {
	case ch <- req:
	default:
		// A duplicate retry; the first copy is still queued.
	}
	writeMessage(stream, swap.Ack{})
}

// SetupStream runs the taker's side of the setup handshake over a single
// stream.
type SetupStream struct {
	stream network.Stream
}

func (s *SetupStream) roundTrip(req, resp any) error {
	if err := writeMessage(s.stream, req); err != nil {
		return err
	}
	return readMessage(s.stream, resp)
}

func (s *SetupStream) RequestSpotPrice(_ context.Context, req swap.SpotPriceRequest) (swap.SpotPriceResponse, error) {
	var resp swap.SpotPriceResponse
	err := s.roundTrip(req, &resp)
	return resp, err
}

func (s *SetupStream) SendMessage0(_ context.Context, msg swap.Message0) (swap.Message1, error) {
	var resp swap.Message1
	err := s.roundTrip(msg, &resp)
	return resp, err
}

func (s *SetupStream) SendMessage2(_ context.Context, msg swap.Message2) (swap.Message3, error) {
	var resp swap.Message3
	err := s.roundTrip(msg, &resp)
	return resp, err
}

func (s *SetupStream) SendMessage4(_ context.Context, msg swap.Message4) error {
	var ack swap.SetupAck
	return s.roundTrip(msg, &ack)
}

// Close releases the underlying stream.
func (s *SetupStream) Close() error {
	return s.stream.Close()
}

var _ swap.SetupHandle = (*SetupStream)(nil)

// takerHandle is the per-swap peer bundle handed to a taker machine.
type takerHandle struct {
	svc    *TakerService
	maker  peer.ID
	swapID uuid.UUID
	proofs chan swap.TransferProofRequest
}

// SendEncryptedSignature pushes the adaptor signature to the maker,
// retrying with the protocol backoff until acknowledged.
func (h *takerHandle) SendEncryptedSignature(ctx context.Context, req swap.EncryptedSignatureRequest) error {
	var ack swap.Ack
	return h.svc.node.sendWithRetry(ctx, h.maker, protocolEncryptedSig, req, &ack)
}

// ReceiveTransferProof blocks until the maker's lock proof arrives.
func (h *takerHandle) ReceiveTransferProof(ctx context.Context) (swap.TransferProofRequest, error) {
	select {
	case req := <-h.proofs:
		return req, nil
	case <-ctx.Done():
		return swap.TransferProofRequest{}, ctx.Err()
	}
}

// RequestCooperativeRedeem asks the maker to reveal its Monero share
// after a punish. A single round; the taker machine retries on its own
// schedule.
func (h *takerHandle) RequestCooperativeRedeem(ctx context.Context, req swap.CooperativeRedeemRequest) (swap.CooperativeRedeemResponse, error) {
	var resp swap.CooperativeRedeemResponse
	if err := h.svc.node.sendOnce(ctx, h.maker, protocolCooperativeRedeem, req, &resp); err != nil {
		return swap.CooperativeRedeemResponse{}, err
	}
	return resp, nil
}

var _ swap.TakerEventHandle = (*takerHandle)(nil)

// deferredTakerHandle resolves the swap id lazily, then delegates.
type deferredTakerHandle struct {
	svc    *TakerService
	maker  peer.ID
	swapID func() uuid.UUID

	once  sync.Once
	inner swap.TakerEventHandle
}

func (h *deferredTakerHandle) resolve() swap.TakerEventHandle {
	h.once.Do(func() {
		h.inner = h.svc.EventHandle(h.maker, h.swapID())
	})
	return h.inner
}

func (h *deferredTakerHandle) SendEncryptedSignature(ctx context.Context, req swap.EncryptedSignatureRequest) error {
	return h.resolve().SendEncryptedSignature(ctx, req)
}

func (h *deferredTakerHandle) ReceiveTransferProof(ctx context.Context) (swap.TransferProofRequest, error) {
	return h.resolve().ReceiveTransferProof(ctx)
}

func (h *deferredTakerHandle) RequestCooperativeRedeem(ctx context.Context, req swap.CooperativeRedeemRequest) (swap.CooperativeRedeemResponse, error) {
	return h.resolve().RequestCooperativeRedeem(ctx, req)
}

var _ swap.TakerEventHandle = (*deferredTakerHandle)(nil)
