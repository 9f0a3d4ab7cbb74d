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

// MakerFactory builds a fresh maker machine for one inbound setup. The
// handle is the peer channel bundle the node wires to the taker's
// streams.
type MakerFactory func(handle swap.MakerEventHandle) (*swap.Maker, error)

// QuoteSource renders the maker's standing offer for the quote protocol
// and the gossip publisher.
type QuoteSource func(ctx context.Context) (swap.BidQuote, error)

// MakerService serves the maker side of the swap protocols: quotes,
// setup handshakes, and the post-setup streams of every active swap.
type MakerService struct {
	node     *Node
	log      *logging.Logger
	network  swap.BlockchainNetwork
	newMaker MakerFactory
	quote    QuoteSource

	mu     sync.Mutex
	active map[uuid.UUID]*activeMaker
}

type activeMaker struct {
	maker   *swap.Maker
	handle  *makerHandle
	taker   peer.ID
	done    chan struct{}
}

// NewMakerService wires the service; Start registers its stream
// handlers.
func NewMakerService(node *Node, network swap.BlockchainNetwork, factory MakerFactory, quote QuoteSource) *MakerService {
	return &MakerService{
		node:     node,
		log:      node.log.Component("maker"),
		network:  network,
		newMaker: factory,
		quote:    quote,
		active:   map[uuid.UUID]*activeMaker{},
	}
}

// Start registers the maker-side stream handlers and begins gossiping
// quotes.
func (s *MakerService) Start() error {
	h := s.node.Host()
	h.SetStreamHandler(protocolQuote, s.handleQuoteStream)
	h.SetStreamHandler(protocolSetup, s.handleSetupStream)
	h.SetStreamHandler(protocolEncryptedSig, s.handleEncSigStream)
	h.SetStreamHandler(protocolCooperativeRedeem, s.handleCooperativeRedeemStream)

	if err := s.startQuoteGossip(); err != nil {
		return fmt.Errorf("failed to start quote gossip: %w", err)
	}
	return nil
}

// Stop unregisters the stream handlers. Active swaps keep running.
func (s *MakerService) Stop() {
	h := s.node.Host()
	h.RemoveStreamHandler(protocolQuote)
	h.RemoveStreamHandler(protocolSetup)
	h.RemoveStreamHandler(protocolEncryptedSig)
	h.RemoveStreamHandler(protocolCooperativeRedeem)
}

// ActiveSwaps returns the swap ids currently being served.
func (s *MakerService) ActiveSwaps() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Quote renders the current standing offer.
func (s *MakerService) Quote(ctx context.Context) (swap.BidQuote, error) {
	return s.quote(ctx)
}

// Lookup returns a running maker machine by swap id.
func (s *MakerService) Lookup(swapID uuid.UUID) (*swap.Maker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	am, ok := s.active[swapID]
	if !ok {
		return nil, false
	}
	return am.maker, true
}

func (s *MakerService) handleQuoteStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	var req swap.QuoteRequest
	if err := readMessage(stream, &req); err != nil {
		return
	}
	quote, err := s.quote(s.node.ctx)
	if err != nil {
		s.log.Warn("failed to render quote", "err", err)
		return
	}
	if err := writeMessage(stream, quote); err != nil {
		s.log.Debug("failed to answer quote", "peer", shortID(stream.Conn().RemotePeer()), "err", err)
	}
}

// handleSetupStream runs the whole setup handshake on one stream: spot
// price, message0/1, message2/3, message4/ack. On success the maker
// machine starts running in the background.
func (s *MakerService) handleSetupStream(stream network.Stream) {
	defer stream.Close()
	takerPeer := stream.Conn().RemotePeer()
	stream.SetDeadline(time.Now().Add(swap.SetupTimeout))

	handle := &makerHandle{
		svc:     s,
		taker:   takerPeer,
		encsigs: make(chan swap.EncryptedSignatureRequest, 1),
	}
	maker, err := s.newMaker(handle)
	if err != nil {
		s.log.Error("failed to create maker machine", "err", err)
		return
	}

	var priceReq swap.SpotPriceRequest
	if err := readMessage(stream, &priceReq); err != nil {
		return
	}
	priceResp := maker.HandleSpotPrice(s.node.ctx, priceReq, s.network)
	if err := writeMessage(stream, priceResp); err != nil || priceResp.Error != nil {
		return
	}

	var msg0 swap.Message0
	if err := readMessage(stream, &msg0); err != nil {
		return
	}
	msg1, err := maker.HandleMessage0(s.node.ctx, msg0)
	if err != nil {
		s.log.Info("setup aborted at message0", "peer", shortID(takerPeer), "err", err)
		return
	}
	if err := writeMessage(stream, msg1); err != nil {
		return
	}

	var msg2 swap.Message2
	if err := readMessage(stream, &msg2); err != nil {
		return
	}
	msg3, err := maker.HandleMessage2(msg2)
	if err != nil {
		s.log.Info("setup aborted at message2", "peer", shortID(takerPeer), "err", err)
		return
	}
	if err := writeMessage(stream, msg3); err != nil {
		return
	}

	var msg4 swap.Message4
	if err := readMessage(stream, &msg4); err != nil {
		return
	}
	if err := maker.HandleMessage4(msg4); err != nil {
		s.log.Info("setup aborted at message4", "peer", shortID(takerPeer), "err", err)
		return
	}
	if err := writeMessage(stream, swap.SetupAck{}); err != nil {
		return
	}

	s.runMaker(maker, handle, takerPeer)
}

// runMaker registers the machine and drives it to a terminal state in
// the background.
func (s *MakerService) runMaker(maker *swap.Maker, handle *makerHandle, taker peer.ID) {
	swapID := maker.SwapID()
	am := &activeMaker{maker: maker, handle: handle, taker: taker, done: make(chan struct{})}

	s.mu.Lock()
	s.active[swapID] = am
	s.mu.Unlock()

	if s.node.store != nil {
		// Remember the counterparty so the swap can resume after a
		// restart.
		if err := s.node.store.SetSetting("swap_peer/"+swapID.String(), taker.String()); err != nil {
			s.log.Warn("failed to persist swap peer", "swap_id", swapID, "err", err)
		}
	}

	s.log.Info("swap setup complete, starting maker", "swap_id", swapID, "taker", shortID(taker))
	go func() {
		defer close(am.done)
		defer func() {
			s.mu.Lock()
			delete(s.active, swapID)
			s.mu.Unlock()
		}()
		if err := maker.Run(s.node.ctx); err != nil {
			s.log.Error("maker run ended with error", "swap_id", swapID, "err", err)
		}
	}()
}

// Resume rebuilds and runs a maker machine restored from the database.
// The build callback receives the peer handle the restored machine must
// be constructed with; the taker peer is redialed lazily when a transfer
// proof needs sending.
func (s *MakerService) Resume(taker peer.ID, build func(handle swap.MakerEventHandle) (*swap.Maker, error)) (*swap.Maker, error) {
	handle := &makerHandle{
		svc:     s,
		taker:   taker,
		encsigs: make(chan swap.EncryptedSignatureRequest, 1),
	}
	maker, err := build(handle)
	if err != nil {
		return nil, err
	}
	s.runMaker(maker, handle, taker)
	return maker, nil
}

func (s *MakerService) handleEncSigStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	var req swap.EncryptedSignatureRequest
	if err := readMessage(stream, &req); err != nil {
		return
	}

	s.mu.Lock()
	am, ok := s.active[req.SwapID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("encrypted signature for unknown swap", "swap_id", req.SwapID)
		return
	}

	select {
	case am.handle.encsigs <- req:
	default:
		// A duplicate retry; the first copy is still queued.
	}
	writeMessage(stream, swap.Ack{})
}

func (s *MakerService) handleCooperativeRedeemStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	var req swap.CooperativeRedeemRequest
	if err := readMessage(stream, &req); err != nil {
		return
	}

	s.mu.Lock()
	am, ok := s.active[req.SwapID]
	s.mu.Unlock()

	var resp swap.CooperativeRedeemResponse
	if ok {
		resp = am.maker.HandleCooperativeRedeem(req)
	} else {
		resp = swap.CooperativeRedeemResponse{
			Rejected: &swap.CooperativeRedeemReject{Reason: swap.CoopRedeemRejectInvalidState},
		}
	}
	writeMessage(stream, resp)
}

// makerHandle is the per-swap peer bundle handed to a maker machine.
type makerHandle struct {
	svc     *MakerService
	taker   peer.ID
	encsigs chan swap.EncryptedSignatureRequest
}

// SendTransferProof pushes the Monero lock proof to the taker, retrying
// with the protocol backoff until acknowledged.
func (h *makerHandle) SendTransferProof(ctx context.Context, req swap.TransferProofRequest) error {
	var ack swap.Ack
	return h.svc.node.sendWithRetry(ctx, h.taker, protocolTransferProof, req, &ack)
}

// ReceiveEncryptedSignature blocks until the taker's adaptor signature
// arrives on the encrypted signature stream.
func (h *makerHandle) ReceiveEncryptedSignature(ctx context.Context) (swap.EncryptedSignatureRequest, error) {
	select {
	case req := <-h.encsigs:
		return req, nil
	case <-ctx.Done():
		return swap.EncryptedSignatureRequest{}, ctx.Err()
	}
}

var _ swap.MakerEventHandle = (*makerHandle)(nil)
