package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/xmrbtc/pkg/helpers"
)

// Errors for methods whose backing component is not running.
var (
	ErrNoNode   = errors.New("p2p node not available")
	ErrNoStore  = errors.New("storage not available")
	ErrNoWallet = errors.New("bitcoin wallet not available")
	ErrNoMaker  = errors.New("maker service not running")
	ErrNoTaker  = errors.New("taker service not running")
)

// NodeInfo is the node_info result.
type NodeInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

func (s *Server) nodeInfo(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Node == nil {
		return nil, ErrNoNode
	}
	addrs := make([]string, 0, len(s.deps.Node.Addrs()))
	for _, a := range s.deps.Node.Addrs() {
		addrs = append(addrs, a.String()+"/p2p/"+s.deps.Node.ID().String())
	}
	return NodeInfo{PeerID: s.deps.Node.ID().String(), Addrs: addrs}, nil
}

// NodeStatus is the node_status result.
type NodeStatus struct {
	PeerCount     int    `json:"peer_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WSClients     int    `json:"ws_clients"`
	MakerRunning  bool   `json:"maker_running"`
	ActiveSwaps   int    `json:"active_swaps"`
	Version       string `json:"version,omitempty"`
}

func (s *Server) nodeStatus(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Node == nil {
		return nil, ErrNoNode
	}
	status := NodeStatus{
		PeerCount:     s.deps.Node.PeerCount(),
		UptimeSeconds: int64(s.deps.Node.Uptime().Seconds()),
	}
	if s.wsHub != nil {
		status.WSClients = s.wsHub.ClientCount()
	}
	if s.deps.Makers != nil {
		status.MakerRunning = true
		status.ActiveSwaps = len(s.deps.Makers.ActiveSwaps())
	}
	return status, nil
}

func (s *Server) peersList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Node == nil {
		return nil, ErrNoNode
	}
	peers := make([]string, 0, s.deps.Node.PeerCount())
	for _, p := range s.deps.Node.Peers() {
		peers = append(peers, p.String())
	}
	return peers, nil
}

type peersConnectParams struct {
	Addr string `json:"addr"`
}

func (s *Server) peersConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Node == nil {
		return nil, ErrNoNode
	}
	var p peersConnectParams
	if err := json.Unmarshal(params, &p); err != nil || p.Addr == "" {
		return nil, fmt.Errorf("addr parameter required")
	}
	peerID, err := s.deps.Node.ConnectByAddr(ctx, p.Addr)
	if err != nil {
		return nil, err
	}
	return map[string]string{"peer_id": peerID.String()}, nil
}

func (s *Server) walletAddress(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, ErrNoWallet
	}
	addr, err := s.deps.Wallet.NewAddress(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"address": addr.EncodeAddress()}, nil
}

func (s *Server) walletBalance(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, ErrNoWallet
	}
	balance, err := s.deps.Wallet.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"satoshis": uint64(balance),
		"btc":      helpers.SatoshisToBTC(uint64(balance)),
	}, nil
}

func (s *Server) walletHeight(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, ErrNoWallet
	}
	height, err := s.deps.Wallet.Height(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"height": uint64(height)}, nil
}

// SwapInfo is one entry of the swap_list result.
type SwapInfo struct {
	SwapID    string `json:"swap_id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *Server) swapList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Store == nil {
		return nil, ErrNoStore
	}
	summaries, err := s.deps.Store.ListSwaps()
	if err != nil {
		return nil, err
	}
	infos := make([]SwapInfo, 0, len(summaries))
	for _, sm := range summaries {
		infos = append(infos, SwapInfo{
			SwapID:    sm.SwapID.String(),
			Role:      string(sm.Role),
			State:     sm.StateName,
			UpdatedAt: sm.UpdatedAt.Unix(),
		})
	}
	return infos, nil
}

type swapIDParams struct {
	SwapID string `json:"swap_id"`
}

func (p swapIDParams) parse() (uuid.UUID, error) {
	id, err := uuid.Parse(p.SwapID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid swap_id: %w", err)
	}
	return id, nil
}

// SwapStatus is the swap_status result.
type SwapStatus struct {
	SwapID  string   `json:"swap_id"`
	Role    string   `json:"role"`
	State   string   `json:"state"`
	History []string `json:"history"`
}

func (s *Server) swapStatus(_ context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Store == nil {
		return nil, ErrNoStore
	}
	var p swapIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("swap_id parameter required")
	}
	swapID, err := p.parse()
	if err != nil {
		return nil, err
	}

	stateName, _, err := s.deps.Store.GetState(swapID)
	if err != nil {
		return nil, err
	}
	role, err := s.deps.Store.GetRole(swapID)
	if err != nil {
		return nil, err
	}
	history, err := s.deps.Store.GetStateHistory(swapID)
	if err != nil {
		return nil, err
	}
	return SwapStatus{
		SwapID:  swapID.String(),
		Role:    string(role),
		State:   stateName,
		History: history,
	}, nil
}

func (s *Server) swapActive(_ context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Makers == nil {
		return nil, ErrNoMaker
	}
	ids := s.deps.Makers.ActiveSwaps()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}

type swapTakeParams struct {
	Maker      string `json:"maker"`
	Satoshis   uint64 `json:"satoshis"`
	XMRAddress string `json:"xmr_address"`
}

func (s *Server) swapTake(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.TakeSwap == nil {
		return nil, ErrNoTaker
	}
	var p swapTakeParams
	if err := json.Unmarshal(params, &p); err != nil || p.Maker == "" || p.Satoshis == 0 || p.XMRAddress == "" {
		return nil, fmt.Errorf("maker, satoshis and xmr_address parameters required")
	}
	swapID, err := s.deps.TakeSwap(ctx, p.Maker, p.Satoshis, p.XMRAddress)
	if err != nil {
		return nil, err
	}
	return map[string]string{"swap_id": swapID.String()}, nil
}

func (s *Server) makerQuote(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if s.deps.Makers == nil {
		return nil, ErrNoMaker
	}
	return s.deps.Makers.Quote(ctx)
}

func (s *Server) makerGrantAmnesty(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Makers == nil {
		return nil, ErrNoMaker
	}
	var p swapIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("swap_id parameter required")
	}
	swapID, err := p.parse()
	if err != nil {
		return nil, err
	}
	maker, ok := s.deps.Makers.Lookup(swapID)
	if !ok {
		return nil, fmt.Errorf("swap %s is not active", swapID)
	}
	if err := maker.GrantFinalAmnesty(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"granted": true}, nil
}

type takerQuoteParams struct {
	Maker string `json:"maker"`
}

func (s *Server) takerQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Takers == nil {
		return nil, ErrNoTaker
	}
	var p takerQuoteParams
	if err := json.Unmarshal(params, &p); err != nil || p.Maker == "" {
		return nil, fmt.Errorf("maker parameter required")
	}
	makerID, err := peer.Decode(p.Maker)
	if err != nil {
		return nil, fmt.Errorf("invalid maker peer id: %w", err)
	}
	return s.deps.Takers.RequestQuote(ctx, makerID)
}
