// Package rpc provides the JSON-RPC 2.0 control API for the swap daemon.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/node"
	"github.com/klingon-exchange/xmrbtc/internal/storage"
	"github.com/klingon-exchange/xmrbtc/internal/wallet"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// Deps bundles the daemon components the API exposes. Nil fields
// disable the corresponding methods; a taker-only daemon has no Makers.
type Deps struct {
	Node   *node.Node
	Store  *storage.Storage
	Wallet *wallet.Wallet
	Makers *node.MakerService
	Takers *node.TakerService

	// TakeSwap starts a taker swap against the maker peer for the given
	// amount in satoshis, paying out to the XMR address, and returns the
	// swap id.
	TakeSwap func(ctx context.Context, maker string, satoshis uint64, xmrAddress string) (uuid.UUID, error)
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	deps  Deps
	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates the server. Start begins listening.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		log:      logging.Component("rpc"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus

	s.handlers["peers_list"] = s.peersList
	s.handlers["peers_connect"] = s.peersConnect

	s.handlers["wallet_address"] = s.walletAddress
	s.handlers["wallet_balance"] = s.walletBalance
	s.handlers["wallet_height"] = s.walletHeight

	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_active"] = s.swapActive
	s.handlers["swap_take"] = s.swapTake

	s.handlers["maker_quote"] = s.makerQuote
	s.handlers["maker_grantAmnesty"] = s.makerGrantAmnesty

	s.handlers["taker_quote"] = s.takerQuote
}

// Start starts the server on the given address.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "err", err)
		}
	}()

	s.log.Info("rpc server started", "addr", addr)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// WSHub returns the event hub; nil before Start.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
