// Package backend talks to Bitcoin chain data providers: Esplora-style
// HTTP APIs, Electrum servers, and bitcoind's RPC. It never sees private
// keys; signing happens in the wallet package.
//
// The API is keyed on output scripts rather than address strings because
// the swap protocol watches P2WSH scripts it derived itself.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type selects the backend implementation.
type Type string

const (
	// TypeEsplora covers blockstream.info, mempool.space, and self-hosted
	// Esplora instances.
	TypeEsplora Type = "esplora"
	// TypeElectrum speaks the Electrum protocol over TCP or TLS.
	TypeElectrum Type = "electrum"
	// TypeBitcoind talks to a bitcoind node directly; the only choice on
	// regtest.
	TypeBitcoind Type = "bitcoind"
)

// UTXO is an unspent output paying to a watched script.
type UTXO struct {
	OutPoint      wire.OutPoint
	Amount        btcutil.Amount
	Confirmations int64
	PkScript      []byte
}

// TxStatus is the chain's view of one transaction. Seen means the
// transaction is in the mempool or a block; Confirmations is zero until
// it is mined.
type TxStatus struct {
	Seen          bool
	Confirmations uint64
	BlockHeight   int64
}

// Backend is a read-mostly view of the Bitcoin chain plus broadcast.
type Backend interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error

	TipHeight(ctx context.Context) (int64, error)
	UTXOsForScript(ctx context.Context, pkScript []byte) ([]UTXO, error)
	TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error)
	RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// FeeRate estimates the sat/vB rate for confirmation within
	// targetBlocks blocks.
	FeeRate(ctx context.Context, targetBlocks int) (btcutil.Amount, error)
}

// Config selects and parameterizes a backend.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url,omitempty"`

	// Servers and TLS apply to Electrum.
	Servers []string `yaml:"servers,omitempty"`
	TLS     bool     `yaml:"tls,omitempty"`

	// RPCUser and RPCPass apply to bitcoind.
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// Timeout is the per-request timeout in seconds; zero means 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// New builds the backend the config names.
func New(cfg Config, net *chaincfg.Params) (Backend, error) {
	switch cfg.Type {
	case TypeEsplora:
		if cfg.URL == "" {
			return nil, fmt.Errorf("esplora backend requires a url")
		}
		return NewEsplora(cfg.URL, cfg.Timeout), nil
	case TypeElectrum:
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("electrum backend requires servers")
		}
		return NewElectrum(cfg.Servers, cfg.TLS, cfg.Timeout), nil
	case TypeBitcoind:
		if cfg.URL == "" {
			return nil, fmt.Errorf("bitcoind backend requires a url")
		}
		return NewBitcoind(cfg.URL, cfg.RPCUser, cfg.RPCPass, cfg.Timeout, net), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Type)
	}
}

// DefaultConfig returns the public default backend for a network, or a
// local bitcoind on regtest.
func DefaultConfig(net *chaincfg.Params) Config {
	switch net.Name {
	case chaincfg.MainNetParams.Name:
		return Config{Type: TypeEsplora, URL: "https://blockstream.info/api"}
	case chaincfg.TestNet3Params.Name:
		return Config{Type: TypeEsplora, URL: "https://blockstream.info/testnet/api"}
	default:
		return Config{Type: TypeBitcoind, URL: "http://127.0.0.1:18443"}
	}
}

// esploraScriptHash renders sha256(pkScript) the way Esplora's
// /scripthash endpoints expect it.
func esploraScriptHash(pkScript []byte) string {
	h := sha256.Sum256(pkScript)
	return hex.EncodeToString(h[:])
}

// electrumScriptHash renders sha256(pkScript) byte-reversed, per the
// Electrum protocol.
func electrumScriptHash(pkScript []byte) string {
	h := sha256.Sum256(pkScript)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return hex.EncodeToString(h[:])
}
