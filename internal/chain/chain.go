// Package chain pins the network environments the daemon can run in. A
// swap only makes sense when both legs live on matching networks, so the
// Bitcoin and Monero networks are always selected together.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
)

// Environment names a consistent Bitcoin/Monero network pair.
type Environment string

const (
	// Mainnet pairs Bitcoin mainnet with Monero mainnet.
	Mainnet Environment = "mainnet"
	// Testnet pairs Bitcoin testnet3 with Monero stagenet.
	Testnet Environment = "testnet"
	// Dev pairs Bitcoin regtest with Monero stagenet for local stacks.
	Dev Environment = "dev"
)

// Pair holds the concrete parameters of one environment, including the
// timelock and finality defaults a config file may override.
type Pair struct {
	Environment Environment

	Bitcoin *chaincfg.Params
	Monero  monero.Network

	BitcoinFinalityConfirmations uint64
	MoneroFinalityConfirmations  uint64

	CancelTimelock          bitcoin.CancelTimelock
	PunishTimelock          bitcoin.PunishTimelock
	RemainingRefundTimelock bitcoin.RemainingRefundTimelock

	// CoinType is the BIP44 coin type used for the Bitcoin wallet's BIP84
	// derivation in this environment.
	CoinType uint32
}

var registry = map[Environment]*Pair{
	Mainnet: {
		Environment:                  Mainnet,
		Bitcoin:                      &chaincfg.MainNetParams,
		Monero:                       monero.NetworkMainnet,
		BitcoinFinalityConfirmations: 2,
		MoneroFinalityConfirmations:  10,
		CancelTimelock:               72,
		PunishTimelock:               72,
		RemainingRefundTimelock:      72,
		CoinType:                     0,
	},
	Testnet: {
		Environment:                  Testnet,
		Bitcoin:                      &chaincfg.TestNet3Params,
		Monero:                       monero.NetworkStagenet,
		BitcoinFinalityConfirmations: 1,
		MoneroFinalityConfirmations:  10,
		CancelTimelock:               18,
		PunishTimelock:               18,
		RemainingRefundTimelock:      18,
		CoinType:                     1,
	},
	Dev: {
		Environment:                  Dev,
		Bitcoin:                      &chaincfg.RegressionNetParams,
		Monero:                       monero.NetworkStagenet,
		BitcoinFinalityConfirmations: 1,
		MoneroFinalityConfirmations:  1,
		CancelTimelock:               6,
		PunishTimelock:               6,
		RemainingRefundTimelock:      6,
		CoinType:                     1,
	},
}

// Get returns the parameters of an environment.
func Get(env Environment) (*Pair, error) {
	p, ok := registry[env]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	// Copy so callers can apply config overrides without mutating the
	// registry.
	cp := *p
	return &cp, nil
}

// List returns the known environment names.
func List() []Environment {
	envs := make([]Environment, 0, len(registry))
	for env := range registry {
		envs = append(envs, env)
	}
	return envs
}

// ValidatePair rejects mismatched network names announced by a peer. Only
// the pairings in the registry are acceptable: locking testnet coins
// against mainnet coins is never a real swap.
func ValidatePair(btcNet, xmrNet string) error {
	for _, p := range registry {
		if p.Bitcoin.Name == btcNet && string(p.Monero) == xmrNet {
			return nil
		}
	}
	return fmt.Errorf("unsupported network pair bitcoin=%q monero=%q", btcNet, xmrNet)
}

// DerivationPath returns the hardened BIP84 path m/84'/coin'/account'/change/index
// used by the Bitcoin wallet in this environment.
func (p *Pair) DerivationPath(account, change, index uint32) []uint32 {
	const hardened = 0x80000000
	return []uint32{
		84 + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// DerivationPathString renders the path for logs and exports.
func (p *Pair) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/84'/%d'/%d'/%d/%d", p.CoinType, account, change, index)
}
