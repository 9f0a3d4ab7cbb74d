// Package wallet is the daemon's Bitcoin wallet: BIP84 keys derived from
// a BIP39 seed, UTXO tracking over a chain backend, and the transaction
// funding, broadcast, and script watching the swap core drives.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/xmrbtc/internal/backend"
	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/chain"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// gapLimit is how many consecutive unused addresses the UTXO scan
// covers, per BIP44 convention.
const gapLimit = 20

// defaultWatchInterval paces backend polling for subscriptions.
const defaultWatchInterval = 15 * time.Second

// Wallet holds the BIP84 account keys and talks to a chain backend. It
// implements the swap core's bitcoin.Wallet interface.
type Wallet struct {
	log     *logging.Logger
	backend backend.Backend
	pair    *chain.Pair
	net     *chaincfg.Params

	accountKey *hdkeychain.ExtendedKey

	mu        sync.Mutex
	nextIndex uint32
	keys      map[uint32]*derivedKey

	watchInterval time.Duration
}

type derivedKey struct {
	priv     *btcec.PrivateKey
	address  btcutil.Address
	pkScript []byte
}

// GenerateMnemonic creates a fresh 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether a mnemonic passes BIP39 checksum
// validation.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Config wires a wallet.
type Config struct {
	Mnemonic   string
	Passphrase string
	Pair       *chain.Pair
	Backend    backend.Backend

	// Account selects the BIP84 account, normally 0.
	Account uint32

	// WatchInterval overrides subscription polling; zero means the
	// default of 15s.
	WatchInterval time.Duration

	Logger *logging.Logger
}

// New derives the BIP84 account key m/84'/coin'/account' and prepares
// the wallet for use.
func New(cfg Config) (*Wallet, error) {
	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if cfg.Pair == nil {
		return nil, fmt.Errorf("missing network pair")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("missing chain backend")
	}

	seed := bip39.NewSeed(cfg.Mnemonic, cfg.Passphrase)
	master, err := hdkeychain.NewMaster(seed, cfg.Pair.Bitcoin)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	path := cfg.Pair.DerivationPath(cfg.Account, 0, 0)
	// Only the hardened prefix is derived here; change and index levels
	// come later per address.
	key := master
	for _, step := range path[:3] {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Component("wallet")
	}
	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Wallet{
		log:           log,
		backend:       cfg.Backend,
		pair:          cfg.Pair,
		net:           cfg.Pair.Bitcoin,
		accountKey:    key,
		keys:          map[uint32]*derivedKey{},
		watchInterval: interval,
	}, nil
}

// Network returns the chain parameters the wallet operates on.
func (w *Wallet) Network() *chaincfg.Params { return w.net }

// Height returns the backend's current tip height.
func (w *Wallet) Height(ctx context.Context) (bitcoin.BlockHeight, error) {
	tip, err := w.backend.TipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch chain height: %w", err)
	}
	return bitcoin.BlockHeight(tip), nil
}

// NewAddress derives the next unused external P2WPKH address.
func (w *Wallet) NewAddress(ctx context.Context) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, err := w.keyAtLocked(w.nextIndex)
	if err != nil {
		return nil, err
	}
	w.nextIndex++
	return key.address, nil
}

// keyAt derives (and caches) the external key at m/84'/coin'/account'/0/index.
func (w *Wallet) keyAt(index uint32) (*derivedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keyAtLocked(index)
}

func (w *Wallet) keyAtLocked(index uint32) (*derivedKey, error) {
	if key, ok := w.keys[index]; ok {
		return key, nil
	}

	changeKey, err := w.accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change level: %w", err)
	}
	indexKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}
	priv, err := indexKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	address, err := btcutil.NewAddressWitnessPubKeyHash(hash, w.net)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}

	key := &derivedKey{priv: priv, address: address, pkScript: pkScript}
	w.keys[index] = key
	return key, nil
}

// Balance sums the wallet's confirmed UTXOs.
func (w *Wallet) Balance(ctx context.Context) (btcutil.Amount, error) {
	utxos, err := w.spendableUTXOs(ctx)
	if err != nil {
		return 0, err
	}
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.utxo.Amount
	}
	return total, nil
}

var _ bitcoin.Wallet = (*Wallet)(nil)
