// Package main provides swapd, the BTC/XMR atomic swap daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/backend"
	"github.com/klingon-exchange/xmrbtc/internal/chain"
	"github.com/klingon-exchange/xmrbtc/internal/config"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
	"github.com/klingon-exchange/xmrbtc/internal/node"
	"github.com/klingon-exchange/xmrbtc/internal/rate"
	"github.com/klingon-exchange/xmrbtc/internal/rpc"
	"github.com/klingon-exchange/xmrbtc/internal/storage"
	"github.com/klingon-exchange/xmrbtc/internal/swap"
	"github.com/klingon-exchange/xmrbtc/internal/wallet"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// walletSeedName keys the encrypted mnemonic in storage.
const walletSeedName = "bitcoin"

func main() {
	var (
		envName        = flag.String("env", "testnet", "Environment (mainnet, testnet, dev)")
		dataDir        = flag.String("data-dir", "", "Data directory, overrides config")
		apiAddr        = flag.String("api", "", "JSON-RPC API address, overrides config")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	env := chain.Environment(*envName)
	pair, err := chain.Get(env)
	if err != nil {
		log.Fatal("Unknown environment", "env", *envName)
	}

	cfg, err := config.Load(env, *dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = splitPeers(*bootstrapPeers)
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	dataPath := config.ExpandPath(cfg.DataDir)
	log.Info("Config loaded", "env", env, "data_dir", dataPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()

	// Bitcoin chain backend.
	chainBackend, err := backend.New(cfg.Bitcoin.Backend, pair.Bitcoin)
	if err != nil {
		log.Fatal("Failed to build chain backend", "error", err)
	}
	if err := chainBackend.Connect(ctx); err != nil {
		log.Fatal("Failed to connect chain backend", "error", err)
	}
	defer chainBackend.Close()
	log.Info("Chain backend connected", "type", chainBackend.Type())

	// Bitcoin wallet from the stored seed, created on first run.
	mnemonic, err := loadOrCreateSeed(store, log)
	if err != nil {
		log.Fatal("Failed to load wallet seed", "error", err)
	}
	btcWallet, err := wallet.New(wallet.Config{
		Mnemonic: mnemonic,
		Pair:     pair,
		Backend:  chainBackend,
		Account:  cfg.Bitcoin.Account,
	})
	if err != nil {
		log.Fatal("Failed to open bitcoin wallet", "error", err)
	}

	// Monero wallet, required to run swaps on either side.
	var xmrWallet *monero.WalletRPC
	if cfg.Monero.WalletRPCURL != "" {
		xmrWallet = monero.NewWalletRPC(monero.WalletRPCConfig{
			URL:     cfg.Monero.WalletRPCURL,
			Network: pair.Monero,
		})
		if height, err := xmrWallet.Height(ctx); err != nil {
			log.Warn("monero-wallet-rpc not reachable, swaps disabled until it is", "url", cfg.Monero.WalletRPCURL, "error", err)
		} else {
			log.Info("Monero wallet connected", "height", height)
		}
	}

	swapEnv := swap.Env{
		BitcoinNetwork:               pair.Bitcoin,
		MoneroNetwork:                pair.Monero,
		BitcoinFinalityConfirmations: pair.BitcoinFinalityConfirmations,
		MoneroFinalityConfirmations:  pair.MoneroFinalityConfirmations,
		CancelTimelock:               pair.CancelTimelock,
		PunishTimelock:               pair.PunishTimelock,
		RemainingRefundTimelock:      pair.RemainingRefundTimelock,
	}

	// P2P node.
	nodeCfg := &node.Config{
		Environment:        env,
		DataDir:            dataPath,
		KeyFile:            "node.key",
		ListenAddrs:        cfg.Network.ListenAddrs,
		BootstrapPeers:     cfg.Network.BootstrapPeers,
		EnableMDNS:         cfg.Network.EnableMDNS,
		EnableDHT:          cfg.Network.EnableDHT,
		EnableNAT:          cfg.Network.EnableNAT,
		EnableRelay:        cfg.Network.EnableRelay,
		EnableHolePunching: cfg.Network.EnableHolePunching,
		ConnLowWater:       cfg.Network.ConnMgr.LowWater,
		ConnHighWater:      cfg.Network.ConnMgr.HighWater,
		ConnGracePeriod:    cfg.Network.ConnMgr.GracePeriod,
	}
	n, err := node.New(ctx, nodeCfg, store)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	blockchainNetwork := swap.BlockchainNetwork{
		Bitcoin: pair.Bitcoin.Name,
		Monero:  string(pair.Monero),
	}

	// Maker side.
	var makers *node.MakerService
	var restoreMaker func(handle swap.MakerEventHandle, blob []byte) (*swap.Maker, error)
	if cfg.Maker.Enabled {
		if xmrWallet == nil {
			log.Fatal("Maker mode requires monero.wallet_rpc_url")
		}
		policy := buildQuotePolicy(ctx, cfg, xmrWallet, log)
		refundAddr, err := makerRefundAddress(ctx, cfg, pair.Monero, xmrWallet)
		if err != nil {
			log.Fatal("Failed to resolve refund address", "error", err)
		}
		tip, err := makerTipSplit(cfg, pair.Monero)
		if err != nil {
			log.Fatal("Invalid tip config", "error", err)
		}

		makerCfg := func(handle swap.MakerEventHandle) swap.MakerConfig {
			return swap.MakerConfig{
				Env:                 swapEnv,
				Database:            store,
				BitcoinWallet:       btcWallet,
				MoneroWallet:        xmrWallet,
				EventHandle:         handle,
				Policy:              policy,
				MoneroRefundAddress: refundAddr,
				DeveloperTip:        tip,
				BurnOnRefund:        cfg.Maker.BurnOnRefund,
			}
		}
		factory := func(handle swap.MakerEventHandle) (*swap.Maker, error) {
			return swap.NewMaker(makerCfg(handle))
		}
		restoreMaker = func(handle swap.MakerEventHandle, blob []byte) (*swap.Maker, error) {
			return swap.NewMakerFromRecord(makerCfg(handle), blob)
		}
		makers = node.NewMakerService(n, blockchainNetwork, factory, func(ctx context.Context) (swap.BidQuote, error) {
			return policy.Quote()
		})
		if err := makers.Start(); err != nil {
			log.Fatal("Failed to start maker service", "error", err)
		}
		log.Info("Maker service started",
			"min", btcutil.Amount(cfg.Maker.MinQuantity),
			"max", btcutil.Amount(cfg.Maker.MaxQuantity),
			"spread", cfg.Maker.Spread)
	}

	// Taker side is always available.
	takers := node.NewTakerService(n)
	takers.Start()

	swapDeps := swapRunner{
		env:    swapEnv,
		net:    pair.Monero,
		store:  store,
		btc:    btcWallet,
		xmr:    xmrWallet,
		takers: takers,
		log:    log,
	}
	takeSwap := func(reqCtx context.Context, makerStr string, satoshis uint64, xmrAddr string) (uuid.UUID, error) {
		return swapDeps.take(ctx, reqCtx, makerStr, satoshis, xmrAddr)
	}

	// RPC server.
	var rpcServer *rpc.Server
	if cfg.RPC.Listen != "" {
		rpcServer = rpc.NewServer(rpc.Deps{
			Node:     n,
			Store:    store,
			Wallet:   btcWallet,
			Makers:   makers,
			Takers:   takers,
			TakeSwap: takeSwap,
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	swapDeps.resume(ctx, makers, restoreMaker)

	printBanner(log, n, cfg, env)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active := 0
				if makers != nil {
					active = len(makers.ActiveSwaps())
				}
				log.Info("Status", "peers", n.PeerCount(), "active_swaps", active, "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	takers.Stop()
	if makers != nil {
		makers.Stop()
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
	log.Info("Goodbye!")
}

// loadOrCreateSeed returns the wallet mnemonic, generating and storing a
// fresh one on first run. The seed is encrypted with the password from
// SWAPD_WALLET_PASSWORD; an empty password is accepted but discouraged.
func loadOrCreateSeed(store *storage.Storage, log *logging.Logger) (string, error) {
	password := os.Getenv("SWAPD_WALLET_PASSWORD")

	has, err := store.HasSeed(walletSeedName)
	if err != nil {
		return "", err
	}
	if has {
		return store.LoadSeed(walletSeedName, password)
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return "", err
	}
	if err := store.StoreSeed(walletSeedName, mnemonic, password); err != nil {
		return "", err
	}
	log.Warn("Generated a new wallet seed. WRITE IT DOWN:")
	log.Warnf("  %s", mnemonic)
	return mnemonic, nil
}

// buildQuotePolicy assembles the maker's standing offer from the config,
// wiring the rate source and the balance check.
func buildQuotePolicy(ctx context.Context, cfg *config.Config, xmrWallet *monero.WalletRPC, log *logging.Logger) swap.QuotePolicy {
	var rates swap.RateSource
	if cfg.Maker.FixedRate != 0 {
		rates = rate.Static(cfg.Maker.FixedRate)
		log.Info("Using fixed rate", "piconero_per_btc", cfg.Maker.FixedRate)
	} else {
		kraken := rate.NewKraken(&rate.Config{
			URL:    cfg.Maker.RateURL,
			Spread: cfg.Maker.Spread,
		})
		kraken.Start(ctx)
		rates = kraken
	}

	return swap.QuotePolicy{
		Rates:        rates,
		MinQuantity:  btcutil.Amount(cfg.Maker.MinQuantity),
		MaxQuantity:  btcutil.Amount(cfg.Maker.MaxQuantity),
		DepositRatio: cfg.Maker.DepositRatio,
		MinFeeFloor:  btcutil.Amount(cfg.Maker.MinFeeFloor),
		Balance:      xmrWallet.Balance,
	}
}

func makerRefundAddress(ctx context.Context, cfg *config.Config, net monero.Network, xmrWallet *monero.WalletRPC) (monero.Address, error) {
	if cfg.Maker.RefundAddress != "" {
		return monero.ParseAddress(cfg.Maker.RefundAddress, net)
	}
	return xmrWallet.PrimaryAddress(ctx)
}

func makerTipSplit(cfg *config.Config, net monero.Network) (*monero.TipSplit, error) {
	if cfg.Maker.TipRatio == 0 {
		return nil, nil
	}
	addr, err := monero.ParseAddress(cfg.Maker.TipAddress, net)
	if err != nil {
		return nil, err
	}
	return &monero.TipSplit{Ratio: cfg.Maker.TipRatio, Address: addr}, nil
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config, env chain.Environment) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", env)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	if cfg.RPC.Listen != "" {
		log.Infof("  API: http://%s", cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	}
	log.Infof("  Maker: %v | mDNS: %v | DHT: %v", cfg.Maker.Enabled, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

