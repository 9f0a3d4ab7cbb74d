// Package config loads the daemon's YAML configuration. Defaults cover a
// working setup per environment; a generated file is written on first
// run so operators have something to edit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/xmrbtc/internal/backend"
	"github.com/klingon-exchange/xmrbtc/internal/chain"
	"github.com/klingon-exchange/xmrbtc/internal/rate"
)

// ConfigFileName is the default config file name inside the data dir.
const ConfigFileName = "config.yaml"

// Config is the daemon configuration.
type Config struct {
	// Environment selects the Bitcoin/Monero network pair: mainnet,
	// testnet or dev.
	Environment chain.Environment `yaml:"environment"`

	// DataDir holds the database, the node key and this file.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Bitcoin BitcoinConfig `yaml:"bitcoin"`
	Monero  MoneroConfig  `yaml:"monero"`
	Network NetworkConfig `yaml:"network"`
	RPC     RPCConfig     `yaml:"rpc"`
	Maker   MakerConfig   `yaml:"maker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path; empty logs to stderr.
	File string `yaml:"file,omitempty"`
}

// BitcoinConfig selects the chain backend and the wallet account.
type BitcoinConfig struct {
	Backend backend.Config `yaml:"backend"`

	// Account is the BIP84 account index of the swap wallet.
	Account uint32 `yaml:"account"`
}

// MoneroConfig points at the monero-wallet-rpc instance the daemon
// drives.
type MoneroConfig struct {
	WalletRPCURL string `yaml:"wallet_rpc_url"`
	DaemonURL    string `yaml:"daemon_url,omitempty"`
}

// NetworkConfig holds the libp2p settings.
type NetworkConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	EnableMDNS         bool `yaml:"enable_mdns"`
	EnableDHT          bool `yaml:"enable_dht"`
	EnableNAT          bool `yaml:"enable_nat"`
	EnableRelay        bool `yaml:"enable_relay"`
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager water marks.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// RPCConfig holds the control API settings.
type RPCConfig struct {
	// Listen is the HTTP listen address; empty disables the API.
	Listen string `yaml:"listen"`
}

// MakerConfig holds the standing offer policy. A daemon with Enabled
// false only takes swaps.
type MakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinQuantity and MaxQuantity bound accepted lock amounts, in
	// satoshis. Zero MaxQuantity means no upper bound.
	MinQuantity uint64 `yaml:"min_quantity"`
	MaxQuantity uint64 `yaml:"max_quantity"`

	// Spread is the margin applied to the market rate, as a fraction.
	Spread float64 `yaml:"spread"`

	// DepositRatio sets the anti-spam deposit as a fraction of the locked
	// amount. Zero selects the full-refund path for every swap.
	DepositRatio float64 `yaml:"deposit_ratio"`

	// MinFeeFloor is the lower bound on the anti-spam deposit, in
	// satoshis.
	MinFeeFloor uint64 `yaml:"min_fee_floor"`

	// RateURL overrides the Kraken websocket endpoint. The dev
	// environment ignores it and uses FixedRate instead.
	RateURL string `yaml:"rate_url,omitempty"`

	// FixedRate quotes a constant rate in piconero per BTC instead of the
	// websocket feed. Required on dev, ignored elsewhere when zero.
	FixedRate uint64 `yaml:"fixed_rate,omitempty"`

	// RefundAddress receives the maker's XMR back on the refund paths.
	// Empty uses the wallet-rpc primary address.
	RefundAddress string `yaml:"refund_address,omitempty"`

	// BurnOnRefund burns the amnesty box after a partial refund instead
	// of waiting out the final amnesty window.
	BurnOnRefund bool `yaml:"burn_on_refund,omitempty"`

	// TipAddress and TipRatio split a fraction of each lock transaction
	// to a secondary address. Zero ratio disables the split.
	TipAddress string  `yaml:"tip_address,omitempty"`
	TipRatio   float64 `yaml:"tip_ratio,omitempty"`
}

// Default returns a Config with working defaults for the environment.
func Default(env chain.Environment) (*Config, error) {
	pair, err := chain.Get(env)
	if err != nil {
		return nil, err
	}

	moneroWalletRPC := "http://127.0.0.1:18083/json_rpc"
	if env == chain.Mainnet {
		moneroWalletRPC = "http://127.0.0.1:18082/json_rpc"
	}

	return &Config{
		Environment: env,
		DataDir:     "~/.xmrbtc/" + string(env),
		Logging: LoggingConfig{
			Level: "info",
		},
		Bitcoin: BitcoinConfig{
			Backend: backend.DefaultConfig(pair.Bitcoin),
		},
		Monero: MoneroConfig{
			WalletRPCURL: moneroWalletRPC,
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/9333",
				"/ip4/0.0.0.0/udp/9333/quic-v1",
				"/ip6/::/tcp/9333",
				"/ip6/::/udp/9333/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableNAT:          true,
			EnableRelay:        true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:5999",
		},
		Maker: MakerConfig{
			Enabled:      false,
			MinQuantity:  100_000,    // 0.001 BTC
			MaxQuantity:  10_000_000, // 0.1 BTC
			Spread:       0.02,
			DepositRatio: 0.05,
			MinFeeFloor:  10_000,
			RateURL:      rate.DefaultURL,
		},
	}, nil
}

// Load reads the config file from the data dir, creating it with
// defaults when missing.
func Load(env chain.Environment, dataDir string) (*Config, error) {
	cfg, err := Default(env)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(ExpandPath(cfg.DataDir), ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte("# xmrbtc daemon configuration\n# Generated with defaults on first run\n\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := chain.Get(c.Environment); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Maker.Enabled {
		if c.Monero.WalletRPCURL == "" {
			return fmt.Errorf("maker mode requires monero.wallet_rpc_url")
		}
		if c.Maker.MinQuantity == 0 {
			return fmt.Errorf("maker.min_quantity must be positive")
		}
		if c.Maker.MaxQuantity != 0 && c.Maker.MaxQuantity < c.Maker.MinQuantity {
			return fmt.Errorf("maker.max_quantity %d below min_quantity %d", c.Maker.MaxQuantity, c.Maker.MinQuantity)
		}
		if c.Maker.Spread < 0 || c.Maker.Spread >= 1 {
			return fmt.Errorf("maker.spread %.4f out of range [0, 1)", c.Maker.Spread)
		}
		if c.Maker.DepositRatio < 0 || c.Maker.DepositRatio > 0.20 {
			return fmt.Errorf("maker.deposit_ratio %.4f out of range [0, 0.20]", c.Maker.DepositRatio)
		}
		if c.Environment == chain.Dev && c.Maker.FixedRate == 0 {
			return fmt.Errorf("maker mode on dev requires maker.fixed_rate")
		}
		if c.Maker.TipRatio < 0 || c.Maker.TipRatio >= 1 {
			return fmt.Errorf("maker.tip_ratio %.4f out of range [0, 1)", c.Maker.TipRatio)
		}
		if c.Maker.TipRatio > 0 && c.Maker.TipAddress == "" {
			return fmt.Errorf("maker.tip_ratio set without maker.tip_address")
		}
	}
	return nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
