// Package node is the libp2p layer: host construction, peer discovery,
// quote gossip, and the five swap protocol streams the state machines
// talk over.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/xmrbtc/internal/chain"
	"github.com/klingon-exchange/xmrbtc/internal/storage"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// Config holds the P2P node settings. The daemon config layer fills it
// from the YAML file.
type Config struct {
	Environment chain.Environment

	DataDir string
	KeyFile string

	ListenAddrs    []string
	BootstrapPeers []string

	EnableMDNS         bool
	EnableDHT          bool
	EnableNAT          bool
	EnableRelay        bool
	EnableHolePunching bool

	ConnLowWater    int
	ConnHighWater   int
	ConnGracePeriod time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns node defaults for an environment.
func DefaultConfig(env chain.Environment) *Config {
	return &Config{
		Environment: env,
		KeyFile:     "node.key",
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/9333",
			"/ip4/0.0.0.0/udp/9333/quic-v1",
			"/ip6/::/tcp/9333",
			"/ip6/::/udp/9333/quic-v1",
		},
		EnableMDNS:         true,
		EnableDHT:          true,
		EnableNAT:          true,
		EnableRelay:        true,
		EnableHolePunching: true,
		ConnLowWater:       50,
		ConnHighWater:      200,
		ConnGracePeriod:    time.Minute,
	}
}

// dhtPrefix separates networks at the DHT level so a stagenet node never
// routes for mainnet.
func (c *Config) dhtPrefix() protocol.ID {
	if c.Environment == chain.Mainnet {
		return "/xmrbtc"
	}
	return protocol.ID("/xmrbtc-" + string(c.Environment))
}

// discoveryNamespace is the rendezvous string for DHT and mDNS discovery.
func (c *Config) discoveryNamespace() string {
	return "xmrbtc-" + string(c.Environment)
}

// Node is one peer on the swap network.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *Config
	store  *storage.Storage
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu sync.RWMutex
}

// New builds the libp2p host with discovery and gossip attached. The
// storage handle is used to persist peer sightings; it may be nil in
// tests.
func New(ctx context.Context, cfg *Config, store *storage.Storage) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	log := cfg.Logger
	if log == nil {
		log = logging.Component("node")
	}
	node := &Node{
		config: cfg,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}

	privKey, err := node.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnLowWater,
		cfg.ConnHighWater,
		connmgr.WithGracePeriod(cfg.ConnGracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	node.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			go node.recordPeer(conn.RemotePeer())
		},
	})

	if cfg.EnableDHT {
		if err := node.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}
	if err := node.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	if cfg.EnableMDNS {
		if err := node.initMDNS(); err != nil {
			node.log.Warn("mdns initialization failed", "err", err)
		}
	}

	return node, nil
}

func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := n.config.KeyFile
	if keyPath == "" {
		keyPath = "node.key"
	}
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(n.config.DataDir, keyPath)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	n.log.Info("generated new node identity")
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(n.config.dhtPrefix()),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

func (n *Node) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (n *Node) initMDNS() error {
	n.mdnsService = mdns.NewMdnsService(n.host, n.config.discoveryNamespace(), n)
	return n.mdnsService.Start()
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("failed to connect to mdns peer", "peer", shortID(pi.ID), "err", err)
		}
	}()
}

// Start connects to bootstrap peers and previously known peers, and
// begins advertising on the DHT.
func (n *Node) Start() error {
	n.startTime = time.Now()

	for _, addrStr := range n.config.BootstrapPeers {
		n.dialAsync(addrStr, true)
	}
	if n.store != nil {
		known, err := n.store.RecentPeers(7*24*time.Hour, 25)
		if err != nil {
			n.log.Warn("failed to load known peers", "err", err)
		} else {
			for _, p := range known {
				for _, addr := range p.Addresses {
					n.dialAsync(addr+"/p2p/"+p.PeerID, false)
				}
			}
		}
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.discoveryNamespace())
		go n.discoverPeers()
	}
	return nil
}

func (n *Node) dialAsync(addrStr string, warnOnFailure bool) {
	ma, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		if warnOnFailure {
			n.log.Warn("invalid peer address", "addr", addrStr, "err", err)
		}
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		if warnOnFailure {
			n.log.Warn("invalid peer address", "addr", addrStr, "err", err)
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, *pi); err != nil {
			if warnOnFailure {
				n.log.Warn("failed to connect to bootstrap peer", "peer", shortID(pi.ID), "err", err)
			}
			return
		}
		n.log.Info("connected to peer", "peer", shortID(pi.ID))
	}()
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.discoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// recordPeer persists a peer sighting so it can be redialed after a
// restart.
func (n *Node) recordPeer(peerID peer.ID) {
	if n.store == nil {
		return
	}
	addrs := n.host.Peerstore().Addrs(peerID)
	addrStrs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		addrStrs = append(addrStrs, a.String())
	}
	if err := n.store.UpsertPeer(&storage.PeerRecord{
		PeerID:    peerID.String(),
		Addresses: addrStrs,
	}); err != nil {
		n.log.Debug("failed to persist peer", "peer", shortID(peerID), "err", err)
		return
	}
	n.store.MarkPeerConnected(peerID.String())
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	n.cancel()
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer id.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// PubSub returns the gossipsub instance.
func (n *Node) PubSub() *pubsub.PubSub { return n.pubsub }

// Peers returns the connected peers.
func (n *Node) Peers() []peer.ID { return n.host.Network().Peers() }

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int { return len(n.host.Network().Peers()) }

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.startTime) }

// Connect dials a peer.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// ConnectByAddr dials a peer given a full multiaddr string.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("invalid peer addr info: %w", err)
	}
	if err := n.host.Connect(ctx, *pi); err != nil {
		return "", err
	}
	return pi.ID, nil
}

// shortID truncates a peer id for logs.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
