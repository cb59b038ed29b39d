// Package network implements C2: an encrypted, multiplexed transport over
// libp2p with local and bootstrap discovery, relay-assisted NAT traversal,
// hole-punch upgrade, a bounded connection manager, and keep-alive.
//
// Grounded on the teacher's internal/network/p2p.go host construction
// (libp2p.New with noise + tcp), generalized with the connection manager,
// mDNS discovery, ping keep-alive, and relay wiring shown in
// EveShark-CyberMesh's router.go, and the circuitv2 client dial pattern
// from quailyquaily-aqua's node.go.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	circuit "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	relayservice "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// Reachability mirrors the node's self-reported NAT posture (§4.2).
type Reachability string

const (
	ReachabilityPublic  Reachability = "public"
	ReachabilityPrivate Reachability = "private"
	ReachabilityUnknown Reachability = "unknown"

	keepAliveInterval = 30 * time.Second
	keepAliveTimeout  = 10 * time.Second
)

// Dial failure classes (§4.2).
var (
	ErrUnreachable = fmt.Errorf("network: unreachable")
	ErrTimeout     = fmt.Errorf("network: dial timeout")
	ErrRefused     = fmt.Errorf("network: connection refused")
)

// Config bounds C2's behavior; fields mirror the enumerated relay/node
// config keys (§6).
type Config struct {
	ListenPort            int
	BootstrapAddrs        []multiaddr.Multiaddr
	MinConnections        int
	MaxConnections        int
	InboundEvictionThresh int
	EnableRelayServer     bool
	EnableRelayClient     bool
	EnableHolePunching    bool
	MaxRelayedConnections int
	MDNSServiceTag        string
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort:            4001,
		MinConnections:        2,
		MaxConnections:        100,
		InboundEvictionThresh: 80,
		EnableRelayServer:     true,
		EnableRelayClient:     true,
		EnableHolePunching:    true,
		MaxRelayedConnections: 32,
		MDNSServiceTag:        "diiisco-mdns",
	}
}

// Node implements C2.
type Node struct {
	host   host.Host
	cfg    Config
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	pingService *ping.PingService
	relayClient *circuit.Client

	mu           sync.RWMutex
	reachability Reachability
	latencies    map[peer.ID]time.Duration

	discoveryEvents  chan DiscoveryEvent
	connectEvents    chan peer.ID
	disconnectEvents chan peer.ID

	mdnsCloser interface{ Close() error }
}

// DiscoveryEvent is emitted on peer:discovery (§4.2).
type DiscoveryEvent struct {
	Peer  peer.ID
	Addrs []multiaddr.Multiaddr
}

// New constructs and starts a Node bound to identityKey.
func New(ctx context.Context, identityKey crypto.PrivKey, cfg Config, logger zerolog.Logger) (*Node, error) {
	cm, err := connmgr.NewConnManager(cfg.MinConnections, cfg.MaxConnections,
		connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("network: connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(identityKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.ConnectionManager(cm),
	}
	if cfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	if cfg.EnableRelayClient {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.EnableRelayServer {
		opts = append(opts, libp2p.EnableRelayService(
			relayservice.WithResources(relayservice.Resources{
				MaxReservations: cfg.MaxRelayedConnections,
			}),
		))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("network: create host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	pingSvc := ping.NewPingService(h)

	relayClient, err := circuit.New(h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: relay client: %w", err)
	}

	n := &Node{
		host:             h,
		cfg:              cfg,
		logger:           logger,
		ctx:              nodeCtx,
		cancel:           cancel,
		pingService:      pingSvc,
		relayClient:      relayClient,
		reachability:     ReachabilityUnknown,
		latencies:        make(map[peer.ID]time.Duration),
		discoveryEvents:  make(chan DiscoveryEvent, 32),
		connectEvents:    make(chan peer.ID, 32),
		disconnectEvents: make(chan peer.ID, 32),
	}

	h.Network().Notify(n.notifiee())

	if err := n.startMDNS(); err != nil {
		logger.Warn().Err(err).Msg("mDNS discovery unavailable")
	}
	n.watchReachability()
	go n.keepAliveLoop()

	return n, nil
}

// Host exposes the underlying libp2p host for protocol registration (C5)
// and pub/sub construction (C4).
func (n *Node) Host() host.Host { return n.host }

func (n *Node) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.connectEvents <- c.RemotePeer():
			default:
			}
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.disconnectEvents <- c.RemotePeer():
			default:
			}
		},
	}
}

// ConnectEvents exposes peer:connect (§4.2).
func (n *Node) ConnectEvents() <-chan peer.ID { return n.connectEvents }

// DisconnectEvents exposes peer:disconnect (§4.2).
func (n *Node) DisconnectEvents() <-chan peer.ID { return n.disconnectEvents }

// DiscoveryEvents exposes peer:discovery (§4.2).
func (n *Node) DiscoveryEvents() <-chan DiscoveryEvent { return n.discoveryEvents }

func (n *Node) startMDNS() error {
	svc := mdns.NewMdnsService(n.host, n.cfg.MDNSServiceTag, mdnsNotifee{n})
	if err := svc.Start(); err != nil {
		return err
	}
	n.mdnsCloser = svc
	return nil
}

type mdnsNotifee struct{ n *Node }

func (m mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	select {
	case m.n.discoveryEvents <- DiscoveryEvent{Peer: pi.ID, Addrs: pi.Addrs}:
	default:
	}
	if err := m.n.host.Connect(m.n.ctx, pi); err != nil {
		m.n.logger.Debug().Err(err).Str("peer", pi.ID.String()).Msg("mdns auto-connect failed")
	}
}

// watchReachability derives self:reachability from the libp2p event bus
// (§4.2). When public, relay-server capability is already advertised via
// EnableRelayService at construction time, bounded by MaxRelayedConnections.
func (n *Node) watchReachability() {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		n.logger.Warn().Err(err).Msg("reachability events unavailable")
		return
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case evt, ok := <-sub.Out():
				if !ok {
					return
				}
				ev := evt.(event.EvtLocalReachabilityChanged)
				n.mu.Lock()
				switch ev.Reachability.String() {
				case "Public":
					n.reachability = ReachabilityPublic
				case "Private":
					n.reachability = ReachabilityPrivate
				default:
					n.reachability = ReachabilityUnknown
				}
				n.mu.Unlock()
			}
		}
	}()
}

// SelfReachability implements self:reachability (§4.2).
func (n *Node) SelfReachability() Reachability {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachability
}

// Dial implements dial(target) with the failure semantics in §4.2.
func (n *Node) Dial(ctx context.Context, addrs []multiaddr.Multiaddr) (peer.ID, error) {
	if len(addrs) == 0 {
		return "", fmt.Errorf("network: dial: %w: no addresses", ErrUnreachable)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil || len(infos) == 0 {
		return "", fmt.Errorf("network: dial: %w: %v", ErrUnreachable, err)
	}
	target := infos[0]

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := n.host.Connect(dialCtx, target); err != nil {
		switch {
		case dialCtx.Err() == context.DeadlineExceeded:
			return "", fmt.Errorf("network: dial %s: %w: %v", target.ID, ErrTimeout, err)
		default:
			return "", fmt.Errorf("network: dial %s: %w: %v", target.ID, ErrRefused, err)
		}
	}
	return target.ID, nil
}

// DialRelayed dials target through relay, encapsulating the target's
// address behind /p2p-circuit; go-libp2p opportunistically upgrades to a
// direct connection via hole-punching when both endpoints support it and
// EnableHolePunching is set.
func (n *Node) DialRelayed(ctx context.Context, relay, target peer.AddrInfo) error {
	relayed, err := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s/p2p-circuit/p2p/%s", relay.ID, target.ID))
	if err != nil {
		return fmt.Errorf("network: build relay addr: %w", err)
	}
	target.Addrs = append(target.Addrs, relayed)
	if err := n.host.Connect(ctx, target); err != nil {
		return fmt.Errorf("network: relayed dial: %w: %v", ErrUnreachable, err)
	}
	return nil
}

// IsConnected reports whether p is currently connected (used by C3).
func (n *Node) IsConnected(p peer.ID) bool {
	return n.host.Network().Connectedness(p) == network.Connected
}

// ConnectionCount returns the number of currently connected peers.
func (n *Node) ConnectionCount() int {
	return len(n.host.Network().Peers())
}

// BootstrapAddrs returns the configured bootstrap dial targets, resolved
// by the caller before construction (alias resolution is the Ledger
// collaborator, applied ahead of this layer, §4.2).
func (n *Node) BootstrapAddrs() []multiaddr.Multiaddr {
	return n.cfg.BootstrapAddrs
}

// OpenStream implements openStream(peer, protocol) → Stream.
func (n *Node) OpenStream(ctx context.Context, p peer.ID, proto protocol.ID) (network.Stream, error) {
	s, err := n.host.NewStream(ctx, p, proto)
	if err != nil {
		return nil, fmt.Errorf("network: open stream to %s: %w", p, err)
	}
	return s, nil
}

// HandleProtocol implements handleProtocol(name, handler).
func (n *Node) HandleProtocol(proto protocol.ID, handler network.StreamHandler) {
	n.host.SetStreamHandler(proto, handler)
}

// Connections lists remote peer ids and addresses of live connections, for
// the façade's GET /peers.
func (n *Node) Connections() []Connection {
	conns := n.host.Network().Conns()
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, Connection{
			PeerID:     c.RemotePeer(),
			RemoteAddr: c.RemoteMultiaddr().String(),
		})
	}
	return out
}

// Connection is one entry of the façade's GET /peers response (§6).
type Connection struct {
	PeerID     peer.ID
	RemoteAddr string
}

// keepAliveLoop issues an application-level ping to every open connection
// every 30s with a 10s timeout, recording latency; failures are logged and
// do not auto-close the connection (§4.2).
func (n *Node) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.pingAll()
		}
	}
}

func (n *Node) pingAll() {
	for _, p := range n.host.Network().Peers() {
		go n.pingOne(p)
	}
}

func (n *Node) pingOne(p peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, keepAliveTimeout)
	defer cancel()

	results := n.pingService.Ping(ctx, p)
	select {
	case res := <-results:
		if res.Error != nil {
			n.logger.Debug().Err(res.Error).Str("peer", p.String()).Msg("keep-alive ping failed")
			return
		}
		n.mu.Lock()
		n.latencies[p] = res.RTT
		n.mu.Unlock()
	case <-ctx.Done():
		n.logger.Debug().Str("peer", p.String()).Msg("keep-alive ping timed out")
	}
}

// Latency returns the most recently observed round-trip time for p.
func (n *Node) Latency(p peer.ID) (time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.latencies[p]
	return d, ok
}

// Close performs the peer-network step of graceful shutdown (§5): it stops
// mDNS and closes the host, tearing down every connection.
func (n *Node) Close() error {
	n.cancel()
	if n.mdnsCloser != nil {
		_ = n.mdnsCloser.Close()
	}
	return n.host.Close()
}
