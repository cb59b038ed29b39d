package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/collaborators/collaboratorstest"
	"github.com/diiisco/core/internal/config"
	"github.com/diiisco/core/internal/direct"
	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/facade"
	"github.com/diiisco/core/internal/identity"
	"github.com/diiisco/core/internal/logging"
	"github.com/diiisco/core/internal/metrics"
	"github.com/diiisco/core/internal/network"
	"github.com/diiisco/core/internal/processor"
	"github.com/diiisco/core/internal/pubsub"
	"github.com/diiisco/core/internal/quote"
	"github.com/diiisco/core/internal/reconnect"
	"github.com/diiisco/core/internal/router"
	"github.com/diiisco/core/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging core: peer network, message bus, and HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			pretty, err := cmd.Flags().GetBool("pretty")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfgPath, pretty)
		},
	}
}

func runServe(ctx context.Context, cfgPath string, pretty bool) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New("diiisco", pretty)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForSignal(cancel, logger)

	id, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info().Str("peer_id", id.PeerID.String()).Msg("identity loaded")

	ledger, model, walletAddr := newCollaborators(id, cfg, logger)

	bootstrapAddrs, err := network.ResolveBootstrapAddrs(ctx, ledger, cfg.LibP2PBootstrapServers)
	if err != nil {
		return fmt.Errorf("resolve bootstrap addresses: %w", err)
	}

	netCfg := network.DefaultConfig()
	netCfg.ListenPort = cfg.Node.Port
	netCfg.BootstrapAddrs = bootstrapAddrs
	netCfg.EnableRelayServer = cfg.Relay.EnableRelayServer
	netCfg.EnableRelayClient = cfg.Relay.EnableRelayClient
	netCfg.EnableHolePunching = cfg.Relay.EnableDCUtR
	if cfg.Relay.MaxRelayedConns > 0 {
		netCfg.MaxRelayedConnections = cfg.Relay.MaxRelayedConns
	}

	node, err := network.New(ctx, id.LibP2PPrivateKey, netCfg, logger)
	if err != nil {
		return fmt.Errorf("start peer network: %w", err)
	}
	defer node.Close()

	bus, err := pubsub.New(ctx, node.Host(), logger)
	if err != nil {
		return fmt.Errorf("start message bus: %w", err)
	}
	defer bus.Close()

	metricsReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(metricsReg)

	sessions := session.NewStore(logger)

	policy := quote.Policy(cfg.QuoteEngine.QuoteSelectionFunction)
	if policy == "" {
		policy = quote.PolicyCheapest
	}
	quoteEngine, err := quote.NewEngine(cfg.QuoteEngine.WaitTime, policy, ledger, reg, logger)
	if err != nil {
		return fmt.Errorf("start quote engine: %w", err)
	}
	defer quoteEngine.Shutdown()

	directCfg := direct.DefaultConfig()
	if cfg.DirectMessaging.Protocol != "" {
		directCfg.Protocol = protocol.ID(cfg.DirectMessaging.Protocol)
	}
	if cfg.DirectMessaging.MaxMessageSize > 0 {
		directCfg.MaxMessageSize = cfg.DirectMessaging.MaxMessageSize
	}
	if cfg.DirectMessaging.Timeout > 0 {
		directCfg.StreamTimeout = cfg.DirectMessaging.Timeout
	}

	var proc *processor.Processor
	directProto := direct.New(node.Host(), directCfg, logger, func(source peer.ID, data []byte) {
		dispatchInbound(ctx, &proc, id.PeerID, data, source, logger)
	})

	rt := router.New(directProto, bus, cfg.DirectMessaging.Enabled, cfg.DirectMessaging.FallbackToGossipsub, reg, logger)

	procCfg := processor.Config{
		OwnPeerID:      id.PeerID,
		SelfWalletAddr: walletAddr,
		ProtocolAsset:  0,
		ServedModels:   servedModels(cfg),
		Creation:       creationPipeline(cfg, model),
	}
	proc = processor.New(ledger, model, rt, quoteEngine, sessions, procCfg, logger)

	go forwardBroadcast(ctx, bus, &proc, id.PeerID, logger)

	supervisor := reconnect.NewSupervisor(node, logger)
	go forwardDiscovery(ctx, node, supervisor)
	go supervisor.Run(ctx)

	go gcLoop(ctx, sessions)
	go peerCountLoop(ctx, node, reg)

	peers := &peerAdapter{node: node}
	fac := facade.New(ctx, facade.Config{
		Enabled:              cfg.API.Enabled,
		Port:                 cfg.API.Port,
		BearerAuthentication: cfg.API.BearerAuthentication,
		Keys:                 cfg.API.Keys,
		SelfWalletAddr:       walletAddr,
		OwnPeerID:            id.PeerID,
	}, facade.Deps{
		Ledger:   ledger,
		Model:    model,
		Bus:      bus,
		Router:   rt,
		Sessions: sessions,
		Quotes:   quoteEngine,
		Peers:    peers,
		Metrics:  metricsReg,
	}, logger)
	fac.Ready()

	errc := make(chan error, 1)
	if cfg.API.Enabled {
		go func() {
			if err := fac.Start(); err != nil {
				errc <- fmt.Errorf("façade: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error().Err(err).Msg("façade stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := fac.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("façade shutdown")
	}
	return nil
}

func waitForSignal(cancel context.CancelFunc, logger zerolog.Logger) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()
}

// newCollaborators constructs the Ledger and Model values serve wires into
// the rest of the core. The core ships no production Algorand or LLM
// client (see collaborators.Ledger/Model's doc comments); there is no
// Algorand SDK anywhere in this module's dependency pack to build a real
// one from, so serve runs against the same in-memory fakes this module's
// own tests use, loudly flagged as such. An operator wiring a real ledger
// or model endpoint replaces this function's body, not callers of it.
func newCollaborators(id *identity.Identity, cfg *config.Config, logger zerolog.Logger) (collaborators.Ledger, collaborators.Model, string) {
	logger.Warn().Msg("no production ledger/model adapter is linked into this binary; using in-memory collaborator fakes")

	ledger := collaboratorstest.NewLedger()
	addr := cfg.Algorand.Addr
	if addr == "" {
		addr = base64.StdEncoding.EncodeToString(id.Public)
	}
	walletAddr := ledger.Register(addr)

	var models []collaborators.ModelInfo
	if cfg.Models.Enabled {
		models = append(models, collaborators.ModelInfo{
			ID:      "local-model",
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: walletAddr,
		})
	}
	model := collaboratorstest.NewModel(models)
	return ledger, model, walletAddr
}

func creationPipeline(cfg *config.Config, model collaborators.Model) []processor.CreationFunc {
	rate := cfg.Models.ChargePer1MTokens
	if len(cfg.QuoteEngine.QuoteCreationFunction) == 0 {
		return []processor.CreationFunc{processor.FlatRateCreation(model, rate)}
	}
	funcs := make([]processor.CreationFunc, 0, len(cfg.QuoteEngine.QuoteCreationFunction))
	for _, name := range cfg.QuoteEngine.QuoteCreationFunction {
		switch name {
		case "flat-rate":
			funcs = append(funcs, processor.FlatRateCreation(model, rate))
		}
	}
	if len(funcs) == 0 {
		funcs = append(funcs, processor.FlatRateCreation(model, rate))
	}
	return funcs
}

func servedModels(cfg *config.Config) []string {
	if !cfg.Models.Enabled {
		return nil
	}
	return []string{"local-model"}
}

func gcLoop(ctx context.Context, sessions *session.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.GC()
		}
	}
}

// peerCountLoop keeps the PeerCount gauge current, sampled at the same
// cadence the reconnect supervisor's own Tick polls ConnectionCount.
func peerCountLoop(ctx context.Context, node *network.Node, reg *metrics.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	reg.PeerCount.Set(float64(node.ConnectionCount()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.PeerCount.Set(float64(node.ConnectionCount()))
		}
	}
}

// forwardDiscovery threads C2's discovery/connect/disconnect events into
// the reconnect supervisor (§4.3).
func forwardDiscovery(ctx context.Context, node *network.Node, supervisor *reconnect.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-node.DiscoveryEvents():
			supervisor.OnDiscovery(evt.Peer, evt.Addrs)
		case p := <-node.ConnectEvents():
			supervisor.OnConnect(p)
		case p := <-node.DisconnectEvents():
			supervisor.OnDisconnect(ctx, p)
		}
	}
}

// forwardBroadcast drains the pub/sub bus's inbound channel into the
// ingress processor (§4.4/§4.7). Broadcast delivery carries every role,
// including the four DirectPreferred ones that only the intended
// recipient should act on when direct delivery fell back to broadcast,
// so dispatchInbound's addressing filter still applies here exactly as
// it does on the direct path.
func forwardBroadcast(ctx context.Context, bus *pubsub.Bus, proc **processor.Processor, ownPeerID peer.ID, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-bus.Inbound():
			dispatchInbound(ctx, proc, ownPeerID, msg.Data, msg.From, logger)
		}
	}
}

// dispatchInbound runs §4.7's stage-1 addressing filter ahead of Process:
// envelopes naming a `to` other than this node are dropped before any
// ledger-mutating handler can see them, regardless of which transport
// they arrived on.
func dispatchInbound(ctx context.Context, proc **processor.Processor, ownPeerID peer.ID, data []byte, source peer.ID, logger zerolog.Logger) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug().Err(err).Msg("dropping malformed envelope")
		return
	}
	if !envelope.IsKnownRole(env.Role) {
		logger.Debug().Str("role", string(env.Role)).Msg("dropping envelope with unknown role")
		return
	}
	if !processor.IsAddressedToSelf(ownPeerID, env) {
		logger.Debug().Err(processor.ErrMessageNotAddressedHere).Str("role", string(env.Role)).Str("session_id", env.ID).Msg("dropping envelope addressed to another peer")
		return
	}
	if *proc == nil {
		return
	}
	if err := (*proc).Process(ctx, env, source); err != nil {
		logger.Debug().Err(err).Str("role", string(env.Role)).Str("session_id", env.ID).Msg("rejected inbound envelope")
	}
}

// peerAdapter satisfies facade.PeerLister over network.Node's libp2p-typed
// Connections, without leaking peer.ID into the façade's exported surface.
type peerAdapter struct {
	node *network.Node
}

func (a *peerAdapter) Connections() []facade.Connection {
	conns := a.node.Connections()
	out := make([]facade.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, facade.Connection{PeerID: c.PeerID.String(), RemoteAddr: c.RemoteAddr})
	}
	return out
}
