// Package reconnect implements C3: the reconnection supervisor. It tracks
// per-peer addressability and backoff state and drives dial-back attempts
// independently of the connection manager inside C2.
//
// Grounded on the teacher's Service.discoverPeers/OptimizePeerConnections
// timer-goroutine idiom (internal/network/service.go), generalized from a
// fixed sync loop into the backoff/cooldown state machine below.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	baseDelay             = 5 * time.Second
	maxAttempts           = 5
	cooldown              = 5 * time.Minute
	tickInterval          = 60 * time.Second
	bootstrapRetryWindow  = 120 * time.Second
	recordEviction        = 24 * time.Hour
	minConnectionsDefault = 2
	recentContactWindow   = time.Hour
)

// PeerRecord is held by C3, keyed by remote peer id (§3).
type PeerRecord struct {
	LastSeen   time.Time
	Multiaddrs []multiaddr.Multiaddr
}

// ReconnectState is held by C3, keyed by peer id (§3).
type ReconnectState struct {
	AttemptCount  int
	LastAttemptAt time.Time
}

// Dialer is the subset of C2 the supervisor drives dial attempts through.
// Implemented by the network package; kept as an interface here so this
// package has no import-time dependency on libp2p host construction.
type Dialer interface {
	Dial(ctx context.Context, addrs []multiaddr.Multiaddr) (peer.ID, error)
	IsConnected(p peer.ID) bool
	ConnectionCount() int
	BootstrapAddrs() []multiaddr.Multiaddr
}

// Supervisor implements C3.
type Supervisor struct {
	dialer Dialer
	logger zerolog.Logger

	minConnections int

	mu      sync.Mutex
	records map[peer.ID]*PeerRecord
	states  map[peer.ID]*ReconnectState
	timers  map[peer.ID]*time.Timer

	lastConnCount          int
	lastBootstrapRetryAt   time.Time
	haveLoggedInitialCount bool
}

// NewSupervisor constructs a Supervisor with default minConnections (2).
func NewSupervisor(dialer Dialer, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		dialer:         dialer,
		logger:         logger,
		minConnections: minConnectionsDefault,
		records:        make(map[peer.ID]*PeerRecord),
		states:         make(map[peer.ID]*ReconnectState),
		timers:         make(map[peer.ID]*time.Timer),
	}
}

// OnDiscovery records or merges a peer's known addresses (set-union, §3).
func (s *Supervisor) OnDiscovery(p peer.ID, addrs []multiaddr.Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeRecordLocked(p, addrs)
}

func (s *Supervisor) mergeRecordLocked(p peer.ID, addrs []multiaddr.Multiaddr) {
	rec, ok := s.records[p]
	if !ok {
		rec = &PeerRecord{}
		s.records[p] = rec
	}
	rec.LastSeen = time.Now()
	rec.Multiaddrs = unionAddrs(rec.Multiaddrs, addrs)
}

func unionAddrs(existing, incoming []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	seen := make(map[string]bool, len(existing))
	out := make([]multiaddr.Multiaddr, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !seen[a.String()] {
			seen[a.String()] = true
			out = append(out, a)
		}
	}
	for _, a := range incoming {
		if !seen[a.String()] {
			seen[a.String()] = true
			out = append(out, a)
		}
	}
	return out
}

// OnConnect clears any pending reconnect state for p and refreshes its
// record's last-seen timestamp.
func (s *Supervisor) OnConnect(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearStateLocked(p)
	if rec, ok := s.records[p]; ok {
		rec.LastSeen = time.Now()
	} else {
		s.records[p] = &PeerRecord{LastSeen: time.Now()}
	}
}

// OnDisconnect schedules a reconnect attempt for p.
func (s *Supervisor) OnDisconnect(ctx context.Context, p peer.ID) {
	s.scheduleReconnect(ctx, p)
}

func (s *Supervisor) clearStateLocked(p peer.ID) {
	delete(s.states, p)
	if t, ok := s.timers[p]; ok {
		t.Stop()
		delete(s.timers, p)
	}
}

// scheduleReconnect implements §4.3's scheduleReconnect.
func (s *Supervisor) scheduleReconnect(ctx context.Context, p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[p]
	if ok && time.Since(state.LastAttemptAt) > cooldown {
		delete(s.states, p)
		ok = false
	}
	if !ok {
		state = &ReconnectState{}
		s.states[p] = state
	}
	if state.AttemptCount >= maxAttempts {
		s.logger.Debug().Str("peer", p.String()).Msg("reconnect attempts exhausted, awaiting cooldown")
		return
	}

	delay := baseDelay * time.Duration(1<<uint(state.AttemptCount))
	state.AttemptCount++
	state.LastAttemptAt = time.Now()

	if t, exists := s.timers[p]; exists {
		t.Stop()
	}
	s.timers[p] = time.AfterFunc(delay, func() {
		s.attemptReconnect(ctx, p)
	})
}

// attemptReconnect implements §4.3's attemptReconnect.
// attemptReconnect dials every known address of p in turn. attemptID tags
// the log lines of one such pass so concurrent attempts against different
// peers (or successive retries of the same one) can be told apart in
// aggregated logs without correlating on peer id and timestamp.
func (s *Supervisor) attemptReconnect(ctx context.Context, p peer.ID) {
	attemptID := uuid.NewString()

	if s.dialer.IsConnected(p) {
		s.mu.Lock()
		s.clearStateLocked(p)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	rec, ok := s.records[p]
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, addr := range rec.Multiaddrs {
		if _, err := s.dialer.Dial(ctx, []multiaddr.Multiaddr{addr}); err == nil {
			s.logger.Debug().Str("attempt_id", attemptID).Str("peer", p.String()).Str("addr", addr.String()).Msg("reconnect succeeded")
			s.mu.Lock()
			s.clearStateLocked(p)
			s.mu.Unlock()
			return
		}
	}
	s.logger.Debug().Str("attempt_id", attemptID).Str("peer", p.String()).Msg("reconnect attempt exhausted addresses")
	s.scheduleReconnect(ctx, p)
}

// ReconnectToBootstrap implements §4.3's reconnectToBootstrap: dial every
// bootstrap address sequentially, return the success count, then wait 5s
// for the mesh to settle before returning.
func (s *Supervisor) ReconnectToBootstrap(ctx context.Context) int {
	succeeded := 0
	for _, addr := range s.dialer.BootstrapAddrs() {
		if _, err := s.dialer.Dial(ctx, []multiaddr.Multiaddr{addr}); err != nil {
			s.logger.Warn().Err(err).Str("addr", addr.String()).Msg("bootstrap dial failed")
			continue
		}
		succeeded++
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return succeeded
}

// Tick implements §4.3's tick(), invoked every 60s by the caller's
// scheduler (see Run).
func (s *Supervisor) Tick(ctx context.Context) {
	count := s.dialer.ConnectionCount()

	s.mu.Lock()
	changed := count != s.lastConnCount || !s.haveLoggedInitialCount
	s.lastConnCount = count
	s.haveLoggedInitialCount = true
	s.mu.Unlock()

	if changed {
		s.logger.Info().Int("connections", count).Msg("connection count changed")
	}

	switch {
	case count == 0:
		s.ReconnectToBootstrap(ctx)
	case count < s.minConnections:
		s.mu.Lock()
		due := time.Since(s.lastBootstrapRetryAt) > bootstrapRetryWindow
		if due {
			s.lastBootstrapRetryAt = time.Now()
		}
		s.mu.Unlock()
		if due {
			s.ReconnectToBootstrap(ctx)
		}
	}

	s.reconcilePeers(ctx)
	s.evictStaleRecords()
}

func (s *Supervisor) reconcilePeers(ctx context.Context) {
	s.mu.Lock()
	candidates := make([]peer.ID, 0, len(s.records))
	now := time.Now()
	for p, rec := range s.records {
		if s.dialer.IsConnected(p) {
			continue
		}
		if now.Sub(rec.LastSeen) > recentContactWindow {
			continue
		}
		candidates = append(candidates, p)
	}
	s.mu.Unlock()

	for _, p := range candidates {
		s.scheduleReconnect(ctx, p)
	}
}

func (s *Supervisor) evictStaleRecords() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for p, rec := range s.records {
		if now.Sub(rec.LastSeen) > recordEviction {
			delete(s.records, p)
			delete(s.states, p)
			if t, ok := s.timers[p]; ok {
				t.Stop()
				delete(s.timers, p)
			}
		}
	}
}

// Run starts the 60s tick loop; it returns when ctx is cancelled, having
// stopped its own ticker and every per-peer reconnect timer (§4.3
// concurrency requirement: all timers independently cancellable).
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAllTimers()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Supervisor) stopAllTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, t := range s.timers {
		t.Stop()
		delete(s.timers, p)
	}
}

// PeerRecords returns a snapshot copy of tracked peer records.
func (s *Supervisor) PeerRecords() map[peer.ID]PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[peer.ID]PeerRecord, len(s.records))
	for p, rec := range s.records {
		out[p] = *rec
	}
	return out
}
