// Package quote implements C8: the quote auction engine. It collects bids
// per session id within a bounded window, then selects a winner with a
// pluggable policy.
//
// Grounded on the teacher's pkg/consensus/wave.go window-timer idiom
// (arm-timer-on-first-event, iterate-on-expiry, single-fire), generalized
// from a fixed wave deadline into a per-session, first-bid-arms timer.
package quote

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/metrics"
)

// Bid is a single provider's offer for a session (§3 QuoteBid).
type Bid struct {
	FromPeerID string
	Quote      collaborators.Quote
	ReceivedAt time.Time
}

// Policy is the closed set of selection functions (§4.8).
type Policy string

const (
	PolicyCheapest     Policy = "cheapest"
	PolicyFirst        Policy = "first"
	PolicyRandom       Policy = "random"
	PolicyHighestStake Policy = "highest-stake"
)

const protocolAssetID uint64 = 0

// ErrUnknownPolicy is returned by NewEngine when configured with a policy
// outside the closed set.
var ErrUnknownPolicy = errors.New("quote: unknown selection policy")

// Selected is the payload of the quote-selected-<id> event (§4.8).
type Selected struct {
	SessionID string
	Winner    Bid
}

// Engine implements C8. One Engine instance serves every session id.
type Engine struct {
	waitTime time.Duration
	policy   Policy
	ledger   collaborators.Ledger
	assetID  uint64
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	bids    map[string][]Bid
	timers  map[string]*time.Timer
	closed  map[string]bool // session ids whose window has already fired

	selected chan Selected
}

// NewEngine constructs an Engine. waitTime is the auction window (default
// 5s per §4.8); ledger is consulted only by the highest-stake policy; reg
// is incremented once per window that produces a winner.
func NewEngine(waitTime time.Duration, policy Policy, ledger collaborators.Ledger, reg *metrics.Registry, logger zerolog.Logger) (*Engine, error) {
	switch policy {
	case PolicyCheapest, PolicyFirst, PolicyRandom, PolicyHighestStake:
	default:
		return nil, ErrUnknownPolicy
	}
	return &Engine{
		waitTime: waitTime,
		policy:   policy,
		ledger:   ledger,
		assetID:  protocolAssetID,
		logger:   logger,
		metrics:  reg,
		bids:     make(map[string][]Bid),
		timers:   make(map[string]*time.Timer),
		closed:   make(map[string]bool),
		selected: make(chan Selected, 64),
	}, nil
}

// Selected emits exactly one event per session id, the winning bid chosen
// when that session's window expires.
func (e *Engine) Selected() <-chan Selected {
	return e.selected
}

// AddBid implements addBid(bid): arms the window timer on the first bid for
// a session id, appends on every subsequent bid. Bids arriving after the
// window has already closed for that id are discarded (§4.8 invariant).
func (e *Engine) AddBid(ctx context.Context, sessionID string, bid Bid) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed[sessionID] {
		e.logger.Debug().Str("session_id", sessionID).Msg("bid discarded: window already closed")
		return
	}
	if bid.ReceivedAt.IsZero() {
		bid.ReceivedAt = time.Now()
	}
	e.bids[sessionID] = append(e.bids[sessionID], bid)

	if _, armed := e.timers[sessionID]; !armed {
		e.timers[sessionID] = time.AfterFunc(e.waitTime, func() {
			e.closeWindow(ctx, sessionID)
		})
	}
}

func (e *Engine) closeWindow(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if e.closed[sessionID] {
		e.mu.Unlock()
		return
	}
	e.closed[sessionID] = true
	bids := e.bids[sessionID]
	delete(e.bids, sessionID)
	delete(e.timers, sessionID)
	e.mu.Unlock()

	if len(bids) == 0 {
		e.logger.Debug().Str("session_id", sessionID).Msg("auction window closed with no bids")
		return
	}

	winner, err := e.selectWinner(ctx, bids)
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("auction selection failed")
		return
	}
	e.metrics.QuoteSelections.Inc()
	e.selected <- Selected{SessionID: sessionID, Winner: winner}
}

func (e *Engine) selectWinner(ctx context.Context, bids []Bid) (Bid, error) {
	switch e.policy {
	case PolicyFirst:
		return earliestArrival(bids), nil
	case PolicyCheapest:
		return cheapest(bids), nil
	case PolicyRandom:
		return bids[rand.Intn(len(bids))], nil
	case PolicyHighestStake:
		return e.highestStake(ctx, bids)
	default:
		return Bid{}, ErrUnknownPolicy
	}
}

func earliestArrival(bids []Bid) Bid {
	best := bids[0]
	for _, b := range bids[1:] {
		if b.ReceivedAt.Before(best.ReceivedAt) {
			best = b
		}
	}
	return best
}

func cheapest(bids []Bid) Bid {
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Quote.TotalPrice < best.Quote.TotalPrice ||
			(b.Quote.TotalPrice == best.Quote.TotalPrice && b.ReceivedAt.Before(best.ReceivedAt)) {
			best = b
		}
	}
	return best
}

func (e *Engine) highestStake(ctx context.Context, bids []Bid) (Bid, error) {
	best := bids[0]
	bestBalance, err := e.ledger.Balance(ctx, best.Quote.ProviderWalletAddr, e.assetID)
	if err != nil {
		return Bid{}, err
	}
	for _, b := range bids[1:] {
		balance, err := e.ledger.Balance(ctx, b.Quote.ProviderWalletAddr, e.assetID)
		if err != nil {
			return Bid{}, err
		}
		if balance > bestBalance || (balance == bestBalance && b.ReceivedAt.Before(best.ReceivedAt)) {
			best, bestBalance = b, balance
		}
	}
	return best, nil
}

// Shutdown stops every armed timer so no further selections fire. Required
// for leak-free shutdown (§4.8 invariant).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
