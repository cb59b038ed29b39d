// Package session implements C9: the request→quote→contract→funded→
// inference→payment state machine, driven by the ingress processor (C7)
// and the request façade (C10).
//
// §3 gives one seven-value state enum; §4.9 narrates two role-specific
// paths through it with different names for the same points (e.g. the
// provider's "QUOTE_OFFERED" and the customer's "QUOTED" are the same
// juncture). This package keeps §3's enum, plus an INFERRING state for the
// provider's in-progress inference, as the single source of truth
// and lets each role's handlers visit only the subset of it their path
// names — see DESIGN.md for the resolution.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the shared state-machine enum (§3).
type State string

const (
	StateDiscovering     State = "DISCOVERING"
	StateQuoted          State = "QUOTED"
	StateAccepted        State = "ACCEPTED"
	StateContractCreated State = "CONTRACT_CREATED"
	StateContractSigned  State = "CONTRACT_SIGNED"
	StateInferring       State = "INFERRING"
	StateInferred        State = "INFERRED"
	StatePaid            State = "PAID"
)

// Role distinguishes which of the two per-role paths in §4.9 a session is
// on; it does not appear on the wire.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// ErrDuplicateSession is returned by Create when id is already tracked
// under the same role.
var ErrDuplicateSession = errors.New("session: duplicate id")

// Session is owned by exactly one of the two peers at a time (§3).
type Session struct {
	ID                 string
	Role               Role
	Initiator          string
	Provider           string
	RequestBody        []byte
	AccumulatedPayload interface{}
	State              State
	LastActivity       time.Time
}

const idleGCCeiling = 10 * time.Minute

// Store owns active Session state keyed by id (§3 ownership rule).
type Store struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	complete chan CompleteEvent
}

// CompleteEvent is emitted exactly once per session id, when a customer
// session reaches PAID (§4.9/§4.10).
type CompleteEvent struct {
	SessionID  string
	Completion string
}

// NewStore constructs an empty Store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger:   logger,
		sessions: make(map[string]*Session),
		complete: make(chan CompleteEvent, 32),
	}
}

// Complete exposes the session-complete event stream C10 waits on.
func (s *Store) Complete() <-chan CompleteEvent {
	return s.complete
}

// Create starts a new session at its path's initial state. A duplicate id
// is silently dropped per §4.9 ("a single in-flight session per id is
// permitted; duplicates with the same id in the same role are silently
// dropped"), returning ErrDuplicateSession so callers can distinguish that
// from a hard failure without treating it as one. A Create for an id
// tracked under the other role replaces the stored session.
func (s *Store) Create(id string, role Role, initial State, initiator string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id]; ok && existing.Role == role {
		return nil, ErrDuplicateSession
	}
	sess := &Session{
		ID:           id,
		Role:         role,
		Initiator:    initiator,
		State:        initial,
		LastActivity: time.Now(),
	}
	s.sessions[id] = sess
	s.logSessionTransition(sess, "", initial)
	return sess, nil
}

// Get returns the session for id, if tracked.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Advance moves the session at id from expected to next. If the session is
// missing or not currently in expected, the call is a silent no-op (the
// message that triggered it is treated as a duplicate/out-of-order replay,
// §4.9), and ok is false.
func (s *Store) Advance(id string, expected, next State) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.State != expected {
		return nil, false
	}
	from := sess.State
	sess.State = next
	sess.LastActivity = time.Now()
	s.logSessionTransition(sess, from, next)
	return sess, true
}

// Drop removes a session that failed terminally (§4.9: "no partial
// rollback is attempted... the session is dropped").
func (s *Store) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// MarkPaid records the customer-side terminal transition to PAID and
// publishes the session-complete event exactly once.
func (s *Store) MarkPaid(id, completion string) (*Session, bool) {
	sess, ok := s.Advance(id, StateContractSigned, StatePaid)
	if !ok {
		return nil, false
	}
	s.complete <- CompleteEvent{SessionID: id, Completion: completion}
	return sess, true
}

func (s *Store) logSessionTransition(sess *Session, from, to State) {
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("role", string(sess.Role)).
		Str("from_state", string(from)).
		Str("to_state", string(to)).
		Msg("session state transition")
}

// GC evicts sessions idle longer than idleGCCeiling, an ambient memory
// bound that does not add a state or transition (SPEC_FULL §3/§4.9).
func (s *Store) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > idleGCCeiling {
			delete(s.sessions, id)
		}
	}
}
