// Package collaboratorstest provides minimal in-memory fakes of the Ledger
// and Model collaborators, for this module's own tests only. Neither is a
// production adapter: there is no real Algorand or LLM client in this repo.
package collaboratorstest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/diiisco/core/internal/collaborators"
)

// Ledger is an in-memory Ledger fake holding one Ed25519 key-pair per
// registered address. An address is whatever string is passed to Register.
type Ledger struct {
	mu      sync.Mutex
	keys    map[string]ed25519.PrivateKey
	quotes  map[string]int64
	funded  map[string]bool
	optedIn map[string]map[uint64]int64
	aliases map[string]string
}

// NewLedger returns a ready-to-use fake with no registered identities.
func NewLedger() *Ledger {
	return &Ledger{
		keys:    make(map[string]ed25519.PrivateKey),
		quotes:  make(map[string]int64),
		funded:  make(map[string]bool),
		optedIn: make(map[string]map[uint64]int64),
		aliases: make(map[string]string),
	}
}

// Register creates a key-pair for addr and returns the address so callers
// can use it as FromWalletAddr in test envelopes.
func (l *Ledger) Register(addr string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	l.keys[addr] = priv
	return addr
}

func (l *Ledger) SignObject(_ context.Context, canonicalBytes []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, priv := range l.keys {
		sig := ed25519.Sign(priv, canonicalBytes)
		return base64.StdEncoding.EncodeToString(sig), nil
	}
	return "", fmt.Errorf("collaboratorstest: no registered signer")
}

func (l *Ledger) VerifySignature(_ context.Context, canonicalBytes []byte, addr string, signatureB64 string) (bool, error) {
	l.mu.Lock()
	priv, ok := l.keys[addr]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("collaboratorstest: decode signature: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, canonicalBytes, sig), nil
}

func (l *Ledger) IsValidAddress(addr string) bool {
	return strings.TrimSpace(addr) != ""
}

func (l *Ledger) CreateQuote(_ context.Context, quoteID, _ string, usdcBaseUnits int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotes[quoteID] = usdcBaseUnits
	return nil
}

func (l *Ledger) FundQuote(_ context.Context, quoteID string, _ int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funded[quoteID] = true
	return nil
}

func (l *Ledger) VerifyQuoteFunded(_ context.Context, quoteID string) (collaborators.FundingStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := l.quotes[quoteID]
	if l.funded[quoteID] {
		return collaborators.FundingStatus{Funded: true, Status: "funded", USDCBaseUnits: amount}, nil
	}
	return collaborators.FundingStatus{Funded: false, Status: "pending"}, nil
}

func (l *Ledger) CompleteQuote(_ context.Context, quoteID, _ string) (collaborators.Confirmation, error) {
	return collaborators.Confirmation{TxID: "fake-" + quoteID}, nil
}

func (l *Ledger) RefundQuote(_ context.Context, quoteID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.funded, quoteID)
	return nil
}

func (l *Ledger) CheckIfOptedInToAsset(_ context.Context, addr string, assetID uint64) (collaborators.OptInStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balances, ok := l.optedIn[addr]
	if !ok {
		return collaborators.OptInStatus{OptedIn: false}, nil
	}
	bal, ok := balances[assetID]
	return collaborators.OptInStatus{OptedIn: ok, Balance: bal}, nil
}

func (l *Ledger) OptInToAsset(_ context.Context, addr string, assetID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.optedIn[addr] == nil {
		l.optedIn[addr] = make(map[uint64]int64)
	}
	l.optedIn[addr][assetID] = 0
	return nil
}

// SetBalance is a test helper for seeding highest-stake auction scenarios.
func (l *Ledger) SetBalance(addr string, assetID uint64, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.optedIn[addr] == nil {
		l.optedIn[addr] = make(map[uint64]int64)
	}
	l.optedIn[addr][assetID] = amount
}

func (l *Ledger) Balance(_ context.Context, addr string, assetID uint64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optedIn[addr][assetID], nil
}

// SetAlias registers a bootstrap alias resolution for tests that exercise
// discovery against alias-addressed bootstrap peers.
func (l *Ledger) SetAlias(alias, multiaddr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aliases[alias] = multiaddr
}

func (l *Ledger) ResolveBootstrapAlias(_ context.Context, alias string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if resolved, ok := l.aliases[alias]; ok {
		return resolved, nil
	}
	return alias, nil
}

// Model is an in-memory Model fake: GetResponse echoes a canned completion,
// CountEmbeddings counts words, and AddModel/Compiled implement the
// accumulator contract without any debounce timer (tests call Flush).
type Model struct {
	mu        sync.Mutex
	models    []collaborators.ModelInfo
	responses map[string]string
	compiled  chan []collaborators.ModelInfo
	seen      map[string]bool
	buffer    []collaborators.ModelInfo
}

// NewModel returns a fake serving the given models.
func NewModel(models []collaborators.ModelInfo) *Model {
	return &Model{
		models:    models,
		responses: make(map[string]string),
		compiled:  make(chan []collaborators.ModelInfo, 8),
		seen:      make(map[string]bool),
	}
}

// SetResponse configures a canned completion for a given model name.
func (m *Model) SetResponse(model, completion string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[model] = completion
}

func (m *Model) GetResponse(_ context.Context, model string, _ []collaborators.ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp, ok := m.responses[model]; ok {
		return resp, nil
	}
	return "", fmt.Errorf("collaboratorstest: model %q not served", model)
}

func (m *Model) GetModels(_ context.Context) ([]collaborators.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collaborators.ModelInfo, len(m.models))
	copy(out, m.models)
	return out, nil
}

func (m *Model) CountEmbeddings(_ context.Context, _ string, inputs []collaborators.ChatMessage) (int, error) {
	count := 0
	for _, msg := range inputs {
		count += len(strings.Fields(msg.Content))
	}
	return count, nil
}

func (m *Model) AddModel(list []collaborators.ModelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range list {
		if m.seen[info.ID] {
			continue
		}
		m.seen[info.ID] = true
		m.buffer = append(m.buffer, info)
	}
}

// Flush emits whatever has accumulated since the last Flush, standing in
// for the debounce timer a real accumulator would run on.
func (m *Model) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) == 0 {
		return
	}
	out := m.buffer
	m.buffer = nil
	m.compiled <- out
}

func (m *Model) Compiled() <-chan []collaborators.ModelInfo {
	return m.compiled
}
