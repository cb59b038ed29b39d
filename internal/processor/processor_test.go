package processor

import (
	"context"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/collaborators/collaboratorstest"
	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/quote"
	"github.com/diiisco/core/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []envelope.Envelope
}

func (f *fakeSender) Send(_ context.Context, env envelope.Envelope, _ *peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) last() envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeBidSink struct {
	mu   sync.Mutex
	bids []quote.Bid
}

func (f *fakeBidSink) AddBid(_ context.Context, _ string, bid quote.Bid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids = append(f.bids, bid)
}

func newTestProcessor(t *testing.T, ledger *collaboratorstest.Ledger, model *collaboratorstest.Model, sender *fakeSender, bids *fakeBidSink, sessions *session.Store, served []string) *Processor {
	t.Helper()
	cfg := Config{
		OwnPeerID:      peer.ID("self"),
		SelfWalletAddr: "self-addr",
		ServedModels:   served,
		Creation:       []CreationFunc{FlatRateCreation(model, 10.0)},
	}
	return New(ledger, model, sender, bids, sessions, cfg, zerolog.Nop())
}

func signedEnvelope(t *testing.T, ledger *collaboratorstest.Ledger, addr string, role envelope.Role, id string, payload interface{}) envelope.Envelope {
	t.Helper()
	raw, err := envelope.EncodePayload(payload)
	require.NoError(t, err)
	env := envelope.Envelope{Role: role, ID: id, Timestamp: 1, FromWalletAddr: addr, Payload: raw}
	signed, err := envelope.Sign(context.Background(), ledger, env)
	require.NoError(t, err)
	return signed
}

func TestProcessRejectsUnsignedEnvelope(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	model := collaboratorstest.NewModel(nil)
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, session.NewStore(zerolog.Nop()), nil)

	env := envelope.Envelope{Role: envelope.RoleListModels, ID: "s1", FromWalletAddr: addr}
	err := p.Process(context.Background(), env, "source-peer")
	require.ErrorIs(t, err, ErrUnsigned)
}

func TestProcessRejectsTamperedSignature(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	model := collaboratorstest.NewModel(nil)
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, session.NewStore(zerolog.Nop()), nil)

	env := signedEnvelope(t, ledger, addr, envelope.RoleListModels, "s1", nil)
	env.FromWalletAddr = "someone-else"
	err := p.Process(context.Background(), env, "source-peer")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestHandleListModelsRepliesWithServedModels(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	model := collaboratorstest.NewModel([]collaborators.ModelInfo{{ID: "gpt-oss:20b"}})
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, session.NewStore(zerolog.Nop()), nil)

	env := signedEnvelope(t, ledger, addr, envelope.RoleListModels, "s1", nil)
	require.NoError(t, p.Process(context.Background(), env, "source-peer"))

	reply := sender.last()
	assert.Equal(t, envelope.RoleListModelsResponse, reply.Role)
	var payload envelope.ListModelsResponsePayload
	require.NoError(t, envelope.DecodePayload(reply, &payload))
	assert.Len(t, payload.Models, 1)
}

func TestHandleQuoteRequestDropsUnservedModel(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	ledger.OptInToAsset(context.Background(), addr, 0)
	model := collaboratorstest.NewModel(nil)
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, session.NewStore(zerolog.Nop()), []string{"served-model"})

	env := signedEnvelope(t, ledger, addr, envelope.RoleQuoteRequest, "s1", envelope.QuoteRequestPayload{Model: "unserved-model"})
	err := p.Process(context.Background(), env, "source-peer")
	require.ErrorIs(t, err, ErrModelNotServed)
}

func TestHandleQuoteRequestRejectsNotOptedIn(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	model := collaboratorstest.NewModel(nil)
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, session.NewStore(zerolog.Nop()), []string{"served-model"})

	env := signedEnvelope(t, ledger, addr, envelope.RoleQuoteRequest, "s1", envelope.QuoteRequestPayload{Model: "served-model"})
	err := p.Process(context.Background(), env, "source-peer")
	require.ErrorIs(t, err, ErrNotOptedIn)
}

func TestHandleQuoteRequestRepliesWithPricedQuote(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("customer")
	ledger.OptInToAsset(context.Background(), addr, 0)
	model := collaboratorstest.NewModel(nil)
	sessions := session.NewStore(zerolog.Nop())
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, sessions, []string{"served-model"})

	inputs := []collaborators.ChatMessage{{Role: "user", Content: "one two three"}}
	env := signedEnvelope(t, ledger, addr, envelope.RoleQuoteRequest, "s1", envelope.QuoteRequestPayload{Model: "served-model", Inputs: inputs})
	require.NoError(t, p.Process(context.Background(), env, "source-peer"))

	reply := sender.last()
	assert.Equal(t, envelope.RoleQuoteResponse, reply.Role)
	var payload envelope.QuoteResponsePayload
	require.NoError(t, envelope.DecodePayload(reply, &payload))
	assert.Equal(t, 3, payload.Quote.TokenCount)
	assert.InDelta(t, 0.00003, payload.Quote.TotalPrice, 1e-9)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.StateQuoted, sess.State)
}

func TestHandleQuoteResponseForwardsBid(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addr := ledger.Register("provider")
	model := collaboratorstest.NewModel(nil)
	bids := &fakeBidSink{}
	p := newTestProcessor(t, ledger, model, &fakeSender{}, bids, session.NewStore(zerolog.Nop()), nil)

	q := collaborators.Quote{TotalPrice: 0.05}
	env := signedEnvelope(t, ledger, addr, envelope.RoleQuoteResponse, "s1", envelope.QuoteResponsePayload{Quote: q})
	require.NoError(t, p.Process(context.Background(), env, "provider-peer"))

	require.Len(t, bids.bids, 1)
	assert.Equal(t, 0.05, bids.bids[0].Quote.TotalPrice)
}

func TestQuoteAcceptedToInferenceResponseDrivesFullSessionPath(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	customerAddr := ledger.Register("customer")
	model := collaboratorstest.NewModel(nil)
	model.SetResponse("served-model", "hello world")
	sessions := session.NewStore(zerolog.Nop())
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, sessions, []string{"served-model"})

	q := collaborators.Quote{Model: "served-model", TotalPrice: 0.01, ProviderWalletAddr: "self-addr"}

	_, err := sessions.Create("s1", session.RoleProvider, session.StateQuoted, "")
	require.NoError(t, err)

	accepted := signedEnvelope(t, ledger, customerAddr, envelope.RoleQuoteAccepted, "s1", envelope.AcceptedPayload{Quote: q})
	require.NoError(t, p.Process(context.Background(), accepted, "customer-peer"))
	sess, _ := sessions.Get("s1")
	assert.Equal(t, session.StateContractCreated, sess.State)

	contractCreated := sender.last()
	assert.Equal(t, envelope.RoleContractCreated, contractCreated.Role)

	// The customer funds the escrow on contract-created before it replies
	// with contract-signed.
	require.NoError(t, ledger.FundQuote(context.Background(), "s1", 10_000))

	signed := signedEnvelope(t, ledger, customerAddr, envelope.RoleContractSigned, "s1", envelope.AcceptedPayload{Quote: q})
	require.NoError(t, p.Process(context.Background(), signed, "customer-peer"))
	sess, _ = sessions.Get("s1")
	assert.Equal(t, session.StateInferred, sess.State)

	reply := sender.last()
	assert.Equal(t, envelope.RoleInferenceResponse, reply.Role)
	var payload envelope.InferenceResponsePayload
	require.NoError(t, envelope.DecodePayload(reply, &payload))
	assert.Equal(t, "hello world", payload.Completion)
}

func TestContractSignedAbortsOnUnderfunded(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	customerAddr := ledger.Register("customer")
	model := collaboratorstest.NewModel(nil)
	sessions := session.NewStore(zerolog.Nop())
	sender := &fakeSender{}
	p := newTestProcessor(t, ledger, model, sender, &fakeBidSink{}, sessions, []string{"served-model"})

	q := collaborators.Quote{Model: "served-model", TotalPrice: 10, ProviderWalletAddr: "self-addr"}
	_, err := sessions.Create("s1", session.RoleProvider, session.StateContractCreated, "")
	require.NoError(t, err)
	require.NoError(t, ledger.CreateQuote(context.Background(), "s1", customerAddr, 1))
	require.NoError(t, ledger.FundQuote(context.Background(), "s1", 1))

	signed := signedEnvelope(t, ledger, customerAddr, envelope.RoleContractSigned, "s1", envelope.AcceptedPayload{Quote: q})
	err = p.Process(context.Background(), signed, "customer-peer")
	require.ErrorIs(t, err, ErrUnderfunded)

	_, ok := sessions.Get("s1")
	assert.False(t, ok, "session should be dropped on underfunded abort")
}
