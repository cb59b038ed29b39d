// Package processor implements C7: the unified, message-agnostic ingress
// pipeline. It validates and dispatches every inbound message regardless
// of whether it arrived via C4 (broadcast) or C5 (direct), and produces
// signed replies through C6.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/quote"
	"github.com/diiisco/core/internal/session"
)

// Sender is the subset of C6 the processor replies through.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope, target *peer.ID) error
}

// BidSink is the subset of C8 quote-response forwards into.
type BidSink interface {
	AddBid(ctx context.Context, sessionID string, bid quote.Bid)
}

// Processor implements C7.
type Processor struct {
	ledger   collaborators.Ledger
	model    collaborators.Model
	sender   Sender
	bids     BidSink
	sessions *session.Store
	logger   zerolog.Logger

	ownPeerID      peer.ID
	selfWalletAddr string
	protocolAsset  uint64
	servedModels   map[string]bool
	creation       []CreationFunc
}

// Config carries the pieces of §6's config keys this node's processor
// instance needs.
type Config struct {
	OwnPeerID      peer.ID
	SelfWalletAddr string
	ProtocolAsset  uint64
	ServedModels   []string
	Creation       []CreationFunc
}

// New constructs a Processor.
func New(ledger collaborators.Ledger, model collaborators.Model, sender Sender, bids BidSink, sessions *session.Store, cfg Config, logger zerolog.Logger) *Processor {
	served := make(map[string]bool, len(cfg.ServedModels))
	for _, m := range cfg.ServedModels {
		served[m] = true
	}
	return &Processor{
		ledger:         ledger,
		model:          model,
		sender:         sender,
		bids:           bids,
		sessions:       sessions,
		logger:         logger,
		ownPeerID:      cfg.OwnPeerID,
		selfWalletAddr: cfg.SelfWalletAddr,
		protocolAsset:  cfg.ProtocolAsset,
		servedModels:   served,
		creation:       cfg.Creation,
	}
}

// IsAddressedToSelf implements §4.7's addressing filter, stage 1, which is
// applied by the caller before Process: roles without `to` are always
// accepted; roles with `to` are accepted only when it names this node.
func IsAddressedToSelf(ownPeerID peer.ID, env envelope.Envelope) bool {
	if env.To == "" {
		return true
	}
	return env.To == ownPeerID.String()
}

// Process runs stages 2-5 of §4.7's pipeline: address validation, signature
// presence, signature verification, and role dispatch. Rejections are
// returned as typed errors for the caller to log; the processor never
// replies to a rejected sender.
func (p *Processor) Process(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	if !p.ledger.IsValidAddress(env.FromWalletAddr) {
		return fmt.Errorf("%w: %q", ErrBadSender, env.FromWalletAddr)
	}
	if env.Signature == "" {
		return ErrUnsigned
	}
	ok, err := envelope.Verify(ctx, p.ledger, env)
	if err != nil {
		return fmt.Errorf("processor: verify signature: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}

	switch env.Role {
	case envelope.RoleListModels:
		return p.handleListModels(ctx, env, source)
	case envelope.RoleListModelsResponse:
		return p.handleListModelsResponse(env)
	case envelope.RoleQuoteRequest:
		return p.handleQuoteRequest(ctx, env, source)
	case envelope.RoleQuoteResponse:
		return p.handleQuoteResponse(ctx, env, source)
	case envelope.RoleQuoteAccepted:
		return p.handleQuoteAccepted(ctx, env, source)
	case envelope.RoleContractCreated:
		return p.handleContractCreated(ctx, env, source)
	case envelope.RoleContractSigned:
		return p.handleContractSigned(ctx, env, source)
	case envelope.RoleInferenceResponse:
		return p.handleInferenceResponse(ctx, env, source)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, env.Role)
	}
}

func (p *Processor) reply(ctx context.Context, role envelope.Role, sessionID, to, fromAddr string, payload interface{}, target *peer.ID) error {
	raw, err := envelope.EncodePayload(payload)
	if err != nil {
		return err
	}
	env := envelope.Envelope{
		Role:           role,
		ID:             sessionID,
		Timestamp:      time.Now().UnixMilli(),
		FromWalletAddr: fromAddr,
		To:             to,
		Payload:        raw,
	}
	signed, err := envelope.Sign(ctx, p.ledger, env)
	if err != nil {
		return fmt.Errorf("processor: sign reply: %w", err)
	}
	return p.sender.Send(ctx, signed, target)
}

func (p *Processor) handleListModels(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	models, err := p.model.GetModels(ctx)
	if err != nil {
		return fmt.Errorf("processor: get models: %w", err)
	}
	payload := envelope.ListModelsResponsePayload{Models: models}
	return p.reply(ctx, envelope.RoleListModelsResponse, env.ID, source.String(), p.selfWalletAddr, payload, nil)
}

func (p *Processor) handleListModelsResponse(env envelope.Envelope) error {
	var payload envelope.ListModelsResponsePayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	p.model.AddModel(payload.Models)
	return nil
}

func (p *Processor) handleQuoteRequest(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	var payload envelope.QuoteRequestPayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	if !p.servedModels[payload.Model] {
		p.logger.Debug().Str("model", payload.Model).Msg("quote-request dropped: model not served")
		return fmt.Errorf("%w: %q", ErrModelNotServed, payload.Model)
	}

	optIn, err := p.ledger.CheckIfOptedInToAsset(ctx, env.FromWalletAddr, p.protocolAsset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerFailed, err)
	}
	if !optIn.OptedIn {
		return fmt.Errorf("%w: %q", ErrNotOptedIn, env.FromWalletAddr)
	}

	var raw *RawQuote
	for _, fn := range p.creation {
		r, err := fn(ctx, payload.Model, payload.Inputs)
		if err != nil {
			p.logger.Debug().Err(err).Msg("quote creation function errored, trying next")
			continue
		}
		if r != nil {
			raw = r
			break
		}
	}
	if raw == nil {
		return ErrNoQuoteProduced
	}

	q := collaborators.Quote{
		Model:              payload.Model,
		InputCount:         len(payload.Inputs),
		TokenCount:         raw.Tokens,
		PricePerMillion:    raw.RatePerMillion,
		TotalPrice:         price(*raw),
		ProviderWalletAddr: p.selfWalletAddr,
	}

	if _, err := p.sessions.Create(env.ID, session.RoleProvider, session.StateQuoted, ""); err != nil {
		p.logger.Debug().Err(err).Str("session_id", env.ID).Msg("duplicate quote-request for session")
		return nil
	}
	if sess, ok := p.sessions.Get(env.ID); ok {
		sess.AccumulatedPayload = payload.Inputs
	}

	replyPayload := envelope.QuoteResponsePayload{Model: payload.Model, Inputs: payload.Inputs, Quote: q}
	return p.reply(ctx, envelope.RoleQuoteResponse, env.ID, source.String(), p.selfWalletAddr, replyPayload, nil)
}

func (p *Processor) handleQuoteResponse(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	var payload envelope.QuoteResponsePayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	p.bids.AddBid(ctx, env.ID, quote.Bid{
		FromPeerID: source.String(),
		Quote:      payload.Quote,
		ReceivedAt: time.Now(),
	})
	return nil
}

func (p *Processor) handleQuoteAccepted(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	var payload envelope.AcceptedPayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	usdcBaseUnits := int64(payload.Quote.TotalPrice * 1_000_000)
	if err := p.ledger.CreateQuote(ctx, env.ID, env.FromWalletAddr, usdcBaseUnits); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: createQuote: %v", ErrLedgerFailed, err)
	}
	if _, ok := p.sessions.Advance(env.ID, session.StateQuoted, session.StateContractCreated); !ok {
		p.logger.Debug().Str("session_id", env.ID).Msg("quote-accepted for unknown or already-advanced session")
		return nil
	}
	return p.reply(ctx, envelope.RoleContractCreated, env.ID, source.String(), p.selfWalletAddr, payload, &source)
}

func (p *Processor) handleContractCreated(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	var payload envelope.AcceptedPayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	usdcBaseUnits := int64(payload.Quote.TotalPrice * 1_000_000)
	if err := p.ledger.FundQuote(ctx, env.ID, usdcBaseUnits); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: fundQuote: %v", ErrLedgerFailed, err)
	}
	if _, ok := p.sessions.Advance(env.ID, session.StateAccepted, session.StateContractSigned); !ok {
		p.logger.Debug().Str("session_id", env.ID).Msg("contract-created for unknown or already-advanced session")
		return nil
	}
	return p.reply(ctx, envelope.RoleContractSigned, env.ID, source.String(), p.selfWalletAddr, payload, &source)
}

func (p *Processor) handleContractSigned(ctx context.Context, env envelope.Envelope, source peer.ID) error {
	var payload envelope.AcceptedPayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}

	status, err := p.ledger.VerifyQuoteFunded(ctx, env.ID)
	if err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: verifyQuoteFunded: %v", ErrLedgerFailed, err)
	}
	required := int64(payload.Quote.TotalPrice * 1_000_000)
	if !status.Funded || status.USDCBaseUnits < required {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: funded %d, required %d", ErrUnderfunded, status.USDCBaseUnits, required)
	}

	if _, ok := p.sessions.Advance(env.ID, session.StateContractCreated, session.StateInferring); !ok {
		p.logger.Debug().Str("session_id", env.ID).Msg("contract-signed for unknown or already-advanced session")
		return nil
	}

	inputs, _ := p.sessionInputs(env.ID)
	completion, err := p.model.GetResponse(ctx, payload.Quote.Model, inputs)
	if err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if _, ok := p.sessions.Advance(env.ID, session.StateInferring, session.StateInferred); !ok {
		return nil
	}

	replyPayload := envelope.InferenceResponsePayload{Quote: payload.Quote, Completion: completion}
	return p.reply(ctx, envelope.RoleInferenceResponse, env.ID, source.String(), p.selfWalletAddr, replyPayload, &source)
}

func (p *Processor) sessionInputs(id string) ([]collaborators.ChatMessage, bool) {
	sess, ok := p.sessions.Get(id)
	if !ok {
		return nil, false
	}
	inputs, ok := sess.AccumulatedPayload.([]collaborators.ChatMessage)
	return inputs, ok
}

func (p *Processor) handleInferenceResponse(ctx context.Context, env envelope.Envelope, _ peer.ID) error {
	var payload envelope.InferenceResponsePayload
	if err := envelope.DecodePayload(env, &payload); err != nil {
		return err
	}
	if _, err := p.ledger.CompleteQuote(ctx, env.ID, payload.Quote.ProviderWalletAddr); err != nil {
		p.sessions.Drop(env.ID)
		return fmt.Errorf("%w: completeQuote: %v", ErrLedgerFailed, err)
	}
	if _, ok := p.sessions.MarkPaid(env.ID, payload.Completion); !ok {
		p.logger.Debug().Str("session_id", env.ID).Msg("inference-response for unknown or already-paid session")
	}
	return nil
}
