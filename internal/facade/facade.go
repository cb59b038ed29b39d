// Package facade implements C10: the HTTP surface that is the canonical
// external entry point into the messaging core. It accepts requests,
// injects them into the session workflow (C9) as the initiator, and
// correlates the asynchronous replies that eventually arrive through C7.
//
// Grounded on kashguard-go-mpc-infra's internal/api/server.go Echo
// construction and its handler package layout (one file per route), with
// the bearer-auth middleware built from echo/v4's own middleware package
// (already part of the teacher's dependency, echo/v4).
package facade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/pubsub"
	"github.com/diiisco/core/internal/quote"
	"github.com/diiisco/core/internal/rendezvous"
	"github.com/diiisco/core/internal/router"
	"github.com/diiisco/core/internal/session"
)

// modelsWaitWindow bounds GET /v1/models' wait for a compiled model list;
// it mirrors the auction window since both are "collect broadcast replies
// for a bounded time" operations (§4.10).
const modelsWaitWindow = 5 * time.Second

// outerDeadline bounds POST /v1/chat/completions end to end (§5): if
// neither quote-selected nor inference-response fires within it, the
// façade responds with a gateway-timeout-class error.
const outerDeadline = 30 * time.Second

// PeerLister is the subset of C2 GET /peers enumerates.
type PeerLister interface {
	Connections() []Connection
}

// Connection mirrors network.Connection without importing libp2p types into
// this package's exported surface.
type Connection struct {
	PeerID     string
	RemoteAddr string
}

// Config carries the façade's own slice of the enumerated config surface
// (§6 api.*) plus the identity it signs outbound requests with.
type Config struct {
	Enabled              bool
	Port                 int
	BearerAuthentication bool
	Keys                 []string
	SelfWalletAddr       string
	OwnPeerID            peer.ID
}

// Facade implements C10.
type Facade struct {
	cfg      Config
	echo     *echo.Echo
	ledger   collaborators.Ledger
	model    collaborators.Model
	bus      *pubsub.Bus
	router   *router.Router
	sessions *session.Store
	metrics  *prometheus.Registry
	logger   zerolog.Logger

	peers PeerLister

	selections *rendezvous.Registry[quote.Selected]
	completes  *rendezvous.Registry[session.CompleteEvent]

	started chan struct{}
}

// Deps bundles the collaborators the façade correlates events across.
type Deps struct {
	Ledger   collaborators.Ledger
	Model    collaborators.Model
	Bus      *pubsub.Bus
	Router   *router.Router
	Sessions *session.Store
	Quotes   *quote.Engine
	Peers    PeerLister
	Metrics  *prometheus.Registry
}

// New constructs a Facade and wires its route table. The background
// dispatchers correlating quote.Engine.Selected() and Sessions.Complete()
// into per-id waiters run until ctx is cancelled.
func New(ctx context.Context, cfg Config, deps Deps, logger zerolog.Logger) *Facade {
	f := &Facade{
		cfg:        cfg,
		echo:       echo.New(),
		ledger:     deps.Ledger,
		model:      deps.Model,
		bus:        deps.Bus,
		router:     deps.Router,
		sessions:   deps.Sessions,
		metrics:    deps.Metrics,
		peers:      deps.Peers,
		logger:     logger,
		selections: rendezvous.NewRegistry[quote.Selected](ctx),
		completes:  rendezvous.NewRegistry[session.CompleteEvent](ctx),
		started:    make(chan struct{}),
	}
	f.echo.HideBanner = true
	f.echo.HidePort = true

	go f.dispatchSelections(ctx, deps.Quotes)
	go f.dispatchCompletions(ctx, deps.Sessions)

	f.routes()
	return f
}

// dispatchSelections drains the auction engine's shared Selected() channel
// and resolves the per-session waiter registered by handleChatCompletions,
// implementing the keyed-rendezvous strategy the Design Notes prescribe in
// place of a "once" callback tied to a session id.
func (f *Facade) dispatchSelections(ctx context.Context, engine *quote.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case sel, ok := <-engine.Selected():
			if !ok {
				return
			}
			f.selections.Resolve(ctx, sel.SessionID, sel)
		}
	}
}

func (f *Facade) dispatchCompletions(ctx context.Context, store *session.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-store.Complete():
			if !ok {
				return
			}
			f.completes.Resolve(ctx, evt.SessionID, evt)
		}
	}
}

// Ready marks C2 as started, satisfying GET /health's contract ("returns OK
// once C2 is started").
func (f *Facade) Ready() { close(f.started) }

func (f *Facade) isReady() bool {
	select {
	case <-f.started:
		return true
	default:
		return false
	}
}

func (f *Facade) routes() {
	f.echo.GET("/health", f.handleHealth)
	f.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(f.metrics, promhttp.HandlerOpts{})))

	v1 := f.echo.Group("")
	if f.cfg.BearerAuthentication {
		v1.Use(f.bearerAuth())
	}
	v1.GET("/peers", f.handlePeers)
	v1.GET("/v1/models", f.handleListModels)
	v1.POST("/v1/chat/completions", f.handleChatCompletions)
}

// bearerAuth implements the optional bearer token allowlist over /v1/* and
// /peers (§4.10), built on echo/v4's own KeyAuth middleware.
func (f *Facade) bearerAuth() echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(f.cfg.Keys))
	for _, k := range f.cfg.Keys {
		allowed[k] = true
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:Authorization:Bearer ",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return allowed[key], nil
		},
		ErrorHandler: func(_ error, _ echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		},
	})
}

func (f *Facade) handleHealth(c echo.Context) error {
	if !f.isReady() {
		return c.String(http.StatusServiceUnavailable, "starting")
	}
	return c.String(http.StatusOK, "OK")
}

// peersResponse is GET /peers' response shape (§6).
type peersResponse struct {
	Peers []peerEntry `json:"peers"`
}

type peerEntry struct {
	RemoteAddr string `json:"remoteAddr"`
	PeerID     string `json:"peerId"`
}

func (f *Facade) handlePeers(c echo.Context) error {
	conns := f.peers.Connections()
	out := make([]peerEntry, 0, len(conns))
	for _, conn := range conns {
		out = append(out, peerEntry{RemoteAddr: conn.RemoteAddr, PeerID: conn.PeerID})
	}
	return c.JSON(http.StatusOK, peersResponse{Peers: out})
}

// modelsResponse is GET /v1/models' OpenAI-shape response (§6).
type modelsResponse struct {
	Object string                    `json:"object"`
	Data   []collaborators.ModelInfo `json:"data"`
}

func (f *Facade) handleListModels(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), modelsWaitWindow)
	defer cancel()

	env, err := f.signedEnvelope(ctx, envelope.RoleListModels, uuid.NewString(), "", struct{}{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := f.bus.Publish(ctx, raw); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "publish list-models: "+err.Error())
	}

	select {
	case models := <-f.model.Compiled():
		return c.JSON(http.StatusOK, modelsResponse{Object: "list", Data: models})
	case <-ctx.Done():
		return echo.NewHTTPError(http.StatusInternalServerError, "timed out waiting for model list")
	}
}

// chatCompletionRequest is POST /v1/chat/completions' request body (§6/§4.10).
type chatCompletionRequest struct {
	Model    string                      `json:"model"`
	Messages []collaborators.ChatMessage `json:"messages"`
}

// chatCompletionResponse is the OpenAI-compatible completion-out shape.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message collaborators.ChatMessage `json:"message"`
	} `json:"choices"`
}

func (f *Facade) handleChatCompletions(c echo.Context) error {
	var body chatCompletionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.Model == "" || len(body.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "model and messages are required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), outerDeadline)
	defer cancel()

	now := time.Now().UnixMilli()
	id := sessionID(now, body)

	if _, err := f.sessions.Create(id, session.RoleCustomer, session.StateDiscovering, f.cfg.SelfWalletAddr); err != nil {
		f.logger.Debug().Err(err).Str("session_id", id).Msg("duplicate chat completion request")
	}

	payload := envelope.QuoteRequestPayload{Model: body.Model, Inputs: body.Messages}
	env, err := f.signedEnvelope(ctx, envelope.RoleQuoteRequest, id, "", payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := f.bus.WaitForMesh(ctx, 1, 5*time.Second); err != nil {
		f.logger.Warn().Err(err).Str("session_id", id).Msg("publishing quote-request to an empty mesh")
	}
	if err := f.bus.Publish(ctx, raw); err != nil {
		f.sessions.Drop(id)
		return echo.NewHTTPError(http.StatusInternalServerError, "publish quote-request: "+err.Error())
	}

	sel, ok := f.selections.Await(ctx, id)
	if !ok {
		f.sessions.Drop(id)
		return echo.NewHTTPError(http.StatusInternalServerError, "gateway timeout: no quote selected")
	}
	f.sessions.Advance(id, session.StateDiscovering, session.StateQuoted)
	f.sessions.Advance(id, session.StateQuoted, session.StateAccepted)

	winner, err := peer.Decode(sel.Winner.FromPeerID)
	if err != nil {
		f.sessions.Drop(id)
		return echo.NewHTTPError(http.StatusInternalServerError, "invalid winning peer id: "+err.Error())
	}
	acceptedEnv, err := f.signedEnvelope(ctx, envelope.RoleQuoteAccepted, id, sel.Winner.FromPeerID, envelope.AcceptedPayload{Quote: sel.Winner.Quote})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := f.router.Send(ctx, acceptedEnv, &winner); err != nil {
		f.sessions.Drop(id)
		return echo.NewHTTPError(http.StatusInternalServerError, "send quote-accepted: "+err.Error())
	}

	complete, ok := f.completes.Await(ctx, id)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "gateway timeout: no inference response")
	}

	resp := chatCompletionResponse{ID: id, Object: "chat.completion", Model: sel.Winner.Quote.Model}
	resp.Choices = append(resp.Choices, struct {
		Index   int `json:"index"`
		Message collaborators.ChatMessage `json:"message"`
	}{Index: 0, Message: collaborators.ChatMessage{Role: "assistant", Content: complete.Completion}})
	return c.JSON(http.StatusOK, resp)
}

// signedEnvelope builds and signs an envelope the façade originates as the
// initiator (§4.10/§6). Broadcast-only roles carry no `to`.
func (f *Facade) signedEnvelope(ctx context.Context, role envelope.Role, id, to string, payload interface{}) (envelope.Envelope, error) {
	raw, err := envelope.EncodePayload(payload)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env := envelope.Envelope{
		Role:           role,
		ID:             id,
		Timestamp:      time.Now().UnixMilli(),
		FromWalletAddr: f.cfg.SelfWalletAddr,
		To:             to,
		Payload:        raw,
	}
	return envelope.Sign(ctx, f.ledger, env)
}

// sessionID implements §6's id = first 56 hex chars of
// sha256(ms-timestamp ‖ canonical-JSON(body)).
func sessionID(timestampMillis int64, body chatCompletionRequest) string {
	raw, _ := json.Marshal(body)
	// Re-encoding through a generic value sorts object keys at every depth.
	var generic interface{}
	_ = json.Unmarshal(raw, &generic)
	canon, _ := json.Marshal(generic)
	buf := append(strconv.AppendInt(nil, timestampMillis, 10), canon...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:56]
}

// Start begins serving HTTP on cfg.Port. It blocks until the listener
// fails or Shutdown is called.
func (f *Facade) Start() error {
	if err := f.echo.Start(":" + strconv.Itoa(f.cfg.Port)); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown implements the façade's step of graceful shutdown (§5): stop
// accepting HTTP.
func (f *Facade) Shutdown(ctx context.Context) error {
	return f.echo.Shutdown(ctx)
}
