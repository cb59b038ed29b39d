// Package collaborators declares the narrow interfaces the core issues
// calls against for the systems spec.md places out of scope: the
// Algorand ledger and the local LLM runtime. The core ships no production
// implementation of either — only the call sites in C7/C8/C9/C10 that
// consume them. See collaboratorstest for in-memory fakes used by this
// module's own tests.
package collaborators

import "context"

// ChatMessage is one entry of a chat completion's `messages` array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelInfo describes one model the Model collaborator can serve, in the
// OpenAI-compatible shape the façade (C10) exposes at GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Quote is the pricing offer a provider attaches to a quote-response, and
// the payload carried unchanged through quote-accepted, contract-created,
// and contract-signed.
type Quote struct {
	Model              string  `json:"model"`
	InputCount         int     `json:"inputCount"`
	TokenCount         int     `json:"tokenCount"`
	PricePerMillion    float64 `json:"pricePerMillion"`
	TotalPrice         float64 `json:"totalPrice"`
	ProviderWalletAddr string  `json:"addr"`
}

// FundingStatus is the result of VerifyQuoteFunded.
type FundingStatus struct {
	Funded        bool
	Status        string
	USDCBaseUnits int64
}

// OptInStatus is the result of CheckIfOptedInToAsset.
type OptInStatus struct {
	OptedIn bool
	Balance int64
}

// Confirmation is an opaque on-chain confirmation returned by CompleteQuote.
type Confirmation struct {
	TxID string
}

// Ledger is the Algorand collaborator: it signs and verifies bytes on the
// core's behalf, and drives the atomic on-chain calls that back each
// session-state transition in C9.
type Ledger interface {
	// SignObject signs canonicalBytes (the envelope-minus-signature,
	// already canonicalized by the caller) and returns a base64 signature.
	SignObject(ctx context.Context, canonicalBytes []byte) (signatureB64 string, err error)

	// VerifySignature checks signatureB64 (base64) against canonicalBytes
	// using addr as the verification key.
	VerifySignature(ctx context.Context, canonicalBytes []byte, addr string, signatureB64 string) (bool, error)

	// IsValidAddress reports whether addr is a well-formed ledger address.
	IsValidAddress(addr string) bool

	CreateQuote(ctx context.Context, quoteID, customerAddr string, usdcBaseUnits int64) error
	FundQuote(ctx context.Context, quoteID string, usdcBaseUnits int64) error
	VerifyQuoteFunded(ctx context.Context, quoteID string) (FundingStatus, error)
	CompleteQuote(ctx context.Context, quoteID, provider string) (Confirmation, error)
	RefundQuote(ctx context.Context, quoteID string) error

	CheckIfOptedInToAsset(ctx context.Context, addr string, assetID uint64) (OptInStatus, error)
	OptInToAsset(ctx context.Context, addr string, assetID uint64) error

	// Balance returns addr's balance of assetID, consumed by the
	// highest-stake selection policy (C8).
	Balance(ctx context.Context, addr string, assetID uint64) (int64, error)

	// ResolveBootstrapAlias resolves a DNS-like bootstrap alias to a full
	// multiaddr string of the shape /(dns4|ip4)/host/tcp/port/p2p/id.
	// Aliases not ending in the well-known suffix are returned unchanged.
	ResolveBootstrapAlias(ctx context.Context, alias string) (string, error)
}

// Model is the local LLM runtime collaborator, an OpenAI-compatible HTTP
// endpoint from the core's point of view.
type Model interface {
	GetResponse(ctx context.Context, model string, inputs []ChatMessage) (completion string, err error)
	GetModels(ctx context.Context) ([]ModelInfo, error)

	// CountEmbeddings returns a deterministic token count used for pricing.
	CountEmbeddings(ctx context.Context, model string, inputs []ChatMessage) (int, error)

	// AddModel feeds a list-models-response payload into the accumulator.
	// The accumulator dedupes across peers and, after a debounce equal to
	// the auction window, emits a compiled list on Compiled().
	AddModel(list []ModelInfo)

	// Compiled emits the deduplicated model list after each debounce
	// window closes.
	Compiled() <-chan []ModelInfo
}
