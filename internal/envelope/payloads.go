package envelope

import "github.com/diiisco/core/internal/collaborators"

// QuoteRequestPayload is quote-request.payload (§6).
type QuoteRequestPayload struct {
	Model  string                      `json:"model"`
	Inputs []collaborators.ChatMessage `json:"inputs"`
}

// QuoteResponsePayload is quote-response.payload (§6).
type QuoteResponsePayload struct {
	Model  string                      `json:"model"`
	Inputs []collaborators.ChatMessage `json:"inputs"`
	Quote  collaborators.Quote         `json:"quote"`
}

// AcceptedPayload is shared, unchanged, by quote-accepted, contract-created
// and contract-signed (§6).
type AcceptedPayload struct {
	Quote collaborators.Quote `json:"quote"`
}

// InferenceResponsePayload is inference-response.payload: the accepted
// payload plus the completion text (§6).
type InferenceResponsePayload struct {
	Quote      collaborators.Quote `json:"quote"`
	Completion string              `json:"completion"`
}

// ListModelsResponsePayload is list-models-response.payload (§6).
type ListModelsResponsePayload struct {
	Models []collaborators.ModelInfo `json:"models"`
}
