package processor

import (
	"context"
	"math"

	"github.com/diiisco/core/internal/collaborators"
)

// RawQuote is the intermediate pricing result a creation function
// produces, before price = (tokens / 1e6) × ratePerMillion is applied
// (§4.7).
type RawQuote struct {
	Tokens         int
	RatePerMillion float64
}

// CreationFunc is one entry of the configured quoteEngine.quoteCreationFunction
// pipeline (§6); the first entry returning a non-nil result wins.
type CreationFunc func(ctx context.Context, model string, inputs []collaborators.ChatMessage) (*RawQuote, error)

// FlatRateCreation returns a CreationFunc that counts tokens via the Model
// collaborator and prices them at a fixed rate per million tokens. This is
// the default (and, absent other configuration, only) entry in the
// pipeline.
func FlatRateCreation(model collaborators.Model, ratePerMillion float64) CreationFunc {
	return func(ctx context.Context, modelName string, inputs []collaborators.ChatMessage) (*RawQuote, error) {
		tokens, err := model.CountEmbeddings(ctx, modelName, inputs)
		if err != nil {
			return nil, err
		}
		return &RawQuote{Tokens: tokens, RatePerMillion: ratePerMillion}, nil
	}
}

// price implements §4.7's rounding rule: price = (tokens / 1,000,000) ×
// ratePerMillion, rounded to 6 decimals.
func price(raw RawQuote) float64 {
	p := (float64(raw.Tokens) / 1_000_000) * raw.RatePerMillion
	return math.Round(p*1_000_000) / 1_000_000
}
