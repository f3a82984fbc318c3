package cost

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/llm-governor/internal/registry"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Estimate is the projected price of one request, derived from the model's
// per-1K pricing. TotalCost is always the sum of the three parts.
type Estimate struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ReasoningTokens int     `json:"reasoning_tokens"`
	InputCost       float64 `json:"input_cost"`
	OutputCost      float64 `json:"output_cost"`
	ReasoningCost   float64 `json:"reasoning_cost"`
	TotalCost       float64 `json:"total_cost"`
	Currency        string  `json:"currency"`
}

// EstimateCost prices a request against a capability record. Negative token
// counts are rejected; zero tokens price at zero.
func EstimateCost(caps registry.ModelCapabilities, inputTokens, outputTokens, reasoningTokens int) (Estimate, error) {
	if inputTokens < 0 || outputTokens < 0 || reasoningTokens < 0 {
		return Estimate{}, fmt.Errorf("%w: negative token count (%d, %d, %d)",
			ErrInvalidArgument, inputTokens, outputTokens, reasoningTokens)
	}

	est := Estimate{
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		ReasoningTokens: reasoningTokens,
		InputCost:       float64(inputTokens) / 1000 * caps.Pricing.InputPer1K,
		OutputCost:      float64(outputTokens) / 1000 * caps.Pricing.OutputPer1K,
		ReasoningCost:   float64(reasoningTokens) / 1000 * caps.Pricing.ReasoningPer1K,
		Currency:        "USD",
	}
	est.TotalCost = est.InputCost + est.OutputCost + est.ReasoningCost
	return est, nil
}
