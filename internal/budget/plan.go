// Package budget turns a conversation plus a model's capability record into
// an input/output token allocation. It is pure computation: no state, no
// I/O, identical inputs always yield an identical plan.
package budget

import (
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/registry"
)

type Strategy string

const (
	StrategyFull           Strategy = "full"
	StrategyTruncated      Strategy = "truncated"
	StrategyMinimalReserve Strategy = "minimal-reserve"
)

// Plan is the allocation chosen for one request. Consumed immediately,
// never persisted.
type Plan struct {
	InputTokens     int
	MaxTokens       int
	Strategy        Strategy
	NeedsTruncation bool
	CanContinue     bool
}

const (
	// charsPerToken is the estimation divisor. Coarse but deterministic,
	// which matters more here than accuracy: the guardian re-records with
	// provider-reported counts after the call.
	charsPerToken = 4

	// perMessageOverhead covers role markers and separators.
	perMessageOverhead = 4

	minReserve          = 256  // minimum output allowance for any model
	minReserveReasoning = 1024 // reasoning models need room to think
)

// EstimateTokens estimates the token count of a message list. Monotonic in
// content length and stable for identical input.
func EstimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/charsPerToken + perMessageOverhead
	}
	return total
}

// Reserve returns the minimum output allowance for a model.
func Reserve(caps registry.ModelCapabilities) int {
	if caps.SupportsReasoning {
		return minReserveReasoning
	}
	return minReserve
}

// Compute builds the allocation for one request. requestedMaxTokens <= 0
// means "as much as the model allows".
//
// The planner never truncates content itself: when the input alone breaches
// the window minus the reserve it reports StrategyTruncated and leaves the
// cut to the caller.
func Compute(messages []provider.Message, requestedMaxTokens int, caps registry.ModelCapabilities) Plan {
	inputTokens := EstimateTokens(messages)
	reserve := Reserve(caps)

	want := caps.MaxOutputPerRequest
	if requestedMaxTokens > 0 && requestedMaxTokens < want {
		want = requestedMaxTokens
	}

	available := caps.ContextWindow - inputTokens

	if available < reserve {
		// Input alone eats the window. Grant the reserve and tell the
		// caller to trim before sending.
		return Plan{
			InputTokens:     inputTokens,
			MaxTokens:       reserve,
			Strategy:        StrategyTruncated,
			NeedsTruncation: true,
			CanContinue:     reserve < want,
		}
	}

	maxTokens := want
	strategy := StrategyFull
	if available < maxTokens {
		maxTokens = available
		if maxTokens < 2*reserve {
			// Barely above the floor: flag it so callers can warn.
			strategy = StrategyMinimalReserve
		}
	}

	return Plan{
		InputTokens: inputTokens,
		MaxTokens:   maxTokens,
		Strategy:    strategy,
		CanContinue: maxTokens < want,
	}
}
