package registry

import "time"

// fallbackCapabilities is the record handed out for unrecognized models.
// Conservative on purpose: a small window keeps planning honest until the
// model shows up in a refresh.
var fallbackCapabilities = ModelCapabilities{
	ContextWindow:       32768,
	MaxOutputPerRequest: 4096,
	SupportsReasoning:   false,
	RateLimit:           RateLimit{RequestsPerSecond: 1, TokensPerMinute: 60000},
	Pricing:             Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	Source:              SourceFallback,
}

func builtinModels() map[string]ModelCapabilities {
	now := time.Now()
	return map[string]ModelCapabilities{
		"deepseek-chat": {
			ModelName:           "deepseek-chat",
			ContextWindow:       128000,
			MaxOutputPerRequest: 8192,
			SupportsReasoning:   false,
			RateLimit:           RateLimit{RequestsPerSecond: 5, TokensPerMinute: 500000},
			Pricing:             Pricing{InputPer1K: 0.00027, OutputPer1K: 0.0011},
			LastUpdated:         now,
			Source:              SourceFallback,
		},
		"deepseek-reasoner": {
			ModelName:           "deepseek-reasoner",
			ContextWindow:       128000,
			MaxOutputPerRequest: 65536,
			SupportsReasoning:   true,
			RateLimit:           RateLimit{RequestsPerSecond: 2, TokensPerMinute: 200000},
			Pricing:             Pricing{InputPer1K: 0.00055, OutputPer1K: 0.00219, ReasoningPer1K: 0.00219},
			LastUpdated:         now,
			Source:              SourceFallback,
		},
	}
}

// Fallback returns a copy of the unknown-model record, named for callers
// that want to display it.
func Fallback(model string) ModelCapabilities {
	fb := fallbackCapabilities
	fb.ModelName = model
	return fb
}
