package registry

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Source tags on a capability record say where it came from.
const (
	SourceLive     = "live"
	SourceFallback = "fallback"
)

type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	TokensPerMinute   int64   `json:"tokens_per_minute"`
}

type Pricing struct {
	InputPer1K     float64 `json:"input_per_1k"`     // USD per 1000 input tokens
	OutputPer1K    float64 `json:"output_per_1k"`    // USD per 1000 output tokens
	ReasoningPer1K float64 `json:"reasoning_per_1k"` // USD per 1000 reasoning tokens
}

// ModelCapabilities is an immutable snapshot of what a model accepts and costs.
// Callers hold the record read-only for the duration of one request.
type ModelCapabilities struct {
	ModelName           string    `json:"model_name"`
	ContextWindow       int       `json:"context_window"`
	MaxOutputPerRequest int       `json:"max_output_per_request"`
	SupportsReasoning   bool      `json:"supports_reasoning"`
	RateLimit           RateLimit `json:"rate_limit"`
	Pricing             Pricing   `json:"pricing"`
	LastUpdated         time.Time `json:"last_updated"`
	Source              string    `json:"source"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *ModelCapabilities) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *ModelCapabilities) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// Registry serves capability records. The active record set is swapped
// atomically on refresh so readers never block writers.
type Registry struct {
	snapshot atomic.Pointer[map[string]ModelCapabilities]
}

func New() *Registry {
	r := &Registry{}
	models := builtinModels()
	r.snapshot.Store(&models)
	return r
}

// Lookup returns the capability record for model. Unknown models get the
// documented fallback record so planning never fails on a bad model name;
// the second return reports whether the model was actually registered.
func (r *Registry) Lookup(model string) (ModelCapabilities, bool) {
	snap := *r.snapshot.Load()
	if caps, ok := snap[model]; ok {
		return caps, true
	}
	fb := fallbackCapabilities
	fb.ModelName = model
	return fb, false
}

// Models returns the registered model names in the active snapshot.
func (r *Registry) Models() []string {
	snap := *r.snapshot.Load()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	return names
}

// Replace swaps in a new record set. Records missing from the update keep
// their built-in defaults so a partial refresh cannot lose models.
func (r *Registry) Replace(records []ModelCapabilities) {
	models := builtinModels()
	for _, rec := range records {
		if rec.ModelName == "" || rec.ContextWindow <= 0 {
			continue
		}
		models[rec.ModelName] = rec
	}
	r.snapshot.Store(&models)
}
