package provider

import (
	"context"
	"fmt"
)

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	Stream    bool
	// Metadata for tracing and usage records
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

type Response struct {
	ID           string
	Content      string
	Usage        Usage
	Model        string
	FinishReason string // "stop", "length", ...
	LatencyMs    int64
}

// Chunk is one streamed delta. The final chunk carries Done plus the
// finish reason and usage totals when the upstream reports them.
type Chunk struct {
	Delta        string
	Done         bool
	FinishReason string
	Usage        *Usage
	Err          error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// APIError is a non-2xx upstream reply, preserved with its status so the
// caller can classify it without string matching.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api error (status %d): %s", e.Status, e.Body)
}
