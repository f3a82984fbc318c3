package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-governor/internal/cost"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/registry"
	"github.com/vnmchuo/llm-governor/internal/timeout"
)

type streamFunc func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error)

// mockTransport plays one scripted streamFunc per CompleteStream call,
// repeating the last one when the script runs out.
type mockTransport struct {
	mu     sync.Mutex
	calls  []*provider.Request
	times  []time.Time
	script []streamFunc
}

func (m *mockTransport) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	m.times = append(m.times, time.Now())
	m.mu.Unlock()
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return m.script[idx](ctx, req)
}

func (m *mockTransport) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, errors.New("not used")
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockTransport) call(i int) *provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func (m *mockTransport) callTime(i int) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.times[i]
}

func streamOf(finish string, usage *provider.Usage, deltas ...string) streamFunc {
	return func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk, len(deltas)+1)
		for _, d := range deltas {
			ch <- &provider.Chunk{Delta: d}
		}
		ch <- &provider.Chunk{Done: true, FinishReason: finish, Usage: usage}
		close(ch)
		return ch, nil
	}
}

func stalledStream() streamFunc {
	return func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		return make(chan *provider.Chunk), nil // never sends
	}
}

func failedOpen(err error) streamFunc {
	return func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		return nil, err
	}
}

func fastTimeouts(maxRetries int) *timeout.Controller {
	return timeout.NewController(timeout.Config{
		Initial:       50 * time.Millisecond,
		Streaming:     50 * time.Millisecond,
		Continuation:  50 * time.Millisecond,
		MaxRetries:    maxRetries,
		BackoffFactor: 1.5,
		MaxTimeout:    time.Second,
	})
}

func newTestClient(transport provider.Provider, limits cost.Limits, maxRetries int) (*Client, *cost.Guardian, *registry.Registry) {
	reg := registry.New()
	guardian := cost.NewGuardian(limits)
	c := New(reg, guardian, fastTimeouts(maxRetries), transport, noop.NewTracerProvider().Tracer("test"))
	return c, guardian, reg
}

func openLimits() cost.Limits {
	return cost.Limits{MaxPerRequestUSD: 10, MaxUserPerDayUSD: 100, MaxSitePerHourUSD: 1000}
}

func userMessages(content string) []provider.Message {
	return []provider.Message{{Role: "user", Content: content}}
}

func TestChat_HappyPath(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		streamOf("stop", &provider.Usage{InputTokens: 10, OutputTokens: 20}, "Hello ", "world"),
	}}
	c, guardian, _ := newTestClient(transport, openLimits(), 3)

	var deltas []string
	out, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{
		UserID:  "alice",
		OnDelta: func(d string) { deltas = append(deltas, d) },
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if out.Text != "Hello world" {
		t.Errorf("Expected 'Hello world', got %q", out.Text)
	}
	if out.Estimate.InputTokens != 10 || out.Estimate.OutputTokens != 20 {
		t.Errorf("Expected provider-reported usage, got %+v", out.Estimate)
	}
	if out.Continued {
		t.Error("Expected no continuation")
	}
	if len(deltas) != 2 {
		t.Errorf("Expected 2 deltas, got %d", len(deltas))
	}
	if got := guardian.UserSpentToday("alice"); got <= 0 {
		t.Errorf("Expected spend recorded, got %v", got)
	}

	stats := c.GetPerformanceStats()
	if stats.TotalRequests != 1 || stats.Successes != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestChat_EmptyMessages(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{streamOf("stop", nil)}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	_, err := c.Chat(context.Background(), nil, "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeInvalidArgument)
	if transport.callCount() != 0 {
		t.Error("No transport call expected for invalid input")
	}
}

func TestChat_BudgetExceededSkipsNetwork(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{streamOf("stop", nil, "x")}}
	c, guardian, _ := newTestClient(transport, cost.Limits{
		MaxPerRequestUSD: 0.0000001, MaxUserPerDayUSD: 100, MaxSitePerHourUSD: 1000,
	}, 3)

	_, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeBudgetExceeded)
	if !strings.Contains(err.Error(), cost.CeilingRequest) {
		t.Errorf("Expected the ceiling name in the error, got %v", err)
	}
	if transport.callCount() != 0 {
		t.Error("Rejected preflight must not reach the network")
	}
	if len(guardian.Records()) != 0 {
		t.Error("Nothing was consumed, nothing should be recorded")
	}
}

func TestChat_StallRetriesThenSucceeds(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		stalledStream(),
		streamOf("stop", &provider.Usage{InputTokens: 5, OutputTokens: 5}, "ok"),
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	out, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "ok" {
		t.Errorf("Expected 'ok', got %q", out.Text)
	}
	if transport.callCount() != 2 {
		t.Errorf("Expected 2 attempts, got %d", transport.callCount())
	}
	if stats := c.GetPerformanceStats(); stats.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.Retries)
	}
}

func TestChat_StallExhaustsRetries(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{stalledStream()}}
	c, guardian, _ := newTestClient(transport, openLimits(), 1)

	_, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeTimeout)

	if transport.callCount() != 2 {
		t.Errorf("Expected initial attempt + 1 retry, got %d", transport.callCount())
	}
	// The failed call is still accounted for.
	recs := guardian.Records()
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("Expected one failed usage record, got %+v", recs)
	}
}

func TestChat_RetryUsesAnalyzedTimeout(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{stalledStream()}}
	reg := registry.New()
	guardian := cost.NewGuardian(openLimits())
	// Base 50ms with x4 growth: the second attempt must run with the
	// analyzed 200ms budget, not the base.
	ctrl := timeout.NewController(timeout.Config{
		Initial:       50 * time.Millisecond,
		Streaming:     50 * time.Millisecond,
		Continuation:  50 * time.Millisecond,
		MaxRetries:    2,
		BackoffFactor: 4,
		MaxTimeout:    5 * time.Second,
	})
	c := New(reg, guardian, ctrl, transport, noop.NewTracerProvider().Tracer("test"))

	_, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeTimeout)

	if transport.callCount() != 3 {
		t.Fatalf("Expected 3 attempts, got %d", transport.callCount())
	}
	// The gap between attempts 2 and 3 is attempt 2's stall budget.
	if gap := transport.callTime(2).Sub(transport.callTime(1)); gap < 150*time.Millisecond {
		t.Errorf("Retried attempt ran with the base timeout (gap %v), not the analyzed one", gap)
	}
}

func TestChat_ChunksNearTimeoutNotStalled(t *testing.T) {
	// Deltas arriving close to the stall deadline must never be mistaken
	// for a stall, even when a timer fires concurrently with a chunk.
	transport := &mockTransport{script: []streamFunc{
		func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
			ch := make(chan *provider.Chunk)
			go func() {
				defer close(ch)
				for i := 0; i < 8; i++ {
					time.Sleep(30 * time.Millisecond)
					select {
					case ch <- &provider.Chunk{Delta: "x"}:
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- &provider.Chunk{Done: true, FinishReason: "stop"}:
				case <-ctx.Done():
				}
			}()
			return ch, nil
		},
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	out, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "xxxxxxxx" {
		t.Errorf("Expected all 8 deltas, got %q", out.Text)
	}
	if transport.callCount() != 1 {
		t.Errorf("Live stream treated as stalled: %d attempts", transport.callCount())
	}
	if stats := c.GetPerformanceStats(); stats.Retries != 0 {
		t.Errorf("Expected no retries, got %d", stats.Retries)
	}
}

func TestChat_RetryDoesNotReplayDeltas(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
			ch := make(chan *provider.Chunk, 1)
			ch <- &provider.Chunk{Delta: "Hel"}
			return ch, nil // then stalls
		},
		streamOf("stop", &provider.Usage{InputTokens: 5, OutputTokens: 5}, "Hello ", "world"),
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	var sb strings.Builder
	out, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{
		UserID:  "alice",
		OnDelta: func(d string) { sb.WriteString(d) },
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if out.Text != "Hello world" {
		t.Errorf("Expected 'Hello world', got %q", out.Text)
	}
	// The stalled attempt already delivered "Hel"; the retry must pick up
	// from there, not emit the prefix twice.
	if got := sb.String(); got != "Hello world" {
		t.Errorf("Deltas replayed across the retry: %q", got)
	}
}

func TestChat_UntruncatableConversationRejected(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		streamOf("stop", &provider.Usage{InputTokens: 10, OutputTokens: 10}, "ok"),
	}}
	c, guardian, reg := newTestClient(transport, openLimits(), 3)

	reg.Replace([]registry.ModelCapabilities{{
		ModelName:           "small-window",
		ContextWindow:       1000,
		MaxOutputPerRequest: 1000,
		Pricing:             registry.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	}})

	// Only a system message and one oversized latest message: nothing is
	// droppable, so the plan can never fit.
	msgs := []provider.Message{
		{Role: "system", Content: "keep this"},
		{Role: "user", Content: strings.Repeat("x", 2000*4)},
	}

	_, err := c.Chat(context.Background(), msgs, "small-window", Options{UserID: "alice"})
	assertCode(t, err, CodeInvalidArgument)
	if transport.callCount() != 0 {
		t.Error("An over-window request must never reach the network")
	}
	if len(guardian.Records()) != 0 {
		t.Error("Nothing was consumed, nothing should be recorded")
	}
}

func TestChat_Continuation(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		streamOf("length", &provider.Usage{InputTokens: 10, OutputTokens: 700}, "part one"),
		streamOf("stop", &provider.Usage{InputTokens: 15, OutputTokens: 100}, " part two"),
	}}
	c, _, reg := newTestClient(transport, openLimits(), 3)

	// A window smaller than the output cap forces a reduced grant, which
	// makes continuation structurally possible.
	reg.Replace([]registry.ModelCapabilities{{
		ModelName:           "tight-model",
		ContextWindow:       800,
		MaxOutputPerRequest: 1000,
		Pricing:             registry.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	}})

	out, err := c.Chat(context.Background(), userMessages("hi"), "tight-model", Options{UserID: "alice"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if !out.Continued {
		t.Error("Expected a continuation")
	}
	if out.Text != "part one part two" {
		t.Errorf("Expected concatenated text, got %q", out.Text)
	}
	if out.FinishReason != "stop" {
		t.Errorf("Expected final finish reason 'stop', got %q", out.FinishReason)
	}
	if transport.callCount() != 2 {
		t.Fatalf("Expected 2 calls, got %d", transport.callCount())
	}

	// The follow-up request carries the partial assistant text.
	second := transport.call(1)
	foundPartial := false
	for _, m := range second.Messages {
		if m.Role == "assistant" && m.Content == "part one" {
			foundPartial = true
		}
	}
	if !foundPartial {
		t.Errorf("Continuation request missing assistant partial: %+v", second.Messages)
	}

	// Usage sums across both calls.
	if out.Estimate.InputTokens != 25 || out.Estimate.OutputTokens != 800 {
		t.Errorf("Expected summed usage (25, 800), got %+v", out.Estimate)
	}
}

func TestChat_InvalidKeyNotRetried(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		failedOpen(&provider.APIError{Status: http.StatusUnauthorized, Body: "bad key"}),
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	_, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeInvalidKey)
	if transport.callCount() != 1 {
		t.Errorf("INVALID_KEY must be terminal, got %d attempts", transport.callCount())
	}
}

func TestChat_APIErrorNotRetried(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		failedOpen(&provider.APIError{Status: http.StatusInternalServerError, Body: "boom"}),
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	_, err := c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})
	assertCode(t, err, CodeAPIError)
	if transport.callCount() != 1 {
		t.Errorf("API_ERROR must be terminal, got %d attempts", transport.callCount())
	}
}

func TestChat_CancellationStillRecordsUsage(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
			ch := make(chan *provider.Chunk, 1)
			ch <- &provider.Chunk{Delta: "partial "}
			return ch, nil // stream stays open
		},
	}}
	c, guardian, _ := newTestClient(transport, openLimits(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the first delta has been consumed.
	_, err := c.Chat(ctx, userMessages("hi"), "deepseek-chat", Options{
		UserID:  "alice",
		OnDelta: func(string) { cancel() },
	})
	if err == nil {
		t.Fatal("Expected an error after cancellation")
	}
	if len(guardian.Records()) != 1 {
		t.Fatalf("Cancelled call must still record usage, got %d records", len(guardian.Records()))
	}
	if guardian.UserSpentToday("alice") <= 0 {
		t.Error("Partial consumption must be charged")
	}
}

func TestChat_TruncatesOldestMessages(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		streamOf("stop", &provider.Usage{InputTokens: 10, OutputTokens: 10}, "ok"),
	}}
	c, _, reg := newTestClient(transport, openLimits(), 3)

	reg.Replace([]registry.ModelCapabilities{{
		ModelName:           "small-window",
		ContextWindow:       5000,
		MaxOutputPerRequest: 1000,
		Pricing:             registry.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	}})

	big := strings.Repeat("x", 2400*4)
	msgs := []provider.Message{
		{Role: "system", Content: "keep this"},
		{Role: "user", Content: big},
		{Role: "user", Content: big},
		{Role: "user", Content: "latest question"},
	}

	_, err := c.Chat(context.Background(), msgs, "small-window", Options{UserID: "alice"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	sent := transport.call(0).Messages
	if len(sent) >= len(msgs) {
		t.Fatalf("Expected truncation, %d messages sent", len(sent))
	}
	if sent[0].Role != "system" {
		t.Error("System message must survive truncation")
	}
	if sent[len(sent)-1].Content != "latest question" {
		t.Error("Latest message must survive truncation")
	}
}

func TestGetPerformanceStats_ErrorCounts(t *testing.T) {
	transport := &mockTransport{script: []streamFunc{
		failedOpen(&provider.APIError{Status: http.StatusUnauthorized, Body: "bad key"}),
	}}
	c, _, _ := newTestClient(transport, openLimits(), 3)

	_, _ = c.Chat(context.Background(), userMessages("hi"), "deepseek-chat", Options{UserID: "alice"})

	stats := c.GetPerformanceStats()
	if stats.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failures)
	}
	if stats.ErrorCounts[CodeInvalidKey] != 1 {
		t.Errorf("Expected INVALID_KEY counted, got %+v", stats.ErrorCounts)
	}
}

func assertCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	var cerr *CoreError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CoreError, got %v", err)
	}
	if cerr.Code != want {
		t.Fatalf("Expected code %s, got %s (%s)", want, cerr.Code, cerr.Message)
	}
}
