// Package client is the resilient completion client: the one component
// that performs I/O. It composes the budget planner, cost guardian and
// timeout controller around the transport call, with retry, streaming
// stall detection and continuation built in.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-governor/internal/budget"
	"github.com/vnmchuo/llm-governor/internal/cost"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/registry"
	"github.com/vnmchuo/llm-governor/internal/timeout"
	"github.com/vnmchuo/llm-governor/internal/worker"
)

// maxContinuations bounds follow-up calls when a model exhausts its
// per-request output cap.
const maxContinuations = 2

type Options struct {
	UserID             string
	RequestID          string
	RequestedMaxTokens int
	// OnDelta, when set, receives each streamed delta as it arrives.
	OnDelta func(delta string)
}

// Outcome is the assembled result of one logical chat call.
type Outcome struct {
	Text         string        `json:"text"`
	Estimate     cost.Estimate `json:"estimate"`
	Continued    bool          `json:"continued"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	LatencyMs    int64         `json:"latency_ms"`
}

type Client struct {
	registry  *registry.Registry
	guardian  *cost.Guardian
	timeouts  *timeout.Controller
	transport provider.Provider
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
	archive   *worker.ArchiveQueue // optional
	stats     perfStats
}

func New(reg *registry.Registry, guardian *cost.Guardian, timeouts *timeout.Controller, transport provider.Provider, tracer trace.Tracer) *Client {
	settings := gobreaker.Settings{
		Name:        transport.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		registry:  reg,
		guardian:  guardian,
		timeouts:  timeouts,
		transport: transport,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		tracer:    tracer,
	}
}

// SetArchive attaches the optional durable usage sink.
func (c *Client) SetArchive(q *worker.ArchiveQueue) {
	c.archive = q
}

// Chat runs one governed completion call end to end:
//
//  1. resolve capabilities (fallback for unknown models)
//  2. plan the token budget, truncating input if required
//  3. preflight the spend ceilings; no network call if rejected
//  4. stream the call with per-phase stall timers, retrying per policy
//  5. continue past the output cap when structurally possible
//  6. record usage and performance counters regardless of outcome
func (c *Client) Chat(ctx context.Context, messages []provider.Message, model string, opts Options) (*Outcome, error) {
	if len(messages) == 0 {
		cerr := coreErr(CodeInvalidArgument, "message list is empty", nil)
		c.stats.fail(cerr.Code, 0)
		return nil, cerr
	}
	if opts.UserID == "" {
		opts.UserID = "anonymous"
	}
	if opts.RequestID == "" {
		opts.RequestID = uuid.New().String()
	}

	ctx, span := c.tracer.Start(ctx, "client.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", opts.UserID),
		attribute.String("request_id", opts.RequestID),
		attribute.String("model", model),
	)

	start := time.Now()
	caps, _ := c.registry.Lookup(model)

	plan := budget.Compute(messages, opts.RequestedMaxTokens, caps)
	if plan.NeedsTruncation {
		messages = truncateOldest(messages, opts.RequestedMaxTokens, caps)
		plan = budget.Compute(messages, opts.RequestedMaxTokens, caps)
		if plan.NeedsTruncation {
			// Nothing droppable remains; the upstream would reject an
			// over-window request anyway.
			cerr := coreErr(CodeInvalidArgument, "the conversation does not fit the model's context window", nil)
			c.stats.fail(cerr.Code, time.Since(start).Milliseconds())
			return nil, cerr
		}
	}

	pf, err := c.guardian.Preflight(opts.UserID, caps, plan.InputTokens, plan.MaxTokens)
	if err != nil {
		cerr := classify(err)
		c.stats.fail(cerr.Code, time.Since(start).Milliseconds())
		return nil, cerr
	}
	if !pf.Allowed {
		cerr := coreErr(CodeBudgetExceeded, fmt.Sprintf("spend ceiling %q would be exceeded", pf.Reason), nil)
		c.stats.fail(cerr.Code, time.Since(start).Milliseconds())
		return nil, cerr
	}

	res, cerr := c.run(ctx, messages, model, plan, opts)
	latency := time.Since(start).Milliseconds()

	// Usage is recorded whatever happened: cancelled and failed calls
	// still consumed whatever they consumed.
	est, _ := cost.EstimateCost(caps, res.usage.InputTokens, res.usage.OutputTokens, res.usage.ReasoningTokens)
	rec := c.guardian.Record(opts.RequestID, opts.UserID, est, cerr == nil)
	if c.archive != nil {
		c.archive.Enqueue(&rec)
	}

	if cerr != nil {
		c.stats.fail(cerr.Code, latency)
		return nil, cerr
	}

	c.stats.success(latency, res.continued)
	return &Outcome{
		Text:         res.text,
		Estimate:     est,
		Continued:    res.continued,
		Model:        model,
		FinishReason: res.finish,
		LatencyMs:    latency,
	}, nil
}

type runResult struct {
	text      string
	usage     provider.Usage
	finish    string
	continued bool
}

func (c *Client) run(ctx context.Context, messages []provider.Message, model string, plan budget.Plan, opts Options) (runResult, *CoreError) {
	req := &provider.Request{
		Model:     model,
		Messages:  messages,
		MaxTokens: plan.MaxTokens,
		Stream:    true,
		UserID:    opts.UserID,
		RequestID: opts.RequestID,
	}

	var out runResult
	var total strings.Builder
	phase := timeout.PhaseInitial
	retryCount := 0
	continuations := 0
	var stallTimeout time.Duration // next attempt's stall budget; 0 means the phase base
	emitted := 0                   // delta bytes already pushed to OnDelta for this segment

	for {
		res, cerr := c.attempt(ctx, req, attemptConfig{
			phase:        phase,
			callID:       opts.RequestID,
			retryCount:   retryCount,
			stallTimeout: stallTimeout,
			skipBytes:    emitted,
			onDelta:      opts.OnDelta,
		})
		c.accountAttempt(&out.usage, res, plan)
		if len(res.text) > emitted {
			emitted = len(res.text)
		}

		if cerr == nil && !res.stalled {
			total.WriteString(res.text)
			out.text = total.String()
			out.finish = res.finish

			if res.finish == "length" && plan.CanContinue && continuations < maxContinuations {
				continuations++
				out.continued = true
				phase = timeout.PhaseContinuation
				req = &provider.Request{
					Model:     model,
					Messages:  continuationMessages(messages, out.text),
					MaxTokens: plan.MaxTokens,
					Stream:    true,
					UserID:    opts.UserID,
					RequestID: opts.RequestID,
				}
				retryCount = 0
				stallTimeout = 0
				emitted = 0
				continue
			}
			return out, nil
		}

		out.text = total.String()

		if res.stalled {
			decision := c.timeouts.Analyze(timeout.Context{
				Model:         model,
				Phase:         res.phase,
				LastChunkTime: res.lastChunk,
				RetryCount:    retryCount,
			})
			if decision.ShouldRetry {
				retryCount++
				stallTimeout = decision.NextTimeout
				c.stats.retry()
				continue
			}
			return out, coreErr(CodeTimeout, decision.UserMessage, nil)
		}

		if retryable(cerr.Code) && retryCount < c.timeouts.MaxRetries(model) {
			retryCount++
			c.stats.retry()
			if !c.backoffSleep(ctx, cerr.Code, retryCount) {
				return out, coreErr(CodeTimeout, "the request was cancelled while waiting to retry", ctx.Err())
			}
			continue
		}
		return out, cerr
	}
}

type attemptConfig struct {
	phase        timeout.Phase
	callID       string
	retryCount   int
	stallTimeout time.Duration // 0 means the phase base
	skipBytes    int           // delta bytes already delivered on a prior attempt
	onDelta      func(string)
}

type attemptResult struct {
	text      string
	usage     *provider.Usage
	finish    string
	stalled   bool
	phase     timeout.Phase
	lastChunk time.Time
}

// attempt issues one transport call and consumes its stream. A stall timer
// races the chunk wait; whichever resolves first wins and the loser is
// cancelled.
func (c *Client) attempt(ctx context.Context, req *provider.Request, ac attemptConfig) (*attemptResult, *CoreError) {
	attemptCtx, cancelIO := context.WithCancel(ctx)
	defer cancelIO()

	phase := ac.phase

	// Every arming gets a fresh channel. A timer that loses the race to a
	// chunk writes into a channel nobody reads anymore, so a stale fire can
	// never mark the live stream as stalled.
	var stall chan struct{}
	var cancelTimer func()
	arm := func(lastChunk time.Time) {
		fired := make(chan struct{}, 1)
		stall = fired
		cancelTimer = c.timeouts.StartTimerFor(ac.callID, timeout.Context{
			Model:         req.Model,
			Phase:         phase,
			LastChunkTime: lastChunk,
			RetryCount:    ac.retryCount,
		}, ac.stallTimeout, func() { fired <- struct{}{} })
	}
	arm(time.Time{})
	defer func() { cancelTimer() }()

	res := &attemptResult{phase: phase}

	opened, err := c.breaker.Execute(func() (interface{}, error) {
		return c.transport.CompleteStream(attemptCtx, req)
	})
	if err != nil {
		return res, classify(err)
	}
	ch := opened.(<-chan *provider.Chunk)

	var sb strings.Builder
	recv := 0
	for {
		select {
		case <-ctx.Done():
			res.text = sb.String()
			return res, classify(ctx.Err())

		case <-stall:
			// The expired attempt's I/O must not produce a late
			// completion; cut it off before returning.
			cancelIO()
			res.text = sb.String()
			res.stalled = true
			res.phase = phase
			return res, nil

		case chunk, ok := <-ch:
			cancelTimer()
			if !ok {
				res.text = sb.String()
				return res, nil
			}
			if chunk.Err != nil {
				// Feed the breaker so consecutive stream failures trip it.
				_, _ = c.breaker.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
				res.text = sb.String()
				return res, classify(chunk.Err)
			}
			if chunk.Usage != nil {
				res.usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				res.finish = chunk.FinishReason
			}
			if chunk.Done {
				res.text = sb.String()
				return res, nil
			}
			if chunk.Delta != "" {
				sb.WriteString(chunk.Delta)
				if ac.onDelta != nil {
					if tail := deltaTail(chunk.Delta, recv, ac.skipBytes); tail != "" {
						ac.onDelta(tail)
					}
				}
				recv += len(chunk.Delta)
			}

			// A chunk arrived: the connection is live. Transition out of
			// the initial phase and restart the stall clock.
			if phase == timeout.PhaseInitial {
				phase = timeout.PhaseStreaming
			}
			res.lastChunk = time.Now()
			arm(res.lastChunk)
		}
	}
}

// deltaTail trims the prefix of a delta that an earlier attempt of the same
// segment already delivered, so retries do not replay text to the caller.
func deltaTail(delta string, recv, skip int) string {
	if recv >= skip {
		return delta
	}
	if recv+len(delta) <= skip {
		return ""
	}
	return delta[skip-recv:]
}

// accountAttempt folds one attempt's consumption into the running total,
// falling back to planner estimates when the upstream reported no usage.
func (c *Client) accountAttempt(total *provider.Usage, res *attemptResult, plan budget.Plan) {
	if res == nil {
		return
	}
	if res.usage != nil {
		total.InputTokens += res.usage.InputTokens
		total.OutputTokens += res.usage.OutputTokens
		total.ReasoningTokens += res.usage.ReasoningTokens
		return
	}
	if res.text == "" {
		return
	}
	total.InputTokens += plan.InputTokens
	total.OutputTokens += budget.EstimateTokens([]provider.Message{{Content: res.text}})
}

func (c *Client) backoffSleep(ctx context.Context, code ErrorCode, attempt int) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if code == CodeRateLimit {
		// Rate limits back off harder than transient network errors.
		b.InitialInterval = 5 * time.Second
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// truncateOldest drops the oldest non-system messages until the plan fits.
// System messages and the latest message are never dropped. This is the
// caller-visible truncation policy applied when the planner reports
// NeedsTruncation.
func truncateOldest(messages []provider.Message, requestedMax int, caps registry.ModelCapabilities) []provider.Message {
	msgs := messages
	for len(msgs) > 1 {
		if !budget.Compute(msgs, requestedMax, caps).NeedsTruncation {
			break
		}
		dropped := false
		out := make([]provider.Message, 0, len(msgs))
		for i, m := range msgs {
			if !dropped && m.Role != "system" && i < len(msgs)-1 {
				dropped = true
				continue
			}
			out = append(out, m)
		}
		if !dropped {
			break
		}
		msgs = out
	}
	return msgs
}

func continuationMessages(base []provider.Message, partial string) []provider.Message {
	msgs := make([]provider.Message, len(base), len(base)+2)
	copy(msgs, base)
	msgs = append(msgs, provider.Message{Role: "assistant", Content: partial})
	msgs = append(msgs, provider.Message{Role: "user", Content: "Continue exactly where you left off."})
	return msgs
}
