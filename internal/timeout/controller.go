// Package timeout assigns phase-specific timeouts to streaming completion
// calls and decides whether a stall is worth retrying. Decisions are pure
// functions of the configuration and the call's retry count; history is
// read-side reporting only.
package timeout

import (
	"fmt"
	"sync"
	"time"
)

// Phase of a streaming completion call. Transitions are driven by the
// completion client: initial -> streaming -> continuation.
type Phase string

const (
	PhaseInitial      Phase = "initial"
	PhaseStreaming    Phase = "streaming"
	PhaseContinuation Phase = "continuation"
)

// Config holds the per-phase base timeouts and retry tuning. The streaming
// timeout bounds the gap between chunks, not total call duration.
type Config struct {
	Initial       time.Duration
	Streaming     time.Duration
	Continuation  time.Duration
	MaxRetries    int
	BackoffFactor float64
	MaxTimeout    time.Duration
}

// DefaultConfig is tuned for deepseek-chat and serves as the fallback for
// unknown models.
func DefaultConfig() Config {
	return Config{
		Initial:       10 * time.Second,
		Streaming:     60 * time.Second,
		Continuation:  30 * time.Second,
		MaxRetries:    3,
		BackoffFactor: 1.5,
		MaxTimeout:    5 * time.Minute,
	}
}

// Context describes one in-flight call for timeout decisions.
type Context struct {
	Model         string
	Phase         Phase
	LastChunkTime time.Time
	RetryCount    int
}

// Decision is the outcome of analyzing a stall.
type Decision struct {
	ShouldRetry  bool
	NextTimeout  time.Duration
	ErrorMessage string
	UserMessage  string
}

type Controller struct {
	cfg    Config
	models map[string]Config // per-model overrides

	mu        sync.Mutex
	histories map[string]*history
	timers    map[string]*progressiveTimer
}

func NewController(cfg Config) *Controller {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1.5
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	return &Controller{
		cfg:       cfg,
		models:    make(map[string]Config),
		histories: make(map[string]*history),
		timers:    make(map[string]*progressiveTimer),
	}
}

// SetModelConfig installs a per-model override.
func (c *Controller) SetModelConfig(model string, cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model] = cfg
}

func (c *Controller) configFor(model string) Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.models[model]; ok {
		return cfg
	}
	return c.cfg
}

// TimeoutFor returns the base timeout for a model and phase. Unknown models
// get the default configuration.
func (c *Controller) TimeoutFor(model string, phase Phase) time.Duration {
	cfg := c.configFor(model)
	switch phase {
	case PhaseStreaming:
		return cfg.Streaming
	case PhaseContinuation:
		return cfg.Continuation
	default:
		return cfg.Initial
	}
}

// MaxRetries returns the retry ceiling in effect for a model.
func (c *Controller) MaxRetries(model string) int {
	return c.configFor(model).MaxRetries
}

// Analyze decides whether a stalled call should be retried and with what
// timeout. The next timeout grows by the backoff factor per retry, capped
// at MaxTimeout. The stall is recorded in the model's history, which never
// feeds back into this decision.
func (c *Controller) Analyze(tc Context) Decision {
	cfg := c.configFor(tc.Model)
	c.recordTimeout(tc.Model)

	base := c.TimeoutFor(tc.Model, tc.Phase)
	next := base
	for i := 0; i <= tc.RetryCount; i++ {
		next = time.Duration(float64(next) * cfg.BackoffFactor)
		if next >= cfg.MaxTimeout {
			next = cfg.MaxTimeout
			break
		}
	}

	d := Decision{
		ShouldRetry:  tc.RetryCount < cfg.MaxRetries,
		NextTimeout:  next,
		ErrorMessage: fmt.Sprintf("%s phase stalled for %s (retry %d/%d)", tc.Phase, base, tc.RetryCount, cfg.MaxRetries),
	}
	if d.ShouldRetry {
		d.UserMessage = "The model is taking longer than usual. Retrying..."
	} else {
		d.UserMessage = "The model did not respond in time. Please try again."
	}
	return d
}

// StartTimer arms a single timer for the call's current phase and returns a
// cancel func. Once cancel returns, the callback is guaranteed not to fire.
// Re-arming under the same callID cancels the previous timer.
func (c *Controller) StartTimer(callID string, tc Context, onTimeout func()) func() {
	return c.StartTimerFor(callID, tc, 0, onTimeout)
}

// StartTimerFor arms a timer with an explicit duration; d <= 0 falls back
// to the phase base. Retried attempts pass the duration Analyze suggested
// so the backoff actually reaches the wire.
func (c *Controller) StartTimerFor(callID string, tc Context, d time.Duration, onTimeout func()) func() {
	if d <= 0 {
		d = c.TimeoutFor(tc.Model, tc.Phase)
	}

	t := &progressiveTimer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()

		c.dropTimer(callID, t)
		onTimeout()
	})

	c.mu.Lock()
	if prev, ok := c.timers[callID]; ok {
		prev.cancel()
	}
	c.timers[callID] = t
	c.mu.Unlock()

	return func() {
		t.cancel()
		c.dropTimer(callID, t)
	}
}

// Cleanup cancels all outstanding timers and clears history. Idempotent.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	timers := c.timers
	c.timers = make(map[string]*progressiveTimer)
	c.histories = make(map[string]*history)
	c.mu.Unlock()

	for _, t := range timers {
		t.cancel()
	}
}

func (c *Controller) dropTimer(callID string, t *progressiveTimer) {
	c.mu.Lock()
	if cur, ok := c.timers[callID]; ok && cur == t {
		delete(c.timers, callID)
	}
	c.mu.Unlock()
}

type progressiveTimer struct {
	mu        sync.Mutex
	timer     *time.Timer
	fired     bool
	cancelled bool
}

func (t *progressiveTimer) cancel() {
	t.mu.Lock()
	if t.fired || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()
	t.timer.Stop()
}
