// Package cost estimates request prices and enforces the three spend
// ceilings: per request, per user per rolling day, and site-wide per
// rolling hour. Counters live in memory; the optional archive store is a
// sink, never a source of truth.
package cost

import (
	"sync"
	"time"

	"github.com/vnmchuo/llm-governor/internal/registry"
)

// Limits are the configured spend ceilings in USD.
type Limits struct {
	MaxPerRequestUSD  float64
	MaxUserPerDayUSD  float64
	MaxSitePerHourUSD float64
}

// Names of the ceilings, used in preflight rejection reasons.
const (
	CeilingRequest  = "per-request"
	CeilingUserDay  = "per-user-per-day"
	CeilingSiteHour = "site-wide-per-hour"
)

// UsageRecord is one completed (or failed) request's accounting entry.
type UsageRecord struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Estimate  Estimate  `json:"estimate"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// spendCounter tracks spend within one rolling window. Reset is lazy: the
// window rolls over on the next read or write after it expires.
type spendCounter struct {
	spentUSD    float64
	windowStart time.Time
}

func (c *spendCounter) rollover(now time.Time, window time.Duration) {
	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= window {
		c.spentUSD = 0
		c.windowStart = now
	}
}

// PreflightResult reports whether a request may proceed and why not.
type PreflightResult struct {
	Allowed            bool     `json:"allowed"`
	Estimated          Estimate `json:"estimated"`
	WithinRequestLimit bool     `json:"within_request_limit"`
	Reason             string   `json:"reason,omitempty"`
}

// BudgetStatus is the read-side view of a user's spend.
type BudgetStatus struct {
	UserSpentTodayUSD    float64   `json:"user_spent_today_usd"`
	LastResetTime        time.Time `json:"last_reset_time"`
	SiteSpentThisHourUSD float64   `json:"site_spent_this_hour_usd"`
}

const (
	userWindow = 24 * time.Hour
	siteWindow = time.Hour
)

// Guardian holds the shared spend ledger. All mutation happens under mu;
// preflight reads take the same lock so concurrent checks for one user see
// a monotonically non-decreasing view.
type Guardian struct {
	limits Limits

	mu      sync.Mutex
	users   map[string]*spendCounter
	site    spendCounter
	records []UsageRecord

	now func() time.Time // injectable for window tests
}

func NewGuardian(limits Limits) *Guardian {
	return &Guardian{
		limits: limits,
		users:  make(map[string]*spendCounter),
		now:    time.Now,
	}
}

// Preflight prices the request and evaluates the three ceilings in order,
// short-circuiting on the first violation. No state is mutated.
func (g *Guardian) Preflight(userID string, caps registry.ModelCapabilities, inputTokens, outputTokens int) (PreflightResult, error) {
	reasoning := 0
	if caps.SupportsReasoning {
		// Reasoning output is budgeted pessimistically at the output size.
		reasoning = outputTokens
	}
	est, err := EstimateCost(caps, inputTokens, outputTokens, reasoning)
	if err != nil {
		return PreflightResult{}, err
	}

	res := PreflightResult{Estimated: est, WithinRequestLimit: est.TotalCost <= g.limits.MaxPerRequestUSD}

	if !res.WithinRequestLimit {
		res.Reason = CeilingRequest
		return res, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	user := g.userCounterLocked(userID)
	user.rollover(now, userWindow)
	if user.spentUSD+est.TotalCost > g.limits.MaxUserPerDayUSD {
		res.Reason = CeilingUserDay
		return res, nil
	}

	g.site.rollover(now, siteWindow)
	if g.site.spentUSD+est.TotalCost > g.limits.MaxSitePerHourUSD {
		res.Reason = CeilingSiteHour
		return res, nil
	}

	res.Allowed = true
	return res, nil
}

// Record appends a usage record and charges both counters. Failed requests
// are charged too: partial completions consumed tokens, and conservative
// accounting beats optimistic accounting here.
func (g *Guardian) Record(requestID, userID string, est Estimate, success bool) UsageRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	rec := UsageRecord{
		RequestID: requestID,
		UserID:    userID,
		Estimate:  est,
		Success:   success,
		Timestamp: now,
	}

	user := g.userCounterLocked(userID)
	user.rollover(now, userWindow)
	user.spentUSD += est.TotalCost

	g.site.rollover(now, siteWindow)
	g.site.spentUSD += est.TotalCost

	g.pruneLocked(now)
	g.records = append(g.records, rec)
	return rec
}

func (g *Guardian) Status(userID string) BudgetStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	user := g.userCounterLocked(userID)
	user.rollover(now, userWindow)
	g.site.rollover(now, siteWindow)

	return BudgetStatus{
		UserSpentTodayUSD:    user.spentUSD,
		LastResetTime:        user.windowStart,
		SiteSpentThisHourUSD: g.site.spentUSD,
	}
}

func (g *Guardian) UserSpentToday(userID string) float64 {
	return g.Status(userID).UserSpentTodayUSD
}

func (g *Guardian) SiteSpentThisHour() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.site.rollover(g.now(), siteWindow)
	return g.site.spentUSD
}

// Records returns a copy of the retained usage records.
func (g *Guardian) Records() []UsageRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]UsageRecord, len(g.records))
	copy(out, g.records)
	return out
}

func (g *Guardian) userCounterLocked(userID string) *spendCounter {
	c, ok := g.users[userID]
	if !ok {
		c = &spendCounter{}
		g.users[userID] = c
	}
	return c
}

// pruneLocked drops records older than the longest window they serve.
func (g *Guardian) pruneLocked(now time.Time) {
	cutoff := now.Add(-userWindow)
	i := 0
	for ; i < len(g.records); i++ {
		if g.records[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		g.records = append(g.records[:0:0], g.records[i:]...)
	}
}
