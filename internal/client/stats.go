package client

import "sync"

// PerformanceStats aggregates counters across all chat calls.
type PerformanceStats struct {
	TotalRequests  int64               `json:"total_requests"`
	Successes      int64               `json:"successes"`
	Failures       int64               `json:"failures"`
	Retries        int64               `json:"retries"`
	Continuations  int64               `json:"continuations"`
	TotalLatencyMs int64               `json:"total_latency_ms"`
	AvgLatencyMs   int64               `json:"avg_latency_ms"`
	ErrorCounts    map[ErrorCode]int64 `json:"error_counts"`
}

type perfStats struct {
	mu sync.Mutex
	s  PerformanceStats
}

func (p *perfStats) success(latencyMs int64, continued bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.TotalRequests++
	p.s.Successes++
	if continued {
		p.s.Continuations++
	}
	p.s.TotalLatencyMs += latencyMs
}

func (p *perfStats) fail(code ErrorCode, latencyMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.TotalRequests++
	p.s.Failures++
	p.s.TotalLatencyMs += latencyMs
	if p.s.ErrorCounts == nil {
		p.s.ErrorCounts = make(map[ErrorCode]int64)
	}
	p.s.ErrorCounts[code]++
}

func (p *perfStats) retry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.Retries++
}

// GetPerformanceStats returns a copy of the aggregate counters.
func (c *Client) GetPerformanceStats() PerformanceStats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	out := c.stats.s
	out.ErrorCounts = make(map[ErrorCode]int64, len(c.stats.s.ErrorCounts))
	for k, v := range c.stats.s.ErrorCounts {
		out.ErrorCounts[k] = v
	}
	if out.TotalRequests > 0 {
		out.AvgLatencyMs = out.TotalLatencyMs / out.TotalRequests
	}
	return out
}
