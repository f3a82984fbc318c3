package timeout

import "time"

// recentWindow bounds what "recent" means in stats and recommendations.
const recentWindow = time.Hour

type history struct {
	total  int
	events []time.Time
}

func (h *history) prune(now time.Time) {
	cutoff := now.Add(-recentWindow)
	i := 0
	for ; i < len(h.events); i++ {
		if h.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		h.events = append(h.events[:0:0], h.events[i:]...)
	}
}

// Stats summarizes a model's timeout history.
type Stats struct {
	Model       string    `json:"model"`
	Total       int       `json:"total"`
	Recent      int       `json:"recent"`
	LastTimeout time.Time `json:"last_timeout"`
}

func (c *Controller) recordTimeout(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histories[model]
	if !ok {
		h = &history{}
		c.histories[model] = h
	}
	now := time.Now()
	h.prune(now)
	h.total++
	h.events = append(h.events, now)
}

// GetStats reports timeout counts for a model. Read-only.
func (c *Controller) GetStats(model string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Model: model}
	h, ok := c.histories[model]
	if !ok {
		return s
	}
	h.prune(time.Now())
	s.Total = h.total
	s.Recent = len(h.events)
	if len(h.events) > 0 {
		s.LastTimeout = h.events[len(h.events)-1]
	}
	return s
}

// RecommendedConfig suggests tuning based on recent history: models that
// stall often get a longer streaming timeout suggested. Purely advisory;
// TimeoutFor and Analyze never consult it.
func (c *Controller) RecommendedConfig(model string) Config {
	cfg := c.configFor(model)
	stats := c.GetStats(model)
	if stats.Recent >= 5 {
		cfg.Streaming = time.Duration(float64(cfg.Streaming) * 1.5)
		if cfg.Streaming > cfg.MaxTimeout {
			cfg.Streaming = cfg.MaxTimeout
		}
	}
	return cfg
}
