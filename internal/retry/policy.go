package retry

import (
	"math"
	"time"
)

// AdaptivePolicy decides whether to retry and how long to wait, using a rolling
// success rate computed over a fixed-size window of recent outcomes.
// It is not safe for concurrent use.
type AdaptivePolicy struct {
	cfg  *Config
	rand func() float64

	history []bool
	next    int
	filled  int
}

// NewAdaptivePolicy creates a policy with an empty history
func NewAdaptivePolicy(cfg *Config, randFn func() float64) *AdaptivePolicy {
	return &AdaptivePolicy{
		cfg:     cfg,
		rand:    randFn,
		history: make([]bool, cfg.GetWindowSize()),
	}
}

// Record appends an outcome, evicting the oldest once the window is full
func (p *AdaptivePolicy) Record(success bool) {
	p.history[p.next] = success
	p.next = (p.next + 1) % len(p.history)
	if p.filled < len(p.history) {
		p.filled++
	}
}

// SuccessRate returns the fraction of successes in the window, or 1.0 when empty
func (p *AdaptivePolicy) SuccessRate() float64 {
	if p.filled == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < p.filled; i++ {
		if p.history[i] {
			successes++
		}
	}
	return float64(successes) / float64(p.filled)
}

// ceiling returns the effective max attempts after the success-rate adjustment
func (p *AdaptivePolicy) ceiling() int {
	c := p.cfg.GetMaxAttempts()
	if p.SuccessRate() < p.cfg.GetSuccessRateThreshold() {
		c--
	}
	return max(1, c)
}

// ShouldRetry reports whether another attempt is allowed after attempt (1-based) failed with reason
func (p *AdaptivePolicy) ShouldRetry(attempt int, reason Reason) bool {
	rp := policyFor(reason)
	if !rp.retryable {
		return false
	}
	limit := max(1, p.ceiling()-rp.ceilingOffset)
	return attempt < limit
}

// CalculateDelay returns the wait before the next attempt. attempt is the zero-based retry index.
func (p *AdaptivePolicy) CalculateDelay(attempt int, reason Reason) time.Duration {
	base := float64(p.cfg.GetBaseDelay()) * policyFor(reason).delayMultiplier
	delay := base * math.Pow(p.cfg.GetExponentialBase(), float64(attempt))
	delay = math.Min(delay, float64(p.cfg.GetMaxDelay()))

	if p.cfg.JitterEnabled() && p.rand != nil {
		delay += delay * (0.1 + 0.2*p.rand())
	}

	return time.Duration(delay)
}
