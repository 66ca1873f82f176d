// Package retry wraps remote calls with per-endpoint circuit breaking and
// adaptive exponential backoff.
//
// Every logical endpoint (for example "dify:<dataset-id>") owns one
// CircuitBreaker and one AdaptivePolicy. Endpoints are created lazily in a
// registry owned by the Orchestrator and live as long as it does.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/kbsync/internal/telemetry"
)

// Operation performs a single remote call attempt
type Operation func(ctx context.Context) error

// Orchestrator executes operations with retry and circuit breaking
type Orchestrator struct {
	cfg *Config

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	metrics *telemetry.RetryMetrics

	totalAttempts      atomic.Int64
	successfulAttempts atomic.Int64
	failedAttempts     atomic.Int64
	retriesPerformed   atomic.Int64
	circuitTrips       atomic.Int64
	circuitRejections  atomic.Int64
}

// endpoint is one entry of the orchestrator registry
type endpoint struct {
	mu      sync.Mutex
	breaker *CircuitBreaker
	policy  *AdaptivePolicy
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source used by breakers
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep overrides how backoff waits are performed
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithRand overrides the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *Orchestrator) {
		o.rand = fn
	}
}

// WithMetrics sets the retry metrics
func WithMetrics(metrics *telemetry.RetryMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// NewOrchestrator creates an orchestrator with an empty endpoint registry
func NewOrchestrator(cfg *Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}

	o := &Orchestrator{
		cfg:       cfg,
		endpoints: make(map[string]*endpoint),
		now:       time.Now,
		sleep:     sleepContext,
		//nolint:gosec // G404: Non-cryptographic randomness is sufficient for backoff jitter
		rand: rand.Float64,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endpointFor returns the registry entry for key, creating it on first use
func (o *Orchestrator) endpointFor(key string) *endpoint {
	o.mu.RLock()
	ep, ok := o.endpoints[key]
	o.mu.RUnlock()
	if ok {
		return ep
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if ep, ok = o.endpoints[key]; ok {
		return ep
	}
	ep = &endpoint{
		breaker: NewCircuitBreaker(
			o.cfg.GetFailureThreshold(),
			o.cfg.GetRecoveryTimeout(),
			o.cfg.GetHalfOpenMaxCalls(),
			o.now,
		),
		policy: NewAdaptivePolicy(o.cfg, o.rand),
	}
	o.endpoints[key] = ep
	return ep
}

// Do runs op under the retry and circuit breaker policy of endpointKey.
//
// A breaker rejection aborts immediately. If earlier attempts in the same call
// failed, their last error is returned; otherwise the error wraps ErrCircuitOpen.
// When attempts are exhausted the last error is returned wrapped, so errors.As
// and errors.Is still see the original.
func (o *Orchestrator) Do(ctx context.Context, endpointKey string, op Operation) error {
	ep := o.endpointFor(endpointKey)
	maxAttempts := o.cfg.GetMaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}

		ep.mu.Lock()
		allowed := ep.breaker.Allow()
		ep.mu.Unlock()

		o.totalAttempts.Add(1)
		if !allowed {
			o.failedAttempts.Add(1)
			o.circuitRejections.Add(1)
			o.metrics.RecordCircuitRejection(ctx, endpointKey)
			slog.Warn("Circuit breaker rejected call", "endpoint", endpointKey, "attempt", attempt)
			if lastErr != nil {
				return lastErr
			}
			return &ClassifiedError{Reason: ReasonCircuitOpen, Endpoint: endpointKey, Err: ErrCircuitOpen}
		}

		err := op(ctx)
		if err == nil {
			o.successfulAttempts.Add(1)
			ep.mu.Lock()
			ep.breaker.RecordSuccess()
			ep.policy.Record(true)
			ep.mu.Unlock()
			if attempt > 1 {
				slog.Info("Call succeeded after retry", "endpoint", endpointKey, "attempt", attempt)
			}
			return nil
		}

		o.failedAttempts.Add(1)
		lastErr = err
		reason := ReasonOf(err)
		if ctx.Err() != nil {
			ep.mu.Lock()
			ep.breaker.Release()
			ep.mu.Unlock()
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}

		rp := policyFor(reason)
		ep.mu.Lock()
		tripped := false
		if rp.countsAsFailure {
			tripped = ep.breaker.RecordFailure()
			ep.policy.Record(false)
		} else {
			ep.breaker.Release()
		}
		retry := ep.policy.ShouldRetry(attempt, reason) && attempt < maxAttempts
		delay := ep.policy.CalculateDelay(attempt-1, reason)
		ep.mu.Unlock()

		if tripped {
			o.circuitTrips.Add(1)
			o.metrics.RecordCircuitTrip(ctx, endpointKey)
			slog.Warn("Circuit breaker opened", "endpoint", endpointKey, "reason", string(reason))
		}

		if !retry {
			slog.Debug("Not retrying call",
				"endpoint", endpointKey,
				"attempt", attempt,
				"reason", string(reason),
				"error", err)
			break
		}

		delay = o.applyRetryAfter(err, delay)
		o.retriesPerformed.Add(1)
		o.metrics.RecordRetry(ctx, endpointKey, string(reason))
		slog.Info("Retrying call",
			"endpoint", endpointKey,
			"attempt", attempt,
			"reason", string(reason),
			"delay", delay,
			"error", err)

		if err := o.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}

	return fmt.Errorf("%s failed: %w", endpointKey, lastErr)
}

// applyRetryAfter stretches delay to a server supplied Retry-After hint, capped at MaxDelay
func (o *Orchestrator) applyRetryAfter(err error, delay time.Duration) time.Duration {
	var ra retryAfter
	if !errors.As(err, &ra) {
		return delay
	}
	hint := ra.RetryAfter()
	if hint <= delay {
		return delay
	}
	return min(hint, o.cfg.GetMaxDelay())
}

// Execute runs op through o and returns its result
func Execute[T any](ctx context.Context, o *Orchestrator, endpointKey string,
	op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := o.Do(ctx, endpointKey, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// Stats is a snapshot of orchestrator counters
type Stats struct {
	TotalAttempts         int64                    `json:"total_attempts"`
	SuccessfulAttempts    int64                    `json:"successful_attempts"`
	FailedAttempts        int64                    `json:"failed_attempts"`
	RetriesPerformed      int64                    `json:"retries_performed"`
	CircuitBreakerTrips   int64                    `json:"circuit_breaker_trips"`
	CircuitOpenRejections int64                    `json:"circuit_open_rejections"`
	Endpoints             map[string]EndpointStats `json:"endpoints,omitempty"`
}

// EndpointStats describes one endpoint's breaker and history
type EndpointStats struct {
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessRate  float64   `json:"success_rate"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Stats returns a snapshot of the counters and per-endpoint state
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		TotalAttempts:         o.totalAttempts.Load(),
		SuccessfulAttempts:    o.successfulAttempts.Load(),
		FailedAttempts:        o.failedAttempts.Load(),
		RetriesPerformed:      o.retriesPerformed.Load(),
		CircuitBreakerTrips:   o.circuitTrips.Load(),
		CircuitOpenRejections: o.circuitRejections.Load(),
		Endpoints:             make(map[string]EndpointStats),
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for key, ep := range o.endpoints {
		ep.mu.Lock()
		s.Endpoints[key] = EndpointStats{
			State:        ep.breaker.State().String(),
			FailureCount: ep.breaker.FailureCount(),
			SuccessRate:  ep.policy.SuccessRate(),
			LastFailure:  ep.breaker.LastFailure(),
		}
		ep.mu.Unlock()
	}
	return s
}

// State returns the breaker state for endpointKey (closed if unknown)
func (o *Orchestrator) State(endpointKey string) CircuitState {
	o.mu.RLock()
	ep, ok := o.endpoints[endpointKey]
	o.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.breaker.State()
}

// EndpointKeys returns the known endpoint keys in sorted order
func (o *Orchestrator) EndpointKeys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.endpoints))
	for k := range o.endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
