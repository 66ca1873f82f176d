// Package targets tracks the health of the configured knowledge-base
// collections and selects which of them receive a document.
package targets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/kbsync/internal/telemetry"
)

//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks -source=registry.go Prober

const (
	// DefaultAvailabilityTTL is how long a successful probe is trusted
	DefaultAvailabilityTTL = 5 * time.Minute
	// DefaultMaxConsecutiveErrors forces a re-probe once this many errors were reported
	DefaultMaxConsecutiveErrors = 3
)

// Strategy selects which available targets receive a document
type Strategy string

const (
	// StrategyPrimary sends to the first available target in configuration order
	StrategyPrimary Strategy = "primary"
	// StrategyAll sends to every available target
	StrategyAll Strategy = "all"
	// StrategyRoundRobin rotates through the available targets
	StrategyRoundRobin Strategy = "round_robin"
)

// ParseStrategy validates a strategy name. The empty string means primary.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyPrimary:
		return StrategyPrimary, nil
	case StrategyAll:
		return StrategyAll, nil
	case StrategyRoundRobin, "roundrobin", "round-robin":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown target strategy %q (valid: primary, all, round_robin)", s)
	}
}

// Prober checks whether a target collection is reachable and usable
type Prober interface {
	Probe(ctx context.Context, targetID string) (bool, error)
}

// Definition is the static configuration of one target
type Definition struct {
	ID          string
	DisplayName string
	Disabled    bool
}

// Target is the live view of one target collection
type Target struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name"`
	Disabled          bool      `json:"disabled"`
	Available         bool      `json:"available"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastCheckedAt     time.Time `json:"last_checked_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Name returns the display name, or the ID when none is configured
func (t Target) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.ID
}

// Registry holds the targets, their availability cache and the selection strategy
type Registry struct {
	strategy  Strategy
	prober    Prober
	ttl       time.Duration
	maxErrors int
	now       func() time.Time
	metrics   *telemetry.TargetMetrics

	mu      sync.Mutex
	targets []*Target
	byID    map[string]*Target
	counter uint64

	probes singleflight.Group
}

// Option configures the registry
type Option func(*Registry)

// WithAvailabilityTTL sets how long a successful probe is trusted
func WithAvailabilityTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxConsecutiveErrors sets the error count that invalidates a cached probe
func WithMaxConsecutiveErrors(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxErrors = n
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMetrics sets the target metrics
func WithMetrics(metrics *telemetry.TargetMetrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates a registry preserving the order of defs
func NewRegistry(defs []Definition, strategy Strategy, prober Prober, opts ...Option) (*Registry, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober is required")
	}

	r := &Registry{
		strategy:  strategy,
		prober:    prober,
		ttl:       DefaultAvailabilityTTL,
		maxErrors: DefaultMaxConsecutiveErrors,
		now:       time.Now,
		byID:      make(map[string]*Target, len(defs)),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("target[%d]: id is required", i)
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, fmt.Errorf("target[%d]: duplicate id '%s'", i, def.ID)
		}
		t := &Target{ID: def.ID, DisplayName: def.DisplayName, Disabled: def.Disabled}
		r.targets = append(r.targets, t)
		r.byID[def.ID] = t
	}

	return r, nil
}

// Strategy returns the configured selection strategy
func (r *Registry) Strategy() Strategy {
	return r.strategy
}

// CheckAvailability reports whether target id can receive writes. A cached
// successful probe is reused within the TTL while the error count stays low;
// otherwise the target is probed. Concurrent probes of one target are collapsed.
func (r *Registry) CheckAvailability(ctx context.Context, id string) bool {
	r.mu.Lock()
	t, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if t.Disabled {
		r.mu.Unlock()
		return false
	}
	if r.cacheValidLocked(t) {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	v, _, _ := r.probes.Do(id, func() (any, error) {
		available, err := r.prober.Probe(ctx, id)

		r.mu.Lock()
		defer r.mu.Unlock()
		t.LastCheckedAt = r.now()
		t.Available = available && err == nil
		switch {
		case err != nil:
			t.ConsecutiveErrors++
			t.LastError = err.Error()
			slog.Warn("Target probe failed", "target", id, "error", err)
		case !available:
			t.ConsecutiveErrors++
			t.LastError = "target reported as not available"
			slog.Warn("Target is not available", "target", id)
		default:
			t.ConsecutiveErrors = 0
			t.LastError = ""
			slog.Debug("Target is available", "target", id)
		}
		return t.Available, nil
	})

	available, _ := v.(bool)
	return available
}

// cacheValidLocked reports whether the last probe of t can be trusted. Callers hold r.mu.
func (r *Registry) cacheValidLocked(t *Target) bool {
	if t.LastCheckedAt.IsZero() || !t.Available {
		return false
	}
	if t.ConsecutiveErrors >= r.maxErrors {
		return false
	}
	return r.now().Sub(t.LastCheckedAt) < r.ttl
}

// ListAvailable returns the IDs of available targets in configuration order
func (r *Registry) ListAvailable(ctx context.Context) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.targets))
	for _, t := range r.targets {
		ids = append(ids, t.ID)
	}
	r.mu.Unlock()

	available := make([]string, 0, len(ids))
	for _, id := range ids {
		if r.CheckAvailability(ctx, id) {
			available = append(available, id)
		}
	}
	return available
}

// Select applies the strategy to the currently available targets.
// It returns a *NoTargetsError when nothing is available.
func (r *Registry) Select(ctx context.Context) ([]Target, error) {
	available := r.ListAvailable(ctx)
	r.metrics.RecordAvailableTargets(ctx, string(r.strategy), int64(len(available)))

	if len(available) == 0 {
		return nil, r.diagnose()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var chosen []string
	switch r.strategy {
	case StrategyAll:
		chosen = available
	case StrategyRoundRobin:
		// the counter advances even with a single target; the choice is then invariant
		idx := r.counter % uint64(len(available))
		r.counter++
		chosen = available[idx : idx+1]
	default:
		chosen = available[:1]
	}

	selected := make([]Target, 0, len(chosen))
	for _, id := range chosen {
		selected = append(selected, *r.byID[id])
	}
	return selected, nil
}

// ReportSuccess resets the error count of a target after a confirmed remote call
func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[id]; ok {
		t.ConsecutiveErrors = 0
		t.LastError = ""
	}
}

// ReportFailure counts a failed remote call against a target. Once the count
// reaches the limit the cached probe is ignored and the target is re-probed.
func (r *Registry) ReportFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[id]; ok {
		t.ConsecutiveErrors++
		if err != nil {
			t.LastError = err.Error()
		}
	}
}

// Targets returns a snapshot of all targets in configuration order
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	return out
}

// diagnose builds the error returned when no target is available
func (r *Registry) diagnose() *NoTargetsError {
	targets := r.Targets()
	reason := ReasonNoneConfigured
	if len(targets) > 0 {
		reason = ReasonAllDisabled
		for _, t := range targets {
			if !t.Disabled {
				reason = ReasonAllUnreachable
				break
			}
		}
	}
	return &NoTargetsError{Reason: reason, Targets: targets}
}
