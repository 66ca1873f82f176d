package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/stacklok/kbsync/internal/retry"
)

// Fingerprint returns the hex SHA-256 of content. Any byte difference changes it.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// locallyChanged compares fp with the last committed fingerprint of url.
// The remote record stays the source of truth; this only feeds the
// "changed" statistic.
func (m *Manager) locallyChanged(url, fp string) bool {
	prev, ok := m.store.Get(url)
	return !ok || prev != fp
}

// RetryingProber probes targets through the orchestrator so that probes
// share the breaker and backoff of the endpoint they check
type RetryingProber struct {
	backend      Backend
	orchestrator *retry.Orchestrator
	prefix       string
}

// NewRetryingProber wraps backend probes with the orchestrator
func NewRetryingProber(backend Backend, orchestrator *retry.Orchestrator, prefix string) *RetryingProber {
	if prefix == "" {
		prefix = DefaultEndpointPrefix
	}
	return &RetryingProber{backend: backend, orchestrator: orchestrator, prefix: prefix}
}

// Probe implements targets.Prober
func (p *RetryingProber) Probe(ctx context.Context, targetID string) (bool, error) {
	return retry.Execute(ctx, p.orchestrator, EndpointKey(p.prefix, targetID),
		func(ctx context.Context) (bool, error) {
			return p.backend.Probe(ctx, targetID)
		})
}
