package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/kbsync/internal/otel"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/source"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/targets"
	"github.com/stacklok/kbsync/internal/telemetry"
)

const (
	// DefaultEndpointPrefix prefixes target IDs to form orchestrator endpoint keys
	DefaultEndpointPrefix = "dify"
	// DefaultShutdownGrace is how long an in-flight document may run after cancellation
	DefaultShutdownGrace = 30 * time.Second
)

// EndpointKey returns the orchestrator key of a target
func EndpointKey(prefix, targetID string) string {
	return prefix + ":" + targetID
}

// TargetSelector chooses the targets of a document and absorbs call outcomes
type TargetSelector interface {
	Select(ctx context.Context) ([]targets.Target, error)
	ReportSuccess(id string)
	ReportFailure(id string, err error)
}

// Manager reconciles documents with the remote targets. Documents are
// processed one at a time; each backend call goes through the orchestrator.
type Manager struct {
	backend      Backend
	selector     TargetSelector
	store        state.Store
	orchestrator *retry.Orchestrator

	commitPolicy   CommitPolicy
	endpointPrefix string
	runTimeout     time.Duration
	shutdownGrace  time.Duration
	newRunID       func() string
	now            func() time.Time

	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer

	mu    gosync.Mutex
	stats Stats
}

// Stats are lifetime counters of a Manager
type Stats struct {
	Runs           int            `json:"runs"`
	Documents      int            `json:"documents"`
	Created        int            `json:"created"`
	Updated        int            `json:"updated"`
	Skipped        int            `json:"skipped"`
	Failed         int            `json:"failed"`
	CommitFailures int            `json:"commit_failures"`
	TargetFailures map[string]int `json:"target_failures,omitempty"`
}

// Option configures a Manager
type Option func(*Manager)

// WithCommitPolicy sets when multi-target results are committed
func WithCommitPolicy(p CommitPolicy) Option {
	return func(m *Manager) {
		if p != "" {
			m.commitPolicy = p
		}
	}
}

// WithEndpointPrefix sets the prefix of orchestrator endpoint keys
func WithEndpointPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.endpointPrefix = prefix
		}
	}
}

// WithRunTimeout bounds the wall-clock time of a run. Zero means no limit.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.runTimeout = d
	}
}

// WithShutdownGrace sets how long the in-flight document may continue after cancellation
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.shutdownGrace = d
		}
	}
}

// WithRunIDGenerator overrides the run ID source
func WithRunIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newRunID = fn
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSyncMetrics sets the sync metrics
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer used for run, document and target spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// NewManager creates a Manager
func NewManager(
	backend Backend,
	selector TargetSelector,
	store state.Store,
	orchestrator *retry.Orchestrator,
	opts ...Option,
) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if selector == nil {
		return nil, fmt.Errorf("target selector is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("retry orchestrator is required")
	}

	m := &Manager{
		backend:        backend,
		selector:       selector,
		store:          store,
		orchestrator:   orchestrator,
		commitPolicy:   CommitAny,
		endpointPrefix: DefaultEndpointPrefix,
		shutdownGrace:  DefaultShutdownGrace,
		newRunID:       uuid.NewString,
		now:            time.Now,
		stats:          Stats{TargetFailures: make(map[string]int)},
	}
	for _, opt := range opts {
		opt(m)
	}

	switch m.commitPolicy {
	case CommitAny, CommitAll:
	default:
		return nil, fmt.Errorf("unknown commit policy %q (valid: any, all)", m.commitPolicy)
	}

	return m, nil
}

// SyncDocument brings every selected target up to date with doc and reports
// whether the document was committed as synced.
func (m *Manager) SyncDocument(ctx context.Context, doc source.Document) bool {
	res, err := m.Sync(ctx, doc)
	if err != nil {
		slog.Error("Document sync failed", "url", doc.URL, "error", err)
		return false
	}
	return res.Committed
}

// Sync is SyncDocument with the full per-target result. It returns an error
// only when no target could be selected (a *targets.NoTargetsError, no
// remote call made) or the state store could not record a success.
func (m *Manager) Sync(ctx context.Context, doc source.Document) (*DocumentResult, error) {
	ctx, span := otel.Start(ctx, m.tracer, otel.SpanDocument, otel.AttrDocumentURL.String(doc.URL))
	defer span.End()

	fp := Fingerprint(doc.Content)
	res := &DocumentResult{
		URL:         doc.URL,
		Fingerprint: fp,
		Changed:     m.locallyChanged(doc.URL, fp),
	}

	selected, err := m.selector.Select(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	title, body := doc.Split()
	req := &DocumentRequest{
		Name:         title,
		Text:         body,
		URL:          doc.URL,
		Fingerprint:  fp,
		DocumentType: doc.DocumentType(),
		Metadata:     doc.Metadata,
	}

	for _, t := range selected {
		tr := m.syncTarget(ctx, t.ID, req)
		res.Targets = append(res.Targets, tr)
		m.metrics.RecordDocument(ctx, t.ID, string(tr.Outcome))
	}

	succeeded := res.Succeeded()
	commit := succeeded > 0
	if m.commitPolicy == CommitAll {
		commit = succeeded == len(selected)
	}

	otel.SetOutcome(span, string(res.Outcome()))
	m.recordDocument(res)

	if !commit {
		slog.Warn("Document not committed",
			"url", doc.URL,
			"succeeded", succeeded,
			"selected", len(selected),
			"commit_policy", string(m.commitPolicy))
		return res, nil
	}

	if err := m.store.Commit(doc.URL, fp); err != nil {
		m.mu.Lock()
		m.stats.CommitFailures++
		m.mu.Unlock()
		otel.RecordError(span, err)
		return res, fmt.Errorf("failed to commit state for %s: %w", doc.URL, err)
	}
	res.Committed = true

	slog.Debug("Document synced", "url", doc.URL, "outcome", string(res.Outcome()), "fingerprint", fp)
	return res, nil
}

// syncTarget runs find, then create, skip or update against one target
func (m *Manager) syncTarget(ctx context.Context, targetID string, req *DocumentRequest) TargetResult {
	ctx, span := otel.Start(ctx, m.tracer, otel.SpanTarget, otel.AttrTargetID.String(targetID))
	defer span.End()

	result := TargetResult{TargetID: targetID}
	fail := func(step string, err error) TargetResult {
		err = fmt.Errorf("failed to %s: %w", step, err)
		otel.RecordError(span, err)
		m.selector.ReportFailure(targetID, err)
		slog.Warn("Target sync failed", "target", targetID, "url", req.URL, "error", err)
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}

	key := EndpointKey(m.endpointPrefix, targetID)

	remote, err := retry.Execute(ctx, m.orchestrator, key, func(ctx context.Context) (*RemoteDocument, error) {
		return m.backend.FindByURL(ctx, targetID, req.URL)
	})
	if err != nil {
		return fail("find document", err)
	}

	if remote == nil {
		id, err := m.create(ctx, key, targetID, req)
		if err != nil {
			return fail("create document", err)
		}
		return m.succeed(span, targetID, OutcomeCreated, id)
	}

	existing := remote.Fingerprint
	if existing == "" {
		existing, err = retry.Execute(ctx, m.orchestrator, key, func(ctx context.Context) (string, error) {
			return m.backend.GetFingerprint(ctx, targetID, remote.ID)
		})
		switch {
		case errors.Is(err, ErrDocumentNotFound):
			id, err := m.create(ctx, key, targetID, req)
			if err != nil {
				return fail("create document", err)
			}
			return m.succeed(span, targetID, OutcomeCreated, id)
		case err != nil:
			// without the remote fingerprint the record is rewritten
			slog.Warn("Could not read remote fingerprint, updating", "target", targetID, "url", req.URL, "error", err)
			existing = ""
		}
	}

	if existing == req.Fingerprint {
		return m.succeed(span, targetID, OutcomeSkipped, remote.ID)
	}

	err = m.orchestrator.Do(ctx, key, func(ctx context.Context) error {
		return m.backend.Update(ctx, targetID, remote.ID, req)
	})
	if err == nil {
		return m.succeed(span, targetID, OutcomeUpdated, remote.ID)
	}
	if !errors.Is(err, ErrDocumentNotFound) {
		return fail("update document", err)
	}

	slog.Info("Remote record vanished during update, recreating", "target", targetID, "url", req.URL)
	err = m.orchestrator.Do(ctx, key, func(ctx context.Context) error {
		return m.backend.Delete(ctx, targetID, remote.ID)
	})
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return fail("delete document", err)
	}
	id, err := m.create(ctx, key, targetID, req)
	if err != nil {
		return fail("recreate document", err)
	}
	return m.succeed(span, targetID, OutcomeRecreated, id)
}

func (m *Manager) create(ctx context.Context, key, targetID string, req *DocumentRequest) (string, error) {
	return retry.Execute(ctx, m.orchestrator, key, func(ctx context.Context) (string, error) {
		return m.backend.Create(ctx, targetID, req)
	})
}

func (m *Manager) succeed(span trace.Span, targetID string, outcome Outcome, documentID string) TargetResult {
	m.selector.ReportSuccess(targetID)
	otel.SetOutcome(span, string(outcome))
	return TargetResult{TargetID: targetID, Outcome: outcome, DocumentID: documentID}
}

func (m *Manager) recordDocument(res *DocumentResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Documents++
	switch res.Outcome() {
	case OutcomeCreated:
		m.stats.Created++
	case OutcomeUpdated:
		m.stats.Updated++
	case OutcomeSkipped:
		m.stats.Skipped++
	default:
		m.stats.Failed++
	}
	for _, t := range res.Targets {
		if t.Outcome == OutcomeFailed {
			m.stats.TargetFailures[t.TargetID]++
		}
	}
}

// Stats returns a copy of the lifetime counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.TargetFailures = make(map[string]int, len(m.stats.TargetFailures))
	for k, v := range m.stats.TargetFailures {
		s.TargetFailures[k] = v
	}
	return s
}

// Run syncs every document of feed in order. One document's failure never
// aborts the run; a run with no available target stops before any remote
// write and returns the *targets.NoTargetsError. Cancelling ctx stops new
// documents from starting while the in-flight one is allowed to finish
// within the shutdown grace period.
func (m *Manager) Run(ctx context.Context, feed source.Feed) (*Summary, error) {
	if m.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.runTimeout)
		defer cancel()
	}

	summary := &Summary{
		RunID:          m.newRunID(),
		StartedAt:      m.now(),
		TargetFailures: make(map[string]int),
	}

	ctx, span := otel.Start(ctx, m.tracer, otel.SpanRun, otel.AttrRunID.String(summary.RunID))
	defer span.End()

	logger := slog.With("run_id", summary.RunID)
	before := m.orchestrator.Stats()

	runErr := m.runDocuments(ctx, feed, summary, logger)

	after := m.orchestrator.Stats()
	summary.Retries = after.RetriesPerformed - before.RetriesPerformed
	summary.CircuitBreakerTrips = (after.CircuitBreakerTrips + after.CircuitOpenRejections) -
		(before.CircuitBreakerTrips + before.CircuitOpenRejections)
	summary.FinishedAt = m.now()
	summary.DurationSeconds = summary.FinishedAt.Sub(summary.StartedAt).Seconds()
	if runErr != nil {
		summary.Error = runErr.Error()
		otel.RecordError(span, runErr)
	}

	m.mu.Lock()
	m.stats.Runs++
	m.mu.Unlock()

	span.SetAttributes(otel.AttrDocuments.Int(summary.Documents))
	m.metrics.RecordRunDuration(ctx, summary.FinishedAt.Sub(summary.StartedAt), summary.Success())

	logger.Info("Sync run finished",
		"documents", summary.Documents,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"retries", summary.Retries,
		"circuit_breaker_trips", summary.CircuitBreakerTrips)

	return summary, runErr
}

func (m *Manager) runDocuments(ctx context.Context, feed source.Feed, summary *Summary, logger *slog.Logger) error {
	docs, err := feed.Documents(ctx)
	if err != nil {
		summary.Aborted = AbortFeed
		return fmt.Errorf("failed to read document feed: %w", err)
	}
	summary.Documents = len(docs)
	logger.Info("Sync run started", "documents", len(docs), "commit_policy", string(m.commitPolicy))

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			summary.Pending = len(docs) - i
			summary.Aborted = AbortCancelled
			logger.Warn("Sync run interrupted", "pending", summary.Pending, "error", err)
			return err
		}

		docCtx, release := m.graceful(ctx)
		res, err := m.Sync(docCtx, doc)
		release()

		if err != nil {
			var nte *targets.NoTargetsError
			if errors.As(err, &nte) {
				summary.Pending = len(docs) - i
				summary.Aborted = string(nte.Reason)
				logger.Error("No target available, aborting run", "pending", summary.Pending, "error", err)
				return err
			}
			summary.CommitFailures++
		}
		summary.add(res)
	}
	return nil
}

// graceful returns a context that outlives ctx by the shutdown grace period
func (m *Manager) graceful(ctx context.Context) (context.Context, func()) {
	docCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(m.shutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-docCtx.Done():
		}
	})
	return docCtx, func() {
		stop()
		cancel()
	}
}
