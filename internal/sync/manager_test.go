package sync_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/source"
	"github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/mocks"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/targets"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newOrchestrator() *retry.Orchestrator {
	return retry.NewOrchestrator(&retry.Config{MaxAttempts: 1}, retry.WithSleep(noSleep))
}

func newStore(t *testing.T) *state.FileStore {
	t.Helper()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	store.Load()
	return store
}

type harness struct {
	manager  *sync.Manager
	store    *state.FileStore
	registry *targets.Registry
}

func newHarness(
	t *testing.T, backend sync.Backend, strategy targets.Strategy, ids []string, opts ...sync.Option,
) *harness {
	t.Helper()

	defs := make([]targets.Definition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, targets.Definition{ID: id})
	}
	orch := newOrchestrator()
	registry, err := targets.NewRegistry(defs, strategy, sync.NewRetryingProber(backend, orch, ""))
	require.NoError(t, err)

	store := newStore(t)
	m, err := sync.NewManager(backend, registry, store, orch, opts...)
	require.NoError(t, err)
	return &harness{manager: m, store: store, registry: registry}
}

func doc(url, content string) source.Document {
	return source.Document{URL: url, Content: content, Metadata: map[string]string{"document_type": "guide"}}
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	registry, err := targets.NewRegistry(nil, targets.StrategyPrimary, backend)
	require.NoError(t, err)
	store := newStore(t)
	orch := newOrchestrator()

	_, err = sync.NewManager(nil, registry, store, orch)
	require.Error(t, err)
	_, err = sync.NewManager(backend, nil, store, orch)
	require.Error(t, err)
	_, err = sync.NewManager(backend, registry, nil, orch)
	require.Error(t, err)
	_, err = sync.NewManager(backend, registry, store, nil)
	require.Error(t, err)
	_, err = sync.NewManager(backend, registry, store, orch, sync.WithCommitPolicy("most"))
	require.ErrorContains(t, err, "unknown commit policy")
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := sync.Fingerprint("TITLE:A\nCONTENT:body")
	assert.Len(t, base, 64)
	assert.Equal(t, base, sync.Fingerprint("TITLE:A\nCONTENT:body"))

	for _, variant := range []string{
		"TITLE:A\nCONTENT:body ",
		"TITLE:A\nCONTENT:Body",
		"TITLE:A\r\nCONTENT:body",
		"",
	} {
		assert.NotEqual(t, base, sync.Fingerprint(variant), "variant %q", variant)
	}
}

func TestManager_Idempotence(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
	ctx := context.Background()
	d := doc("https://x/1", "TITLE:Install\nCONTENT:steps")

	first, err := h.manager.Sync(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeCreated, first.Outcome())
	assert.True(t, first.Committed)
	assert.True(t, first.Changed)

	second, err := h.manager.Sync(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeSkipped, second.Outcome())
	assert.True(t, second.Committed)
	assert.False(t, second.Changed)

	assert.Equal(t, 1, backend.count("Create"))
	assert.Equal(t, 0, backend.count("Update"))
	assert.Equal(t, 1, backend.recordCount("kb1"))

	fp, ok := h.store.Get("https://x/1")
	require.True(t, ok)
	assert.Equal(t, sync.Fingerprint(d.Content), fp)

	stats := h.manager.Stats()
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Skipped)
}

func TestManager_CreateRequestFields(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})

	_, err := h.manager.Sync(context.Background(), doc("https://x/1", "TITLE:Install\nCONTENT:steps"))
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, r := range backend.records["kb1"] {
		assert.Equal(t, "Install", r.name)
		assert.Equal(t, "steps", r.text)
		assert.Equal(t, "https://x/1", r.url)
	}
}

func TestManager_CrashBetweenRemoteWriteAndCommit(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	ctx := context.Background()

	// first process: remote write succeeded, then the state was lost
	first := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
	require.True(t, first.manager.SyncDocument(ctx, doc("https://x/1", "v1")))

	// restarted process with empty state: same content is skipped, not duplicated
	second := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
	res, err := second.manager.Sync(ctx, doc("https://x/1", "v1"))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome())
	assert.True(t, res.Changed, "the local state had no entry")

	// changed content after a lost commit is an update
	third := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
	res, err = third.manager.Sync(ctx, doc("https://x/1", "v2"))
	require.NoError(t, err)
	assert.Equal(t, sync.OutcomeUpdated, res.Outcome())

	assert.Equal(t, 1, backend.recordCount("kb1"), "no duplicate remote records")
	assert.Equal(t, 1, backend.count("Create"))
}

func TestManager_ZeroTargetsMakesNoRemoteCalls(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(false, errors.New("connection refused")).AnyTimes()
	// any other call fails the test

	h := newHarness(t, backend, targets.StrategyAll, []string{"kb1", "kb2"})

	assert.False(t, h.manager.SyncDocument(context.Background(), doc("https://x/1", "c")))

	_, err := h.manager.Sync(context.Background(), doc("https://x/1", "c"))
	require.ErrorIs(t, err, targets.ErrNoTargets)
	_, ok := h.store.Get("https://x/1")
	assert.False(t, ok)
}

func TestManager_AllStrategyPartialFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		policy        sync.CommitPolicy
		wantCommitted bool
	}{
		{name: "any commits on one success", policy: sync.CommitAny, wantCommitted: true},
		{name: "all requires every target", policy: sync.CommitAll, wantCommitted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := newFakeBackend("kb1", "kb2")
			backend.failing["kb2"] = retry.Classify(retry.ReasonClientError, errors.New("HTTP 403 forbidden"))

			h := newHarness(t, backend, targets.StrategyAll, []string{"kb1", "kb2"}, sync.WithCommitPolicy(tt.policy))

			res, err := h.manager.Sync(context.Background(), doc("https://x/1", "c"))
			require.NoError(t, err)
			require.Len(t, res.Targets, 2)
			assert.Equal(t, sync.OutcomeCreated, res.Targets[0].Outcome)
			assert.Equal(t, sync.OutcomeFailed, res.Targets[1].Outcome)
			assert.Contains(t, res.Targets[1].Error, "403")
			assert.Equal(t, sync.OutcomeCreated, res.Outcome())
			assert.Equal(t, tt.wantCommitted, res.Committed)

			_, ok := h.store.Get("https://x/1")
			assert.Equal(t, tt.wantCommitted, ok)
			assert.Equal(t, 1, h.manager.Stats().TargetFailures["kb2"])
			assert.Equal(t, 1, h.registry.Targets()[1].ConsecutiveErrors)
		})
	}
}

func TestManager_UpdatePaths(t *testing.T) {
	t.Parallel()

	notFound := retry.Classify(retry.ReasonClientError, sync.ErrDocumentNotFound)
	content := "new content"
	fp := sync.Fingerprint(content)

	tests := []struct {
		name        string
		setup       func(b *mocks.MockBackend)
		wantOutcome sync.Outcome
		wantDocID   string
	}{
		{
			name: "fingerprint read from the record when the listing lacks it",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").Return(&sync.RemoteDocument{ID: "d1"}, nil)
				b.EXPECT().GetFingerprint(gomock.Any(), "kb1", "d1").Return(fp, nil)
			},
			wantOutcome: sync.OutcomeSkipped,
			wantDocID:   "d1",
		},
		{
			name: "unreadable fingerprint falls back to update",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").Return(&sync.RemoteDocument{ID: "d1"}, nil)
				b.EXPECT().GetFingerprint(gomock.Any(), "kb1", "d1").
					Return("", retry.Classify(retry.ReasonClientError, errors.New("HTTP 400")))
				b.EXPECT().Update(gomock.Any(), "kb1", "d1", gomock.Any()).Return(nil)
			},
			wantOutcome: sync.OutcomeUpdated,
			wantDocID:   "d1",
		},
		{
			name: "record gone before fingerprint read is created",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").Return(&sync.RemoteDocument{ID: "d1"}, nil)
				b.EXPECT().GetFingerprint(gomock.Any(), "kb1", "d1").Return("", notFound)
				b.EXPECT().Create(gomock.Any(), "kb1", gomock.Any()).Return("d2", nil)
			},
			wantOutcome: sync.OutcomeCreated,
			wantDocID:   "d2",
		},
		{
			name: "update not found deletes and recreates",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").
					Return(&sync.RemoteDocument{ID: "d1", Fingerprint: "old"}, nil)
				gomock.InOrder(
					b.EXPECT().Update(gomock.Any(), "kb1", "d1", gomock.Any()).Return(notFound),
					b.EXPECT().Delete(gomock.Any(), "kb1", "d1").Return(notFound),
					b.EXPECT().Create(gomock.Any(), "kb1", gomock.Any()).Return("d2", nil),
				)
			},
			wantOutcome: sync.OutcomeRecreated,
			wantDocID:   "d2",
		},
		{
			name: "delete failure fails the target",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").
					Return(&sync.RemoteDocument{ID: "d1", Fingerprint: "old"}, nil)
				b.EXPECT().Update(gomock.Any(), "kb1", "d1", gomock.Any()).Return(notFound)
				b.EXPECT().Delete(gomock.Any(), "kb1", "d1").
					Return(retry.Classify(retry.ReasonClientError, errors.New("HTTP 403")))
			},
			wantOutcome: sync.OutcomeFailed,
		},
		{
			name: "other update errors fail the target",
			setup: func(b *mocks.MockBackend) {
				b.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").
					Return(&sync.RemoteDocument{ID: "d1", Fingerprint: "old"}, nil)
				b.EXPECT().Update(gomock.Any(), "kb1", "d1", gomock.Any()).
					Return(retry.Classify(retry.ReasonClientError, errors.New("HTTP 413")))
			},
			wantOutcome: sync.OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			backend := mocks.NewMockBackend(ctrl)
			backend.EXPECT().Probe(gomock.Any(), "kb1").Return(true, nil).AnyTimes()
			tt.setup(backend)

			h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
			res, err := h.manager.Sync(context.Background(), doc("https://x/1", content))
			require.NoError(t, err)
			require.Len(t, res.Targets, 1)
			assert.Equal(t, tt.wantOutcome, res.Targets[0].Outcome)
			assert.Equal(t, tt.wantDocID, res.Targets[0].DocumentID)
			assert.Equal(t, tt.wantOutcome.Succeeded(), res.Committed)
		})
	}
}

func TestManager_Run(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"},
		sync.WithRunIDGenerator(func() string { return "run-1" }))
	ctx := context.Background()

	feed := source.StaticFeed{
		doc("https://x/1", "one"),
		doc("https://x/2", "two"),
	}
	summary, err := h.manager.Run(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.Documents)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 2, summary.Changed)
	assert.True(t, summary.Success())

	feed[1] = doc("https://x/2", "two, revised")
	summary, err = h.manager.Run(ctx, feed)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, 2, h.manager.Stats().Runs)
}

func TestManager_RunContinuesPastFailures(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Probe(gomock.Any(), "kb1").Return(true, nil).AnyTimes()
	backend.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/1").
		Return(nil, retry.Classify(retry.ReasonClientError, errors.New("HTTP 400")))
	backend.EXPECT().FindByURL(gomock.Any(), "kb1", "https://x/2").Return(nil, nil)
	backend.EXPECT().Create(gomock.Any(), "kb1", gomock.Any()).Return("d2", nil)

	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})
	summary, err := h.manager.Run(context.Background(), source.StaticFeed{
		doc("https://x/1", "one"),
		doc("https://x/2", "two"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, map[string]int{"kb1": 1}, summary.TargetFailures)
	assert.False(t, summary.Success())
}

func TestManager_RunWithoutTargetsAborts(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	backend.unreachable["kb1"] = true
	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})

	summary, err := h.manager.Run(context.Background(), source.StaticFeed{
		doc("https://x/1", "one"),
		doc("https://x/2", "two"),
	})
	require.ErrorIs(t, err, targets.ErrNoTargets)
	assert.Equal(t, string(targets.ReasonAllUnreachable), summary.Aborted)
	assert.Equal(t, 2, summary.Pending)
	assert.Contains(t, summary.Error, "unreachable")
	assert.Equal(t, 0, backend.count("FindByURL"))
	assert.Equal(t, 0, backend.count("Create"))
}

func TestManager_RunCancelled(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend("kb1")
	h := newHarness(t, backend, targets.StrategyPrimary, []string{"kb1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.manager.Run(ctx, source.StaticFeed{doc("https://x/1", "one")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sync.AbortCancelled, summary.Aborted)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 0, backend.count("Create"))
}

func TestManager_RunUnreadableFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBackend("kb1"), targets.StrategyPrimary, []string{"kb1"})
	summary, err := h.manager.Run(context.Background(),
		source.NewFileFeed(filepath.Join(t.TempDir(), "missing.jsonl")))
	require.Error(t, err)
	assert.Equal(t, sync.AbortFeed, summary.Aborted)
}

func TestSummary_Write(t *testing.T) {
	t.Parallel()

	s := &sync.Summary{
		RunID:          "run-1",
		Documents:      3,
		Created:        1,
		Updated:        1,
		Failed:         1,
		TargetFailures: map[string]int{"kb2": 1},
	}

	var table bytes.Buffer
	require.NoError(t, s.WriteTable(&table))
	out := table.String()
	for _, want := range []string{"run-1", "Created", "Failures on kb2"} {
		assert.Contains(t, out, want)
	}

	var js bytes.Buffer
	require.NoError(t, s.WriteJSON(&js))
	assert.True(t, strings.Contains(js.String(), `"target_failures"`))
}
