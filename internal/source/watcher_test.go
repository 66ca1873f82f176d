package source

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, opts ...WatcherOption) (*atomic.Int32, context.CancelFunc, <-chan error) {
	t.Helper()

	var calls atomic.Int32
	w := NewWatcher(path, func() { calls.Add(1) }, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	// give fsnotify a moment to register the watch
	time.Sleep(50 * time.Millisecond)
	return &calls, cancel, errCh
}

func TestWatcher_CoalescesWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0600))

	calls, cancel, errCh := startWatcher(t, path, WithDebounce(100*time.Millisecond))

	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("{}\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a burst of writes triggers once")

	cancel()
	require.NoError(t, <-errCh)
}

func TestWatcher_RewatchesReplacedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0600))

	calls, cancel, errCh := startWatcher(t, path,
		WithDebounce(50*time.Millisecond),
		WithRewatchBackoff(20, 10*time.Millisecond),
	)

	// replace the file the way feed producers do
	staged := filepath.Join(dir, "feed.jsonl.new")
	require.NoError(t, os.WriteFile(staged, []byte("{}\n{}\n"), 0600))
	require.NoError(t, os.Rename(staged, path))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	before := calls.Load()

	// still watching after the replacement
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return calls.Load() > before }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()

	w := NewWatcher(filepath.Join(t.TempDir(), "missing.jsonl"), func() {})
	err := w.Start(context.Background())
	require.ErrorContains(t, err, "failed to watch feed file")
}
