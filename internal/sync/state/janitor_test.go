package state

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	err    error
}

func (c *countingCleaner) CleanupTempFiles(maxAge time.Duration) (int, error) {
	c.calls.Add(1)
	c.maxAge.Store(int64(maxAge))
	return 1, c.err
}

func TestJanitor_SweepsPeriodicallyAndOnStop(t *testing.T) {
	t.Parallel()

	cleaner := &countingCleaner{}
	j := NewJanitor(cleaner, 10*time.Millisecond, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- j.Start(context.Background()) }()

	require.Eventually(t, func() bool { return cleaner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, j.Stop())
	require.NoError(t, <-errCh)

	afterStop := cleaner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, afterStop, cleaner.calls.Load(), "no sweeps after Stop returns")
	assert.Equal(t, int64(5*time.Minute), cleaner.maxAge.Load())
}

func TestJanitor_StopsWithContext(t *testing.T) {
	t.Parallel()

	cleaner := &countingCleaner{err: errors.New("permission denied")}
	j := NewJanitor(cleaner, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- j.Start(ctx) }()

	require.Eventually(t, func() bool { return cleaner.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on context cancellation")
	}
	assert.Equal(t, int64(DefaultTempMaxAge), cleaner.maxAge.Load())
}

func TestJanitor_StopWithoutStartStillFlushes(t *testing.T) {
	t.Parallel()

	cleaner := &countingCleaner{}
	j := NewJanitor(cleaner, 0, 0)

	require.NoError(t, j.Stop())
	assert.Equal(t, int32(1), cleaner.calls.Load())
}
