package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultJanitorInterval is how often stale temp files are swept
	DefaultJanitorInterval = 10 * time.Minute
	// DefaultTempMaxAge is the age after which a temp file is considered abandoned
	DefaultTempMaxAge = time.Hour
)

// Cleaner removes stale temporary files
type Cleaner interface {
	CleanupTempFiles(maxAge time.Duration) (int, error)
}

// Janitor periodically removes abandoned temporary files.
// Stop cancels the loop, waits for it and runs one final sweep.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	maxAge   time.Duration

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewJanitor creates a janitor. Non-positive durations fall back to defaults.
func NewJanitor(cleaner Cleaner, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultTempMaxAge
	}
	return &Janitor{
		cleaner:  cleaner,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancelFunc = cancel
	j.done = make(chan struct{})
	done := j.done
	j.mu.Unlock()

	defer close(done)

	slog.Debug("Starting temp file janitor", "interval", j.interval, "max_age", j.maxAge)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()
	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-loopCtx.Done():
			return nil
		}
	}
}

// Stop cancels the loop, waits for it to exit and flushes with a final sweep
func (j *Janitor) Stop() error {
	j.mu.Lock()
	cancel, done := j.cancelFunc, j.done
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	j.sweep()
	slog.Debug("Temp file janitor stopped")
	return nil
}

func (j *Janitor) sweep() {
	removed, err := j.cleaner.CleanupTempFiles(j.maxAge)
	if err != nil {
		slog.Warn("Temp file cleanup failed", "error", err)
	}
	if removed > 0 {
		slog.Info("Removed stale temporary files", "count", removed)
	}
}
