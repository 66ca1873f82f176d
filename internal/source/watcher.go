package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is how long the watcher waits for writes to settle
	DefaultDebounce = 500 * time.Millisecond
	// DefaultRewatchTries bounds the attempts to re-add a removed feed file
	DefaultRewatchTries = 10
)

// Watcher observes the feed file and calls onChange once a burst of writes
// has settled. Feed producers often replace the file (remove and recreate,
// or rename over it); the watch is re-established with exponential backoff.
type Watcher struct {
	path            string
	onChange        func()
	debounce        time.Duration
	rewatchTries    uint
	initialInterval time.Duration
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce sets the settle delay
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRewatchBackoff sets the attempts and first interval used to re-add a removed file
func WithRewatchBackoff(tries uint, initial time.Duration) WatcherOption {
	return func(w *Watcher) {
		if tries > 0 {
			w.rewatchTries = tries
		}
		if initial > 0 {
			w.initialInterval = initial
		}
	}
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, onChange func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:            path,
		onChange:        onChange,
		debounce:        DefaultDebounce,
		rewatchTries:    DefaultRewatchTries,
		initialInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start watches until ctx is cancelled. It returns an error if the file
// cannot be watched initially or cannot be re-watched after removal.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch feed file %s: %w", w.path, err)
	}
	slog.Info("Watching feed file", "path", w.path)

	// armed only by write events
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping feed watcher")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				slog.Debug("Feed file replaced, re-watching", "path", w.path, "op", event.Op.String())
				if err := w.rewatch(ctx, fsw); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				timer.Reset(w.debounce)
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			slog.Info("Feed change detected", "path", w.path)
			w.onChange()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Error("Feed watcher error", "error", err)
		}
	}
}

func (w *Watcher) rewatch(ctx context.Context, fsw *fsnotify.Watcher) error {
	_ = fsw.Remove(w.path)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fsw.Add(w.path)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.rewatchTries))
	if err != nil {
		return fmt.Errorf("failed to re-watch feed file %s: %w", w.path, err)
	}
	return nil
}
