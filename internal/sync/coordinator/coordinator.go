package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/stacklok/kbsync/internal/source"
	"github.com/stacklok/kbsync/internal/status"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks -source=coordinator.go Runner

// Runner executes one sync run over a feed
type Runner interface {
	Run(ctx context.Context, feed source.Feed) (*pkgsync.Summary, error)
}

// Coordinator manages background sync scheduling and execution
type Coordinator interface {
	// Start runs an initial sync, then syncs on every interval tick and trigger.
	// Blocks until context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator, waiting for the current run to return
	Stop() error

	// Trigger requests a run as soon as the current one (if any) finishes.
	// Triggers arriving while one is already pending are coalesced.
	Trigger(reason string)

	// Status returns a copy of the current sync status
	Status() status.SyncStatus
}

// Config controls scheduling
type Config struct {
	// Interval between periodic runs; zero means runs happen only on start and on triggers
	Interval time.Duration
	// SkipInitialRun disables the run performed when Start is called
	SkipInitialRun bool
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	runner      Runner
	feed        source.Feed
	persistence status.StatusPersistence
	config      Config

	trigger chan string
	now     func() time.Time

	// Lifecycle management
	mu         gosync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}

	statusMu gosync.RWMutex
	status   status.SyncStatus
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithClock overrides the time source used for status timestamps
func WithClock(now func() time.Time) Option {
	return func(c *defaultCoordinator) {
		c.now = now
	}
}

// New creates a new coordinator with injected dependencies
func New(
	runner Runner,
	feed source.Feed,
	persistence status.StatusPersistence,
	cfg Config,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		runner:      runner,
		feed:        feed,
		persistence: persistence,
		config:      cfg,
		trigger:     make(chan string, 1),
		now:         time.Now,
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins background sync coordination
func (c *defaultCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	c.loadStatus(coordCtx)

	base := c.config.Interval
	interval := calculateSyncInterval(base)
	slog.Info("Starting background sync coordinator",
		"base_interval", base,
		"actual_interval", interval)

	// A nil channel never fires, which disables the periodic case
	var tick <-chan time.Time
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if !c.config.SkipInitialRun {
		c.performSync(coordCtx, "startup")
	}

	for {
		select {
		case <-tick:
			c.performSync(coordCtx, "interval")

			// Recalculate interval with new jitter for next iteration
			ticker.Reset(calculateSyncInterval(base))
		case reason := <-c.trigger:
			c.performSync(coordCtx, reason)
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		// Wait for coordinator to finish
		<-c.done
	}
	return nil
}

// Trigger requests a run without blocking
func (c *defaultCoordinator) Trigger(reason string) {
	select {
	case c.trigger <- reason:
		slog.Debug("Sync run requested", "reason", reason)
	default:
		slog.Debug("Sync run already pending, trigger coalesced", "reason", reason)
	}
}

// Status returns a copy of the current sync status
func (c *defaultCoordinator) Status() status.SyncStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// withStatus runs fn under the status lock
func (c *defaultCoordinator) withStatus(fn func(s *status.SyncStatus)) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	fn(&c.status)
}
