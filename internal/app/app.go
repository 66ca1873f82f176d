// Package app wires the sync engine components and manages their lifecycle
// for one-shot runs and the long-running serve mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/source"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
)

// App owns the engine components, the state lock and the status API server
type App struct {
	config     *config.Config
	components *Components
	httpServer *http.Server

	mu         gosync.Mutex
	listenAddr string
	serving    bool
	closed     bool
}

// RunOnce sweeps leftover temp files and performs a single run over the feed
func (app *App) RunOnce(ctx context.Context) (*pkgsync.Summary, error) {
	if n, err := app.components.Store.CleanupTempFiles(app.config.State.TempMaxAge); err != nil {
		slog.Warn("Failed to clean up temporary state files", "error", err)
	} else if n > 0 {
		slog.Info("Removed stale temporary state files", "count", n)
	}

	return app.components.Manager.Run(ctx, app.components.Feed)
}

// Serve runs the coordinator, the janitor, the optional feed watcher and the
// status API until ctx is cancelled or one of them fails.
func (app *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listenAddr = ln.Addr().String()
	app.serving = true
	app.mu.Unlock()
	defer func() {
		app.mu.Lock()
		app.serving = false
		app.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.components.Coordinator.Start(gctx)
	})
	g.Go(func() error {
		return app.components.Janitor.Start(gctx)
	})
	if app.config.Sync.Watch {
		watcher := source.NewWatcher(app.components.Feed.Path(), func() {
			app.components.Coordinator.Trigger("feed changed")
		})
		g.Go(func() error {
			return watcher.Start(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("Status API listening", "address", ln.Addr().String())
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown(app.config.Sync.GetShutdownGrace())
	})

	return g.Wait()
}

// shutdown stops the coordinator first so the in-flight run can commit, then the API
func (app *App) shutdown(timeout time.Duration) error {
	slog.Info("Shutting down...")

	var errs []error
	if err := app.components.Coordinator.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop sync coordinator: %w", err))
	}
	if err := app.components.Janitor.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop janitor: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	slog.Info("Shutdown complete")
	return errors.Join(errs...)
}

// Close releases the state lock. It is safe to call more than once.
func (app *App) Close() error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.closed {
		return nil
	}
	app.closed = true
	return app.components.Store.Unlock()
}

// Addr returns the address the status API listens on, empty until Serve has bound it
func (app *App) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.listenAddr
}

// Components exposes the wired components
func (app *App) Components() *Components {
	return app.components
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}
