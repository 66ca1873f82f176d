package app

import (
	"context"
	"fmt"

	"github.com/stacklok/kbsync/internal/api"
	"github.com/stacklok/kbsync/internal/targets"
)

var _ api.Service = (*App)(nil)

// CheckReadiness implements api.Service
func (app *App) CheckReadiness(ctx context.Context) error {
	if len(app.components.Registry.ListAvailable(ctx)) == 0 {
		return fmt.Errorf("no target collection reachable (strategy %s)", app.components.Registry.Strategy())
	}
	return nil
}

// Status implements api.Service
func (app *App) Status(_ context.Context) *api.StatusResponse {
	c := app.components
	resp := &api.StatusResponse{
		Sync:     c.Coordinator.Status(),
		Strategy: string(c.Registry.Strategy()),
		Engine:   c.Manager.Stats(),
		State:    c.Store.Stats(),
		Retry:    c.Orchestrator.Stats(),
	}
	if c.Dify != nil {
		stats := c.Dify.Stats()
		resp.Backend = &stats
	}
	return resp
}

// Targets implements api.Service
func (app *App) Targets(_ context.Context) []targets.Target {
	return app.components.Registry.Targets()
}

// TriggerSync implements api.Service. Triggers are only accepted while serving.
func (app *App) TriggerSync(reason string) bool {
	app.mu.Lock()
	serving := app.serving
	app.mu.Unlock()
	if !serving {
		return false
	}
	app.components.Coordinator.Trigger(reason)
	return true
}
