package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stacklok/kbsync/internal/status"
	"github.com/stacklok/kbsync/internal/versions"
)

// loadStatus restores the persisted status. A run interrupted by a crash
// left the phase at Syncing; it is reported as failed.
func (c *defaultCoordinator) loadStatus(ctx context.Context) {
	loaded, err := c.persistence.LoadStatus(ctx)
	if err != nil {
		slog.Warn("Failed to load sync status, starting fresh", "error", err)
		loaded = &status.SyncStatus{}
	}
	if versions.WrittenByNewer(loaded.Version) {
		slog.Warn("Sync status was written by a newer kbsync release",
			"recorded", loaded.Version, "running", versions.Version)
	}
	loaded.Version = versions.Version
	if loaded.Phase == status.SyncPhaseSyncing {
		loaded.Phase = status.SyncPhaseFailed
		loaded.Message = "Previous sync was interrupted"
	}
	if c.config.Interval > 0 {
		loaded.SyncSchedule = c.config.Interval.String()
	} else {
		loaded.SyncSchedule = ""
	}
	c.withStatus(func(s *status.SyncStatus) {
		*s = *loaded
	})
}

// performSync executes one run and updates the status around it
func (c *defaultCoordinator) performSync(ctx context.Context, reason string) {
	// Status writes must survive shutdown
	persistCtx := context.WithoutCancel(ctx)

	defer c.withStatus(func(s *status.SyncStatus) {
		if err := c.persistence.SaveStatus(persistCtx, s); err != nil {
			slog.Error("Failed to persist final sync status", "error", err)
		}
	})

	var attemptCount int
	c.withStatus(func(s *status.SyncStatus) {
		now := c.now()
		s.Phase = status.SyncPhaseSyncing
		s.Message = "Sync in progress"
		s.LastAttempt = &now
		s.AttemptCount++
		attemptCount = s.AttemptCount

		// Persist the "Syncing" state immediately so it's visible
		if err := c.persistence.SaveStatus(persistCtx, s); err != nil {
			slog.Warn("Failed to persist syncing status", "error", err)
		}
	})

	slog.Info("Starting sync run", "reason", reason, "attempt", attemptCount)

	summary, err := c.runner.Run(ctx, c.feed)

	c.withStatus(func(s *status.SyncStatus) {
		if summary != nil {
			s.LastSummary = summary
			s.LastRunID = summary.RunID
		}

		switch {
		case err != nil && errors.Is(err, context.Canceled):
			s.Phase = status.SyncPhaseFailed
			s.Message = "Sync cancelled"
		case err != nil:
			s.Phase = status.SyncPhaseFailed
			s.Message = err.Error()
			slog.Error("Sync run failed", "reason", reason, "error", err)
		case summary != nil && !summary.Success():
			s.Phase = status.SyncPhasePartial
			s.Message = fmt.Sprintf("%d of %d documents failed", summary.Failed+summary.CommitFailures, summary.Documents)
			slog.Warn("Sync run completed with failures", "reason", reason, "failed", summary.Failed)
		default:
			now := c.now()
			s.Phase = status.SyncPhaseComplete
			s.Message = "Sync completed successfully"
			s.LastSyncTime = &now
			s.AttemptCount = 0
		}
	})
}
