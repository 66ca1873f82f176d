package status

import (
	"time"

	"github.com/stacklok/kbsync/internal/sync"
)

// SyncPhase represents the current phase of a synchronization run
type SyncPhase string

const (
	// SyncPhaseSyncing means a run is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last run completed without document failures
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhasePartial means the last run completed but some documents failed
	SyncPhasePartial SyncPhase = "Partial"

	// SyncPhaseFailed means the last run was aborted
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus represents the state of the periodic synchronization
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last run start
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of runs since the last complete one
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last complete run
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// LastRunID identifies the last run in logs and traces
	LastRunID string `json:"lastRunId,omitempty"`

	// LastSummary is the report of the last finished run
	LastSummary *sync.Summary `json:"lastSummary,omitempty"`

	// SyncSchedule is the configured interval (e.g. "30m"), empty when only triggered
	SyncSchedule string `json:"syncSchedule,omitempty"`

	// Version is the kbsync release that last wrote the status
	Version string `json:"version,omitempty"`
}
