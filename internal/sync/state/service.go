// Package state provides the durable record of which document fingerprints
// have been synchronized.
package state

import (
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=service.go Store

// ErrStateCorrupted is reported (and logged) when a state file cannot be used.
// It never reaches sync callers: Load recovers from the backup or starts empty.
var ErrStateCorrupted = errors.New("state file is corrupted")

// Store maps document URLs to the fingerprint last confirmed by a target
type Store interface {
	// Load reads the persisted state, recovering from the backup copy or an
	// empty map when the primary file is unusable. The loaded map becomes the
	// in-memory state.
	Load() map[string]string

	// Save atomically persists the full state and replaces the in-memory state
	Save(state map[string]string) error

	// Get returns the committed fingerprint for url
	Get(url string) (string, bool)

	// Commit records url as synced with fingerprint and persists the result.
	// Call only after a remote write (or a remote skip) was confirmed.
	Commit(url, fingerprint string) error

	// Snapshot returns a copy of the in-memory state
	Snapshot() map[string]string

	// CleanupTempFiles removes leftover temporary files older than maxAge
	CleanupTempFiles(maxAge time.Duration) (int, error)

	// Stats returns persistence counters
	Stats() Stats
}

// Stats holds persistence counters
type Stats struct {
	Entries              int `json:"entries"`
	LoadAttempts         int `json:"load_attempts"`
	LoadSuccesses        int `json:"load_successes"`
	SaveAttempts         int `json:"save_attempts"`
	SaveSuccesses        int `json:"save_successes"`
	CorruptionRecoveries int `json:"corruption_recoveries"`
	BackupRecoveries     int `json:"backup_recoveries"`
	TempFilesRemoved     int `json:"temp_files_removed"`
}
