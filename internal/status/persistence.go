// Package status tracks the state of the periodic sync and persists it between restarts.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/stacklok/kbsync/internal/sync/state"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

// StatusFileName is the default name of the status file
const StatusFileName = "status.json"

// StatusPersistence stores the coordinator status between runs
//
//nolint:revive // status.StatusPersistence reads fine at call sites
type StatusPersistence interface {
	SaveStatus(ctx context.Context, status *SyncStatus) error

	// LoadStatus returns an empty SyncStatus on first start
	LoadStatus(ctx context.Context) (*SyncStatus, error)
}

type fileStatusPersistence struct {
	path string
}

// NewFileStatusPersistence keeps the status as indented JSON at path
func NewFileStatusPersistence(path string) StatusPersistence {
	return &fileStatusPersistence{path: path}
}

func (f *fileStatusPersistence) SaveStatus(_ context.Context, s *SyncStatus) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := state.WriteFile(f.path, data); err != nil {
		return fmt.Errorf("failed to write status file %s: %w", f.path, err)
	}
	return nil
}

func (f *fileStatusPersistence) LoadStatus(_ context.Context) (*SyncStatus, error) {
	// #nosec G304 -- path comes from the configuration
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &SyncStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status file %s: %w", f.path, err)
	}

	s := &SyncStatus{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse status file %s: %w", f.path, err)
	}
	return s, nil
}
