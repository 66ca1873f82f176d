package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	backupSuffix = ".backup"
	tempSuffix   = ".tmp"
	lockSuffix   = ".lock"

	lockRetryDelay = 250 * time.Millisecond
)

// ErrLocked is returned when another process holds the state lock
var ErrLocked = errors.New("state file is locked by another process")

// FileStore is a Store backed by a JSON file, a backup copy and a temp file
// written next to it.
type FileStore struct {
	path       string
	backupPath string
	tempPath   string
	lock       *flock.Flock

	mu      sync.Mutex
	current map[string]string
	stats   Stats
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store for the state file at path. Nothing is read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:       path,
		backupPath: path + backupSuffix,
		tempPath:   path + tempSuffix,
		lock:       flock.New(path + lockSuffix),
		current:    make(map[string]string),
	}
}

// Path returns the primary state file path
func (s *FileStore) Path() string {
	return s.path
}

// BackupPath returns the backup file path
func (s *FileStore) BackupPath() string {
	return s.backupPath
}

// Lock takes the cross-process advisory lock, waiting until ctx is done
func (s *FileStore) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrLocked, s.lock.Path())
		}
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, s.lock.Path())
	}
	return nil
}

// Unlock releases the cross-process lock
func (s *FileStore) Unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock state file: %w", err)
	}
	return nil
}

// Load reads the primary file, falling back to the backup and then to an empty map
func (s *FileStore) Load() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.LoadAttempts++
	loaded := s.loadWithRecovery()
	s.current = maps.Clone(loaded)
	s.stats.LoadSuccesses++
	return loaded
}

// loadWithRecovery implements the primary -> backup -> empty protocol. Callers hold s.mu.
func (s *FileStore) loadWithRecovery() map[string]string {
	primary, err := readStateFile(s.path)
	if err == nil {
		slog.Debug("Loaded state", "path", s.path, "entries", len(primary))
		return primary
	}

	primaryMissing := errors.Is(err, fs.ErrNotExist)
	if !primaryMissing {
		s.stats.CorruptionRecoveries++
		slog.Warn("Primary state file is unusable, trying backup",
			"path", s.path,
			"backup", s.backupPath,
			"error", err)
	}

	backup, berr := readStateFile(s.backupPath)
	if berr != nil {
		if primaryMissing && errors.Is(berr, fs.ErrNotExist) {
			slog.Info("No state file found, starting with empty state", "path", s.path)
			return make(map[string]string)
		}
		slog.Error("State recovery failed, starting with empty state; every document will be treated as new",
			"path", s.path,
			"primary_error", err,
			"backup", s.backupPath,
			"backup_error", berr)
		return make(map[string]string)
	}

	s.stats.BackupRecoveries++
	slog.Warn("Recovered state from backup",
		"backup", s.backupPath,
		"entries", len(backup),
		"primary_error", err)

	// self-heal the primary from the recovered copy
	if werr := s.writeAtomic(backup); werr != nil {
		slog.Error("Failed to repair primary state file from backup", "path", s.path, "error", werr)
	} else {
		slog.Info("Repaired primary state file from backup", "path", s.path)
	}
	return backup
}

// Save backs up the current primary, writes state to the temp file, verifies it and renames it into place
func (s *FileStore) Save(state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == nil {
		state = map[string]string{}
	}
	if err := s.save(state); err != nil {
		return err
	}
	s.current = maps.Clone(state)
	return nil
}

func (s *FileStore) save(state map[string]string) error {
	s.stats.SaveAttempts++

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if _, err := readStateFile(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath); err != nil {
			slog.Warn("Failed to back up state file, continuing with save",
				"path", s.path,
				"backup", s.backupPath,
				"error", err)
		}
	}

	if err := s.writeAtomic(state); err != nil {
		return err
	}

	s.stats.SaveSuccesses++
	return nil
}

// writeAtomic writes state to the temp file, fsyncs, re-reads and renames it over the primary
func (s *FileStore) writeAtomic(state map[string]string) error {
	if state == nil {
		state = map[string]string{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := writeSynced(s.tempPath, data); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}

	written, err := readStateFile(s.tempPath)
	if err != nil || !maps.Equal(written, state) {
		_ = os.Remove(s.tempPath)
		if err == nil {
			err = errors.New("content mismatch")
		}
		return fmt.Errorf("temporary state file failed verification: %w", err)
	}

	if err := replaceFile(s.tempPath, s.path); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	syncDir(filepath.Dir(s.path))
	return nil
}

// Get returns the committed fingerprint for url
func (s *FileStore) Get(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.current[url]
	return fp, ok
}

// Commit persists url -> fingerprint on top of the in-memory state
func (s *FileStore) Commit(url, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.current[url]; ok && existing == fingerprint {
		return nil
	}

	next := maps.Clone(s.current)
	if next == nil {
		next = make(map[string]string, 1)
	}
	next[url] = fingerprint
	if err := s.save(next); err != nil {
		return fmt.Errorf("failed to commit state for %s: %w", url, err)
	}
	s.current = next
	return nil
}

// Snapshot returns a copy of the in-memory state
func (s *FileStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.current)
}

// Stats returns persistence counters
func (s *FileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Entries = len(s.current)
	return stats
}

// CleanupTempFiles removes temp files next to the state file that are older than maxAge.
// The store's own temp file is removed regardless of age since no save is in flight while s.mu is held.
func (s *FileStore) CleanupTempFiles(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list state directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		if full != s.tempPath {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		slog.Debug("Removed temporary file", "path", full)
	}

	s.stats.TempFilesRemoved += removed
	return removed, errors.Join(errs...)
}

// readStateFile parses path as a flat JSON object of strings
func readStateFile(path string) (map[string]string, error) {
	// #nosec G304 -- path is the configured state file or one of its siblings
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

// parseState validates the shape of a state document
func parseState(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrStateCorrupted)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupted, err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", ErrStateCorrupted, raw)
	}

	result := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: value for %q is %T, not a string", ErrStateCorrupted, k, v)
		}
		result[k] = str
	}
	return result, nil
}

// Verify reports whether the file at path is a valid state document
func Verify(path string) (int, error) {
	state, err := readStateFile(path)
	if err != nil {
		return 0, err
	}
	return len(state), nil
}

// writeSynced writes data and fsyncs before closing
func writeSynced(path string, data []byte) error {
	// #nosec G304 -- path is derived from the configured state file
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// copyFile copies src over dst through a synced write
func copyFile(src, dst string) error {
	// #nosec G304 -- src is the configured state file
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeSynced(dst, data)
}

// replaceFile renames src over dst. Windows cannot rename over an existing
// file, so dst is removed first; a crash in between leaves only the backup.
func replaceFile(src, dst string) error {
	if runtime.GOOS == "windows" {
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.Rename(src, dst)
}

// syncDir fsyncs a directory so the rename is durable. Best effort.
func syncDir(dir string) {
	if runtime.GOOS == "windows" {
		return
	}
	// #nosec G304 -- dir is the state directory
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// WriteFile replaces path with data through a synced temp file and rename,
// so readers see either the old or the new content
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp := path + tempSuffix
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := replaceFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	syncDir(dir)
	return nil
}
