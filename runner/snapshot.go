package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/c360studio/starmap/record"
)

// Snapshot is the pre-run backup of every record the run may touch.
// Records that did not exist before the run are listed in Created so a
// rollback can remove them.
type Snapshot struct {
	Dir     string   `json:"dir"`
	Paths   []string `json:"paths"`
	Created []string `json:"created,omitempty"`
}

const snapshotManifest = "snapshot.json"

// TakeSnapshot copies the current record of every module path into the
// session's snapshot directory before any write happens.
func TakeSnapshot(repoRoot, sessionID string, store *record.Store, modulePaths []string) (*Snapshot, error) {
	dir := filepath.Join(SessionDir(repoRoot, sessionID), SnapshotDir)
	snap := &Snapshot{Dir: dir}

	for _, path := range modulePaths {
		if !store.Exists(path) {
			snap.Created = append(snap.Created, path)
			continue
		}
		data, err := store.RawBytes(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(path), record.RecordFile)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return nil, fmt.Errorf("write snapshot %s: %w", path, err)
		}
		snap.Paths = append(snap.Paths, path)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotManifest), append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("write snapshot manifest: %w", err)
	}
	return snap, nil
}

// LoadSnapshot reads a session's snapshot manifest.
func LoadSnapshot(repoRoot, sessionID string) (*Snapshot, error) {
	dir := filepath.Join(SessionDir(repoRoot, sessionID), SnapshotDir)
	data, err := os.ReadFile(filepath.Join(dir, snapshotManifest))
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest: %w", err)
	}
	return &snap, nil
}

// RecordBytes returns the snapshotted bytes of one module's record.
func (s *Snapshot) RecordBytes(modulePath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.FromSlash(modulePath), record.RecordFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot record %s: %w", modulePath, err)
	}
	return data, nil
}

// Restore writes every snapshotted record back into the store tree and
// removes records created during the run. Returns the restored paths.
func (s *Snapshot) Restore(store *record.Store) ([]string, error) {
	var restored []string
	for _, path := range s.Paths {
		data, err := s.RecordBytes(path)
		if err != nil {
			return restored, err
		}
		dst := store.RecordPath(path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return restored, fmt.Errorf("create record directory: %w", err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return restored, fmt.Errorf("restore %s: %w", path, err)
		}
		restored = append(restored, path)
	}
	for _, path := range s.Created {
		err := os.Remove(store.RecordPath(path))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return restored, fmt.Errorf("remove created record %s: %w", path, err)
		}
	}
	return restored, nil
}
