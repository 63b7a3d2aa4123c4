package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360studio/starmap/config"
)

// RecordFile is the per-module record file name.
const RecordFile = "record.json"

// ErrNotFound is returned when no record exists for a module path.
var ErrNotFound = errors.New("record not found")

// Store persists module records as JSON files under
// <repoRoot>/.starmap/records/<module-path>/record.json.
type Store struct {
	repoRoot string
}

// NewStore creates a record store rooted at repoRoot.
func NewStore(repoRoot string) *Store {
	return &Store{repoRoot: repoRoot}
}

// RecordsDir returns the root of the record tree.
func (s *Store) RecordsDir() string {
	return filepath.Join(s.repoRoot, config.StateDir, "records")
}

// RecordPath returns the on-disk path of the record for a module path.
func (s *Store) RecordPath(modulePath string) string {
	return filepath.Join(s.RecordsDir(), filepath.FromSlash(modulePath), RecordFile)
}

// Load reads the record for a module path.
func (s *Store) Load(modulePath string) (*ModuleRecord, error) {
	data, err := os.ReadFile(s.RecordPath(modulePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, modulePath)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec ModuleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", modulePath, err)
	}
	return &rec, nil
}

// Save writes a record atomically: marshal to a temp file in the target
// directory, then rename into place. A crash never leaves a half-written
// record.
func (s *Store) Save(rec *ModuleRecord) error {
	if rec.Path == "" {
		return ErrPathRequired
	}
	path := s.RecordPath(rec.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	data, err := Encode(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

// Encode returns the canonical serialized form of a record. Round-trip
// verification compares against exactly these bytes.
func Encode(rec *ModuleRecord) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

// List returns all module paths that have a record, sorted.
func (s *Store) List() ([]string, error) {
	root := s.RecordsDir()
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != RecordFile {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Exists reports whether a record exists for a module path.
func (s *Store) Exists(modulePath string) bool {
	_, err := os.Stat(s.RecordPath(modulePath))
	return err == nil
}

// RawBytes returns the exact on-disk bytes of a record, for round-trip
// and snapshot comparison.
func (s *Store) RawBytes(modulePath string) ([]byte, error) {
	data, err := os.ReadFile(s.RecordPath(modulePath))
	if err != nil {
		return nil, fmt.Errorf("read record bytes: %w", err)
	}
	return data, nil
}

// TopLevelStratum returns the canary stratum of a module path: its first
// path segment.
func TopLevelStratum(modulePath string) string {
	if i := strings.IndexByte(modulePath, '/'); i >= 0 {
		return modulePath[:i]
	}
	return modulePath
}
