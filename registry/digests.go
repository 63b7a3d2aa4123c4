package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/starmap/config"
)

// Digests pins the content hashes of the configuration in effect for a
// run, for later determinism audits.
type Digests struct {
	RuleDigest    string    `json:"rule_digest"`
	CanonDigest   string    `json:"canon_digest"`
	SchemaVersion string    `json:"schema_version"`
	PinnedAt      time.Time `json:"pinned_at"`
}

// DigestsPath returns the digests file path for a repository.
func DigestsPath(repoRoot string) string {
	return filepath.Join(repoRoot, config.StateDir, config.DigestsFile)
}

// SaveDigests writes the digests file.
func SaveDigests(repoRoot string, d *Digests) error {
	path := DigestsPath(repoRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digests: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write digests: %w", err)
	}
	return nil
}

// LoadDigests reads the digests file.
func LoadDigests(repoRoot string) (*Digests, error) {
	data, err := os.ReadFile(DigestsPath(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("read digests: %w", err)
	}
	var d Digests
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse digests: %w", err)
	}
	return &d, nil
}
