// Package registry discovers module manifests in a repository and stores
// module records under the .starmap state directory, one record file per
// module at a path mirroring the module's own source path.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/starmap/config"
)

// ManifestFile is the per-module metadata file discovery looks for.
const ManifestFile = "module.yaml"

// Sentinel errors for discovery.
var (
	ErrRejectedPrefix = errors.New("module path under rejected legacy prefix")
	ErrInvalidPath    = errors.New("invalid module path")
)

// Manifest is the declared metadata of one module.
type Manifest struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Owner        string   `yaml:"owner,omitempty"`
	Tier         int      `yaml:"tier,omitempty"`
	Contracts    []string `yaml:"contracts,omitempty"`
	// Star is an optional explicit system-level category override.
	Star string `yaml:"star,omitempty"`
}

// Module pairs a repository-relative module path with its manifest.
type Module struct {
	Path     string
	Manifest *Manifest
	// ManifestErr is set when the manifest could not be parsed. The
	// module still classifies on its remaining signals and falls through
	// to the default category when none reach the suggestion threshold.
	ManifestErr error
}

// skipDirs are directory names never descended into during discovery.
var skipDirs = map[string]bool{
	config.StateDir: true,
	".git":          true,
	"vendor":        true,
	"node_modules":  true,
}

// ValidatePath rejects module paths that are absolute, escape the repo,
// or sit under a rejected legacy prefix.
func ValidatePath(path string, rejectedPrefixes []string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if filepath.IsAbs(path) || strings.Contains(path, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	for _, prefix := range rejectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return fmt.Errorf("%w: %s (prefix %s)", ErrRejectedPrefix, path, prefix)
		}
	}
	return nil
}

// LoadManifest reads and parses one module.yaml.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(filepath.Dir(path))
	}
	return &m, nil
}

// Discover walks repoRoot for module manifests. A module whose path begins
// with a rejected legacy prefix is a fatal safety-gate failure: no partial
// result is returned. A manifest that fails to parse is not fatal: the
// module is returned with ManifestErr set and a nil Manifest, dropping its
// declared signals only.
func Discover(repoRoot string, rejectedPrefixes []string) ([]Module, error) {
	var modules []Module

	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ManifestFile {
			return nil
		}

		rel, err := filepath.Rel(repoRoot, filepath.Dir(path))
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if err := ValidatePath(rel, rejectedPrefixes); err != nil {
			return err
		}

		manifest, err := LoadManifest(path)
		if err != nil {
			modules = append(modules, Module{Path: rel, ManifestErr: err})
			return nil
		}
		modules = append(modules, Module{Path: rel, Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover modules: %w", err)
	}
	return modules, nil
}
