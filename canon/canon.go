// Package canon defines the category canon: the closed set of "star"
// labels a module may be classified into.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Category defines one classification label.
type Category struct {
	// ID is the stable category identifier (e.g. "interface").
	ID string `yaml:"id" json:"id"`
	// Label is the human-readable display name.
	Label string `yaml:"label" json:"label"`
	// Domain describes the functional domain the category covers.
	Domain string `yaml:"domain" json:"domain"`
}

// Canon is the full category set plus the default fallback category.
type Canon struct {
	// Default is the category a module falls into when no signal
	// reaches the suggestion threshold.
	Default string `yaml:"default" json:"default"`

	Categories []Category `yaml:"categories" json:"categories"`
}

// DefaultCanon returns the built-in category set used when no
// canon.yaml is present.
func DefaultCanon() *Canon {
	return &Canon{
		Default: "support",
		Categories: []Category{
			{ID: "core", Label: "Core", Domain: "shared domain logic and primitives"},
			{ID: "interface", Label: "Interface", Domain: "external surfaces: APIs, CLIs, adapters"},
			{ID: "compute", Label: "Compute", Domain: "processing, scoring, transformation"},
			{ID: "storage", Label: "Storage", Domain: "persistence, caching, data access"},
			{ID: "orchestration", Label: "Orchestration", Domain: "workflow coordination and scheduling"},
			{ID: "support", Label: "Support", Domain: "tooling, fixtures, everything else"},
		},
	}
}

// Validate checks canon consistency: unique IDs and a default that exists.
func (c *Canon) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("canon has no categories")
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.ID == "" {
			return fmt.Errorf("category with empty id")
		}
		if seen[cat.ID] {
			return fmt.Errorf("duplicate category id: %s", cat.ID)
		}
		seen[cat.ID] = true
	}
	if c.Default == "" {
		return fmt.Errorf("canon default category is required")
	}
	if !seen[c.Default] {
		return fmt.Errorf("default category %q not in canon", c.Default)
	}
	return nil
}

// Has reports whether id is a known category.
func (c *Canon) Has(id string) bool {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return true
		}
	}
	return false
}

// IDs returns all category IDs in sorted order.
func (c *Canon) IDs() []string {
	ids := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		ids = append(ids, cat.ID)
	}
	sort.Strings(ids)
	return ids
}

// Digest returns the sha256 hex digest of the serialized canon, pinned on
// records for determinism auditing.
func (c *Canon) Digest() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal canon for digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadFromFile loads a canon from a YAML file.
func LoadFromFile(path string) (*Canon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read canon file: %w", err)
	}

	var c Canon
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse canon file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid canon: %w", err)
	}
	return &c, nil
}

// SaveToFile writes the canon to a YAML file.
func (c *Canon) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal canon: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write canon file: %w", err)
	}
	return nil
}
