// Package config provides rule-configuration loading and management for
// starmap: signal weights, confidence thresholds, promotion ceilings, and
// the exception lists the safety gates consult.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Signal kind names used as weight keys.
const (
	KindCapabilityOverride = "capability-override"
	KindSystemOverride     = "system-override"
	KindPathPattern        = "path-pattern"
	KindOwnerPrior         = "owner-prior"
	KindDependencyHint     = "dependency-hint"
)

// Rules is the complete rule configuration for a classification run.
type Rules struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
	Ceilings   Ceilings   `yaml:"ceilings"`
	Exceptions Exceptions `yaml:"exceptions"`
	// Matchers maps category ID to the evidence that argues for it.
	Matchers map[string]Matcher `yaml:"matchers"`
}

// Weights holds the per-signal-kind weight applied during scoring.
type Weights struct {
	CapabilityOverride float64 `yaml:"capability_override"`
	SystemOverride     float64 `yaml:"system_override"`
	PathPattern        float64 `yaml:"path_pattern"`
	OwnerPrior         float64 `yaml:"owner_prior"`
	DependencyHint     float64 `yaml:"dependency_hint"`
}

// For returns the weight for a signal kind, zero for unknown kinds.
func (w Weights) For(kind string) float64 {
	switch kind {
	case KindCapabilityOverride:
		return w.CapabilityOverride
	case KindSystemOverride:
		return w.SystemOverride
	case KindPathPattern:
		return w.PathPattern
	case KindOwnerPrior:
		return w.OwnerPrior
	case KindDependencyHint:
		return w.DependencyHint
	}
	return 0
}

// Thresholds holds the confidence cut-offs.
type Thresholds struct {
	// MinSuggest is the floor below which evidence is discarded.
	MinSuggest float64 `yaml:"min_suggest"`
	// MinAutopromote is the floor at which a category is assigned.
	MinAutopromote float64 `yaml:"min_autopromote"`
}

// Ceilings caps how much a single run may change.
type Ceilings struct {
	MaxPromotionsPerRun      int `yaml:"max_promotions_per_run"`
	MaxPromotionsPerCategory int `yaml:"max_promotions_per_category"`
	MaxCategoriesPerModule   int `yaml:"max_categories_per_module"`
	// MinDefaultCategoryPercentage is the floor (0-100) on the share of
	// modules that stay in the default category after a run. Guards
	// against runaway misclassification.
	MinDefaultCategoryPercentage int `yaml:"min_default_category_percentage"`
}

// Exceptions holds the path lists that bypass or tighten the gates.
type Exceptions struct {
	// ForceInclude paths are always part of the canary sample.
	ForceInclude []string `yaml:"force_include"`
	// ForceOverride paths may have preserved fields rewritten.
	ForceOverride []string `yaml:"force_override"`
	// RejectedPrefixes are legacy path prefixes no record may live under.
	RejectedPrefixes []string `yaml:"rejected_prefixes"`
}

// Matcher describes the evidence that argues for one category.
type Matcher struct {
	// Capabilities are tags that, when declared, are explicit overrides.
	Capabilities []string `yaml:"capabilities,omitempty"`
	// PathGlobs are doublestar patterns over the module path.
	PathGlobs []string `yaml:"path_globs,omitempty"`
	// Owners are owner identifiers carrying a prior toward the category.
	Owners []string `yaml:"owners,omitempty"`
	// DependencyGlobs are doublestar patterns over dependency paths.
	DependencyGlobs []string `yaml:"dependency_globs,omitempty"`
}

// DefaultRules returns a Rules with sensible defaults.
func DefaultRules() *Rules {
	return &Rules{
		Weights: Weights{
			CapabilityOverride: 0.75,
			SystemOverride:     0.90,
			PathPattern:        0.15,
			OwnerPrior:         0.10,
			DependencyHint:     0.10,
		},
		Thresholds: Thresholds{
			MinSuggest:     0.40,
			MinAutopromote: 0.70,
		},
		Ceilings: Ceilings{
			MaxPromotionsPerRun:          50,
			MaxPromotionsPerCategory:     20,
			MaxCategoriesPerModule:       2,
			MinDefaultCategoryPercentage: 10,
		},
		Exceptions: Exceptions{},
		Matchers:   map[string]Matcher{},
	}
}

// Validate checks that the configuration is internally consistent.
func (r *Rules) Validate() error {
	if r.Thresholds.MinSuggest < 0 || r.Thresholds.MinSuggest > 1 {
		return fmt.Errorf("thresholds.min_suggest must be in [0,1]")
	}
	if r.Thresholds.MinAutopromote < 0 || r.Thresholds.MinAutopromote > 1 {
		return fmt.Errorf("thresholds.min_autopromote must be in [0,1]")
	}
	if r.Thresholds.MinSuggest > r.Thresholds.MinAutopromote {
		return fmt.Errorf("thresholds.min_suggest must not exceed min_autopromote")
	}
	if r.Ceilings.MaxPromotionsPerRun < 0 {
		return fmt.Errorf("ceilings.max_promotions_per_run must be >= 0")
	}
	if r.Ceilings.MaxPromotionsPerCategory < 0 {
		return fmt.Errorf("ceilings.max_promotions_per_category must be >= 0")
	}
	if r.Ceilings.MaxCategoriesPerModule < 1 {
		return fmt.Errorf("ceilings.max_categories_per_module must be >= 1")
	}
	if p := r.Ceilings.MinDefaultCategoryPercentage; p < 0 || p > 100 {
		return fmt.Errorf("ceilings.min_default_category_percentage must be in [0,100]")
	}
	for kind, w := range map[string]float64{
		KindCapabilityOverride: r.Weights.CapabilityOverride,
		KindSystemOverride:     r.Weights.SystemOverride,
		KindPathPattern:        r.Weights.PathPattern,
		KindOwnerPrior:         r.Weights.OwnerPrior,
		KindDependencyHint:     r.Weights.DependencyHint,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight %s must be in [0,1]", kind)
		}
	}
	return nil
}

// LoadFromFile loads rules from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return rules, nil
}

// SaveToFile saves rules to a YAML file.
func (r *Rules) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	return nil
}

// Digest returns the sha256 hex digest of the serialized rules. Records
// pin this so a later audit can prove which configuration produced them.
func (r *Rules) Digest() (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal rules for digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
