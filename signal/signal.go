// Package signal extracts typed classification evidence from a module's
// declared metadata. Extraction fails soft: an unreadable or malformed
// evidence source drops that signal only, and the module falls through to
// whatever confidence the remaining signals produce.
package signal

import (
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/registry"
)

// Signal is one piece of typed evidence for a category.
type Signal struct {
	// Kind is one of the config.Kind* signal kinds.
	Kind string
	// Category is the category the evidence argues for.
	Category string
	// Value is the matched evidence (capability tag, glob, owner, dep).
	Value string
	// Strength is the evidence strength in [0,1].
	Strength float64
}

// Extractor derives signals from manifests using the configured matchers.
type Extractor struct {
	rules  *config.Rules
	logger *slog.Logger
}

// NewExtractor creates a signal extractor.
func NewExtractor(rules *config.Rules, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{rules: rules, logger: logger}
}

// Extract returns all signals for one module. A nil manifest yields only
// path-pattern signals; bad globs are skipped with a debug log.
func (e *Extractor) Extract(mod registry.Module) []Signal {
	var signals []Signal

	for category, matcher := range e.rules.Matchers {
		signals = append(signals, e.pathSignals(mod.Path, category, matcher)...)

		if mod.Manifest == nil {
			continue
		}
		signals = append(signals, e.manifestSignals(mod.Manifest, category, matcher)...)
	}

	// Explicit system-level override declared in the manifest itself.
	if mod.Manifest != nil && mod.Manifest.Star != "" {
		signals = append(signals, Signal{
			Kind:     config.KindSystemOverride,
			Category: mod.Manifest.Star,
			Value:    "star: " + mod.Manifest.Star,
			Strength: 1.0,
		})
	}

	return signals
}

func (e *Extractor) pathSignals(path, category string, matcher config.Matcher) []Signal {
	var signals []Signal
	for _, glob := range matcher.PathGlobs {
		ok, err := doublestar.Match(glob, path)
		if err != nil {
			e.logger.Debug("Skipping malformed path glob",
				slog.String("glob", glob),
				slog.String("category", category),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			signals = append(signals, Signal{
				Kind:     config.KindPathPattern,
				Category: category,
				Value:    glob,
				Strength: 1.0,
			})
		}
	}
	return signals
}

func (e *Extractor) manifestSignals(m *registry.Manifest, category string, matcher config.Matcher) []Signal {
	var signals []Signal

	for _, tag := range m.Capabilities {
		for _, want := range matcher.Capabilities {
			if tag == want {
				signals = append(signals, Signal{
					Kind:     config.KindCapabilityOverride,
					Category: category,
					Value:    tag,
					Strength: 1.0,
				})
			}
		}
	}

	for _, owner := range matcher.Owners {
		if m.Owner != "" && m.Owner == owner {
			signals = append(signals, Signal{
				Kind:     config.KindOwnerPrior,
				Category: category,
				Value:    owner,
				Strength: 1.0,
			})
		}
	}

	for _, dep := range m.Dependencies {
		for _, glob := range matcher.DependencyGlobs {
			ok, err := doublestar.Match(glob, dep)
			if err != nil {
				e.logger.Debug("Skipping malformed dependency glob",
					slog.String("glob", glob),
					slog.String("category", category),
					slog.String("error", err.Error()))
				continue
			}
			if ok {
				signals = append(signals, Signal{
					Kind:     config.KindDependencyHint,
					Category: category,
					Value:    dep,
					Strength: 1.0,
				})
			}
		}
	}

	return signals
}
