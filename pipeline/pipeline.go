// Package pipeline wires the signal extractor, scoring engine, classifier
// and record builder into the per-module classification path shared by the
// CLI and the batch runner.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
	"github.com/c360studio/starmap/scoring"
	"github.com/c360studio/starmap/signal"
)

// Pipeline classifies one module at a time. It is pure with respect to the
// repository: it reads previous records but never writes.
type Pipeline struct {
	rules      *config.Rules
	canon      *canon.Canon
	store      *record.Store
	extractor  *signal.Extractor
	engine     *scoring.Engine
	classifier *scoring.Classifier
	logger     *slog.Logger

	ruleDigest  string
	canonDigest string
}

// New creates a pipeline over the given rules, canon and record store.
func New(rules *config.Rules, c *canon.Canon, store *record.Store, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid canon: %w", err)
	}

	ruleDigest, err := rules.Digest()
	if err != nil {
		return nil, err
	}
	canonDigest, err := c.Digest()
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		rules:       rules,
		canon:       c,
		store:       store,
		extractor:   signal.NewExtractor(rules, logger),
		engine:      scoring.NewEngine(rules),
		classifier:  scoring.NewClassifier(rules, c),
		logger:      logger,
		ruleDigest:  ruleDigest,
		canonDigest: canonDigest,
	}, nil
}

// Digests returns the pinned rule and canon digests for this pipeline.
func (p *Pipeline) Digests() (ruleDigest, canonDigest string) {
	return p.ruleDigest, p.canonDigest
}

// Classify scores and classifies one module and builds its merged record.
// Nothing is written; the caller decides whether and how to persist.
func (p *Pipeline) Classify(mod registry.Module, now time.Time) (*record.ModuleRecord, error) {
	signals := p.extractor.Extract(mod)
	confidence := p.engine.Score(signals)
	outcome := p.classifier.Classify(confidence)

	previous, err := p.store.Load(mod.Path)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return nil, err
	}

	forced := p.ForceOverride(mod.Path)
	if forced && previous != nil {
		p.logger.Warn("Preserved fields overridden by exception list",
			slog.String("path", mod.Path))
	}

	in := record.BuildInput{
		Path:          mod.Path,
		Outcome:       outcome,
		Previous:      previous,
		ForceOverride: forced,
		RuleDigest:    p.ruleDigest,
		CanonDigest:   p.canonDigest,
		Now:           now,
	}
	if mod.Manifest != nil {
		in.Name = mod.Manifest.Name
		in.Capabilities = mod.Manifest.Capabilities
		in.Dependencies = mod.Manifest.Dependencies
		in.Owner = mod.Manifest.Owner
		in.Tier = mod.Manifest.Tier
		in.ContractRefs = mod.Manifest.Contracts
	}

	return record.Build(in)
}

// ForceOverride reports whether a module path is on the forced-override
// exception list. Malformed globs never match.
func (p *Pipeline) ForceOverride(path string) bool {
	for _, glob := range p.rules.Exceptions.ForceOverride {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

// IsDefaultOnly reports whether a record sits in the default category with
// no promoted assignment.
func (p *Pipeline) IsDefaultOnly(rec *record.ModuleRecord) bool {
	return len(rec.Categories) == 1 && rec.Categories[0] == p.canon.Default && len(rec.Confidence) == 0
}

// Canon returns the category canon in effect.
func (p *Pipeline) Canon() *canon.Canon {
	return p.canon
}

// Rules returns the rule configuration in effect.
func (p *Pipeline) Rules() *config.Rules {
	return p.rules
}

// Store returns the record store.
func (p *Pipeline) Store() *record.Store {
	return p.store
}
