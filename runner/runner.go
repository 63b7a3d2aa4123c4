package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/starmap/audit"
	"github.com/c360studio/starmap/pipeline"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
	"github.com/c360studio/starmap/validate"
)

// Defaults for chunked execution.
const (
	DefaultWorkers   = 4
	DefaultChunkSize = 16
)

// MetricsFile is the textfile metrics snapshot within a run directory.
const MetricsFile = "metrics.prom"

// Options tune one run.
type Options struct {
	// DryRun computes and reports everything but writes nothing.
	DryRun bool
	// Strict aborts the whole run on any schema validation failure.
	Strict bool
	// Paths restricts the run to the given module paths (empty = all).
	Paths []string
}

// Runner executes safety-gated batch regeneration over a repository.
type Runner struct {
	repoRoot string
	pipe     *pipeline.Pipeline
	schema   *validate.SchemaValidator
	metrics  *audit.Metrics
	logger   *slog.Logger

	Workers   int
	ChunkSize int
}

// planned is the precomputed write for one module. The whole batch is
// planned, validated and ceiling-checked before any write is flushed.
type planned struct {
	mod        registry.Module
	before     *record.ModuleRecord
	after      *record.ModuleRecord
	encoded    []byte
	promotions []string
	changed    bool
	skip       bool
	skipReason string
}

// New creates a runner.
func New(repoRoot string, pipe *pipeline.Pipeline, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repoRoot:  repoRoot,
		pipe:      pipe,
		schema:    validate.NewSchemaValidator(pipe.Canon(), pipe.Rules()),
		metrics:   audit.NewMetrics(),
		logger:    logger,
		Workers:   DefaultWorkers,
		ChunkSize: DefaultChunkSize,
	}
}

// Discover finds all modules, enforcing the rejected-prefix gate.
func (r *Runner) Discover() ([]registry.Module, error) {
	return registry.Discover(r.repoRoot, r.pipe.Rules().Exceptions.RejectedPrefixes)
}

// plan classifies every module up front. Schema validation runs against
// the planned records; in non-strict mode a failing module is skipped and
// its previous record retained unchanged.
func (r *Runner) plan(ctx context.Context, modules []registry.Module, strict bool, report *audit.RunReport) ([]*planned, error) {
	plans := make([]*planned, 0, len(modules))

	for _, mod := range modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := &planned{mod: mod}
		plans = append(plans, p)

		if mod.ManifestErr != nil {
			r.logger.Warn("Manifest unreadable, classifying on remaining signals",
				slog.String("path", mod.Path),
				slog.String("error", mod.ManifestErr.Error()))
			report.AddError("%s: %v", mod.Path, mod.ManifestErr)
		}

		prev, err := r.pipe.Store().Load(mod.Path)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return nil, err
		}
		p.before = prev

		rec, err := r.pipe.Classify(mod, nowUTC())
		if err != nil {
			if errors.Is(err, record.ErrSchemaRegression) && !strict {
				p.skip = true
				p.skipReason = err.Error()
				report.AddError("%s: %v", mod.Path, err)
				continue
			}
			return nil, fmt.Errorf("classify %s: %w", mod.Path, err)
		}
		p.after = rec

		schemaReport := &validate.Report{}
		r.schema.Check(rec, schemaReport)
		if !schemaReport.Valid() {
			r.metrics.ValidationFailures.Inc()
			for _, issue := range schemaReport.Issues {
				report.AddError("%s: %s", issue.Path, issue.Message)
			}
			if strict {
				return nil, fmt.Errorf("%w: %s", validate.ErrStrictValidation, mod.Path)
			}
			// Retain the previous record unchanged: no partial write.
			p.skip = true
			p.skipReason = "schema validation failed"
			continue
		}

		p.encoded, err = record.Encode(rec)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			prevEncoded, err := record.Encode(prev)
			if err != nil {
				return nil, err
			}
			p.changed = string(prevEncoded) != string(p.encoded)
		} else {
			p.changed = true
		}
		p.promotions = promotionsFor(prev, rec, r.pipe.Canon().Default)
	}

	return plans, nil
}

// promotionsFor lists categories newly assigned to a module. Falling into
// the default category is not a promotion.
func promotionsFor(before, after *record.ModuleRecord, defaultCategory string) []string {
	var promotions []string
	for _, category := range after.Categories {
		if category == defaultCategory {
			continue
		}
		if before == nil || !before.HasCategory(category) {
			promotions = append(promotions, category)
		}
	}
	sort.Strings(promotions)
	return promotions
}

// checkCeilings validates the aggregate plan against every ceiling before
// a single write happens. A breach aborts with no filesystem mutation.
func (r *Runner) checkCeilings(plans []*planned) error {
	ceilings := r.pipe.Rules().Ceilings

	total := 0
	perCategory := make(map[string]int)
	defaultOnly := 0
	counted := 0

	for _, p := range plans {
		if p.skip || p.after == nil {
			continue
		}
		counted++
		if r.pipe.IsDefaultOnly(p.after) {
			defaultOnly++
		}
		total += len(p.promotions)
		for _, category := range p.promotions {
			perCategory[category]++
		}
	}

	if ceilings.MaxPromotionsPerRun > 0 && total > ceilings.MaxPromotionsPerRun {
		return fmt.Errorf("%w: %d promotions, run ceiling %d",
			ErrCeilingExceeded, total, ceilings.MaxPromotionsPerRun)
	}
	for category, n := range perCategory {
		if ceilings.MaxPromotionsPerCategory > 0 && n > ceilings.MaxPromotionsPerCategory {
			return fmt.Errorf("%w: %d promotions into %s, category ceiling %d",
				ErrCeilingExceeded, n, category, ceilings.MaxPromotionsPerCategory)
		}
	}
	if counted > 0 && ceilings.MinDefaultCategoryPercentage > 0 {
		pct := defaultOnly * 100 / counted
		if pct < ceilings.MinDefaultCategoryPercentage {
			return fmt.Errorf("%w: default category share %d%% below floor %d%%",
				ErrCeilingExceeded, pct, ceilings.MinDefaultCategoryPercentage)
		}
	}
	return nil
}

// Generate runs the ungated end-to-end path: plan, validate, ceiling
// check, then atomic writes with per-write round-trip verification. Used
// for dry runs and targeted regeneration; whole-repository runs go
// through the canary-gated session flow instead.
func (r *Runner) Generate(ctx context.Context, opts Options) (*audit.RunReport, error) {
	report := audit.NewRunReport("", opts.DryRun)

	modules, err := r.Discover()
	if err != nil {
		report.GateFailure = err.Error()
		return report.Finish(), err
	}
	modules = filterModules(modules, opts.Paths)

	plans, err := r.plan(ctx, modules, opts.Strict, report)
	if err != nil {
		return report.Finish(), err
	}
	if err := r.checkCeilings(plans); err != nil {
		report.GateFailure = err.Error()
		r.metrics.GateFailures.WithLabelValues("ceiling").Inc()
		return report.Finish(), err
	}

	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return report.Finish(), err
		}
		r.reportPlan(report, p)
		if p.skip {
			continue
		}
		if !p.changed {
			continue
		}
		if opts.DryRun {
			continue
		}
		if err := r.writeVerified(p); err != nil {
			return report.Finish(), err
		}
	}

	if !opts.DryRun {
		if err := r.pinDigests(); err != nil {
			return report.Finish(), err
		}
	}
	return report.Finish(), nil
}

// reportPlan tallies one planned module into the report and metrics.
func (r *Runner) reportPlan(report *audit.RunReport, p *planned) {
	if p.skip {
		report.Skipped++
		return
	}
	r.metrics.ModulesProcessed.Inc()
	report.Processed++
	if !p.changed {
		report.Unchanged++
		return
	}
	var before []string
	if p.before != nil {
		before = p.before.Categories
	}
	report.RecordChange(p.mod.Path, before, p.after.Categories, p.promotions)
	for _, category := range p.promotions {
		r.metrics.Promotions.WithLabelValues(category).Inc()
	}
	if len(p.after.Suggestions) > 0 {
		r.metrics.Suggestions.Add(float64(len(p.after.Suggestions)))
	}
}

// writeVerified writes one record atomically, then re-reads it and
// compares against the intended bytes.
func (r *Runner) writeVerified(p *planned) error {
	store := r.pipe.Store()
	if err := store.Save(p.after); err != nil {
		return err
	}
	written, err := store.RawBytes(p.mod.Path)
	if err != nil {
		return err
	}
	if string(written) != string(p.encoded) {
		return fmt.Errorf("%w: round-trip mismatch for %s", ErrRollbackRequired, p.mod.Path)
	}
	return nil
}

// pinDigests writes the digests file for determinism auditing.
func (r *Runner) pinDigests() error {
	ruleDigest, canonDigest := r.pipe.Digests()
	return registry.SaveDigests(r.repoRoot, &registry.Digests{
		RuleDigest:    ruleDigest,
		CanonDigest:   canonDigest,
		SchemaVersion: record.SchemaVersion,
		PinnedAt:      nowUTC(),
	})
}

// filterModules keeps only the given paths; empty filter keeps all.
func filterModules(modules []registry.Module, paths []string) []registry.Module {
	if len(paths) == 0 {
		return modules
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[filepath.ToSlash(p)] = true
	}
	filtered := modules[:0]
	for _, mod := range modules {
		if want[mod.Path] {
			filtered = append(filtered, mod)
		}
	}
	return filtered
}

// Metrics exposes the run counters, e.g. for textfile export.
func (r *Runner) Metrics() *audit.Metrics {
	return r.metrics
}

// chunk splits plans into ChunkSize pieces; each chunk is owned by
// exactly one worker, so no record file is mutated by two goroutines.
func (r *Runner) chunk(plans []*planned) [][]*planned {
	size := r.ChunkSize
	if size < 1 {
		size = DefaultChunkSize
	}
	var chunks [][]*planned
	for start := 0; start < len(plans); start += size {
		end := start + size
		if end > len(plans) {
			end = len(plans)
		}
		chunks = append(chunks, plans[start:end])
	}
	return chunks
}

// writeChunks executes the planned writes with parallel workers, recording
// each completed path in the ledger immediately after its atomic write.
func (r *Runner) writeChunks(ctx context.Context, plans []*planned, ledger *Ledger) error {
	chunks := r.chunk(plans)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers)

	for _, chunk := range chunks {
		g.Go(func() error {
			for _, p := range chunk {
				if err := ctx.Err(); err != nil {
					return err
				}
				if p.skip {
					continue
				}
				if ledger.Done(p.mod.Path) {
					continue
				}
				if p.changed {
					if err := r.writeVerified(p); err != nil {
						return err
					}
				}
				if err := ledger.Record(p.mod.Path); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
