package pipeline

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, rules *config.Rules) *Pipeline {
	t.Helper()
	store := record.NewStore(t.TempDir())
	p, err := New(rules, canon.DefaultCanon(), store, discardLogger())
	require.NoError(t, err)
	return p
}

func TestNewRejectsInvalidRules(t *testing.T) {
	rules := config.DefaultRules()
	rules.Thresholds.MinSuggest = 2.0

	_, err := New(rules, canon.DefaultCanon(), record.NewStore(t.TempDir()), discardLogger())
	assert.Error(t, err)
}

func TestClassifyPromotesOnCapability(t *testing.T) {
	rules := config.DefaultRules()
	rules.Matchers = map[string]config.Matcher{
		"storage": {Capabilities: []string{"storage-engine"}},
	}
	p := newTestPipeline(t, rules)

	mod := registry.Module{
		Path: "svc/auth",
		Manifest: &registry.Manifest{
			Name:         "auth",
			Capabilities: []string{"storage-engine"},
			Owner:        "platform",
			Tier:         2,
		},
	}
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	rec, err := p.Classify(mod, now)
	require.NoError(t, err)

	assert.Equal(t, []string{"storage"}, rec.Categories)
	assert.InDelta(t, 0.75, rec.Confidence["storage"], 1e-9)
	assert.Equal(t, "auth", rec.Name)
	assert.Equal(t, "platform", rec.Owner)
	assert.Equal(t, 2, rec.Tier)
	assert.False(t, p.IsDefaultOnly(rec))

	ruleDigest, canonDigest := p.Digests()
	assert.Equal(t, ruleDigest, rec.RuleDigest)
	assert.Equal(t, canonDigest, rec.CanonDigest)
}

func TestClassifyFallsBackToDefault(t *testing.T) {
	p := newTestPipeline(t, config.DefaultRules())

	rec, err := p.Classify(registry.Module{Path: "lib/util"}, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, []string{"support"}, rec.Categories)
	assert.Empty(t, rec.Confidence)
	assert.True(t, p.IsDefaultOnly(rec))
}

func TestClassifyManifestStarOverride(t *testing.T) {
	p := newTestPipeline(t, config.DefaultRules())

	mod := registry.Module{
		Path:     "svc/core-api",
		Manifest: &registry.Manifest{Name: "core-api", Star: "core"},
	}
	rec, err := p.Classify(mod, time.Now().UTC())
	require.NoError(t, err)

	// system-override strength 1.0 at the default weight clears the
	// autopromote threshold on its own.
	assert.Equal(t, []string{"core"}, rec.Categories)
	assert.InDelta(t, 0.90, rec.Confidence["core"], 1e-9)
}

func TestClassifyPreservesPreviousFields(t *testing.T) {
	p := newTestPipeline(t, config.DefaultRules())
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	prev := &record.ModuleRecord{
		Path:          "lib/util",
		Name:          "curated-name",
		Owner:         "platform",
		Tier:          1,
		ContractRefs:  []string{"CNT-0001"},
		Categories:    []string{"support"},
		SchemaVersion: record.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, p.Store().Save(prev))

	mod := registry.Module{
		Path:     "lib/util",
		Manifest: &registry.Manifest{Name: "renamed", Owner: "other-team"},
	}
	rec, err := p.Classify(mod, now.Add(time.Hour))
	require.NoError(t, err)

	// Name tracks the manifest; ownership metadata is preserved.
	assert.Equal(t, "renamed", rec.Name)
	assert.Equal(t, "platform", rec.Owner)
	assert.Equal(t, 1, rec.Tier)
	assert.Equal(t, []string{"CNT-0001"}, rec.ContractRefs)
	assert.Equal(t, now, rec.CreatedAt)
}

func TestForceOverride(t *testing.T) {
	rules := config.DefaultRules()
	rules.Exceptions.ForceOverride = []string{"migrations/**", "bad-[glob"}
	p := newTestPipeline(t, rules)

	assert.True(t, p.ForceOverride("migrations/2024-users"))
	assert.False(t, p.ForceOverride("svc/auth"))
	// Malformed globs never match.
	assert.False(t, p.ForceOverride("bad-x"))
}
