// Package scoring converts extracted signals into per-category confidence
// scores and applies the promotion thresholds.
//
// The combination rule is a clamped weighted sum: for each category, the
// strongest signal of each kind contributes weight(kind) * strength, and
// the contributions are summed and clamped to [0,1]. Sum (rather than max
// or average) keeps the score monotone in added corroborating evidence:
// an override below the autopromote threshold can be pushed over it by a
// weaker path or owner signal, and never pushed under.
package scoring

import (
	"sort"

	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/signal"
)

// Engine scores signal sets against the configured weights.
type Engine struct {
	rules *config.Rules
}

// NewEngine creates a scoring engine.
func NewEngine(rules *config.Rules) *Engine {
	return &Engine{rules: rules}
}

// Score returns the confidence per candidate category for one module's
// signals. Categories with no signal are absent from the result.
func (e *Engine) Score(signals []signal.Signal) map[string]float64 {
	// strongest signal per (category, kind)
	strongest := make(map[string]map[string]float64)
	for _, s := range signals {
		if s.Strength <= 0 {
			continue
		}
		kinds, ok := strongest[s.Category]
		if !ok {
			kinds = make(map[string]float64)
			strongest[s.Category] = kinds
		}
		if s.Strength > kinds[s.Kind] {
			kinds[s.Kind] = s.Strength
		}
	}

	confidence := make(map[string]float64, len(strongest))
	for category, kinds := range strongest {
		var sum float64
		for kind, strength := range kinds {
			sum += e.rules.Weights.For(kind) * strength
		}
		confidence[category] = clamp01(sum)
	}
	return confidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sortedCategories returns the map keys sorted by descending confidence,
// ties broken by ascending category ID for stable output.
func sortedCategories(confidence map[string]float64) []string {
	ids := make([]string, 0, len(confidence))
	for id := range confidence {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if confidence[ids[i]] != confidence[ids[j]] {
			return confidence[ids[i]] > confidence[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
