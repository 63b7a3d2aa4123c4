package scoring

import (
	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
)

// Outcome is the classification decision for one module.
type Outcome struct {
	// Categories are the assigned category IDs, highest confidence
	// first. Never empty: falls back to the canon default.
	Categories []string
	// Confidence holds the score for each assigned category. The
	// default category, when assigned by fallback, has no entry.
	Confidence map[string]float64
	// Suggestions are categories between minSuggest and minAutopromote,
	// recorded for observability only.
	Suggestions map[string]float64
}

// Classifier applies thresholds and the per-module category ceiling.
type Classifier struct {
	rules *config.Rules
	canon *canon.Canon
}

// NewClassifier creates a classifier over the given rules and canon.
func NewClassifier(rules *config.Rules, c *canon.Canon) *Classifier {
	return &Classifier{rules: rules, canon: c}
}

// Classify turns per-category confidences into a final assignment.
// Unknown categories are ignored; if nothing reaches minAutopromote the
// module stays in the canon default category.
func (c *Classifier) Classify(confidence map[string]float64) Outcome {
	out := Outcome{
		Confidence:  make(map[string]float64),
		Suggestions: make(map[string]float64),
	}

	for _, id := range sortedCategories(confidence) {
		if !c.canon.Has(id) {
			continue
		}
		score := confidence[id]
		switch {
		case score >= c.rules.Thresholds.MinAutopromote:
			if len(out.Categories) >= c.rules.Ceilings.MaxCategoriesPerModule {
				// Over the per-module ceiling: keep as suggestion
				// so the evidence stays visible.
				out.Suggestions[id] = score
				continue
			}
			out.Categories = append(out.Categories, id)
			out.Confidence[id] = score
		case score >= c.rules.Thresholds.MinSuggest:
			out.Suggestions[id] = score
		}
	}

	if len(out.Categories) == 0 {
		out.Categories = []string{c.canon.Default}
	}
	if len(out.Suggestions) == 0 {
		out.Suggestions = nil
	}
	if len(out.Confidence) == 0 {
		out.Confidence = nil
	}
	return out
}

// IsDefaultOnly reports whether the outcome left the module in the canon
// default category with no promoted assignment.
func (o Outcome) IsDefaultOnly(c *canon.Canon) bool {
	return len(o.Categories) == 1 && o.Categories[0] == c.Default && len(o.Confidence) == 0
}
