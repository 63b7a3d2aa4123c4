package record

import (
	"encoding/json"
	"time"

	"github.com/c360studio/starmap/scoring"
)

// BuildInput carries everything the builder needs for one module. Manifest
// fields are passed flat so the builder stays independent of discovery.
type BuildInput struct {
	Path         string
	Name         string
	Capabilities []string
	Dependencies []string

	// Manifest-declared ownership metadata, used only for first-time
	// records or when ForceOverride is set.
	Owner        string
	Tier         int
	ContractRefs []string

	Outcome  scoring.Outcome
	Previous *ModuleRecord

	// ForceOverride lets the manifest values replace preserved fields.
	ForceOverride bool

	RuleDigest  string
	CanonDigest string
	Now         time.Time
}

// Build merges a classification outcome with the previous record. The
// preserved fields (owner, tier, contractRefs) are copied forward verbatim
// from the previous record unless ForceOverride is set. The result reuses
// the previous timestamps when nothing else changed, so an unchanged
// module round-trips byte-identical.
func Build(in BuildInput) (*ModuleRecord, error) {
	if in.Path == "" {
		return nil, ErrPathRequired
	}

	rec := &ModuleRecord{
		Path:          in.Path,
		Name:          in.Name,
		Capabilities:  in.Capabilities,
		Dependencies:  in.Dependencies,
		Owner:         in.Owner,
		Tier:          in.Tier,
		ContractRefs:  in.ContractRefs,
		Categories:    in.Outcome.Categories,
		Confidence:    in.Outcome.Confidence,
		Suggestions:   in.Outcome.Suggestions,
		SchemaVersion: SchemaVersion,
		RuleDigest:    in.RuleDigest,
		CanonDigest:   in.CanonDigest,
		CreatedAt:     in.Now,
		UpdatedAt:     in.Now,
	}

	if in.Previous != nil {
		if err := CheckSchemaMonotonic(in.Previous.SchemaVersion, rec.SchemaVersion); err != nil {
			return nil, err
		}
		rec.CreatedAt = in.Previous.CreatedAt

		if !in.ForceOverride {
			rec.Owner = in.Previous.Owner
			rec.Tier = in.Previous.Tier
			rec.ContractRefs = append([]string(nil), in.Previous.ContractRefs...)
		}

		if equalIgnoringUpdatedAt(rec, in.Previous) {
			rec.UpdatedAt = in.Previous.UpdatedAt
		}
	}

	return rec, nil
}

// equalIgnoringUpdatedAt compares two records with UpdatedAt zeroed.
func equalIgnoringUpdatedAt(a, b *ModuleRecord) bool {
	ac, bc := *a, *b
	ac.UpdatedAt = time.Time{}
	bc.UpdatedAt = time.Time{}
	aj, errA := json.Marshal(ac)
	bj, errB := json.Marshal(bc)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
