// Package record defines the canonical module record and the merge rules
// that carry preserved fields across regeneration runs.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the record schema produced by this build.
const SchemaVersion = "1.0.0"

// Sentinel errors for record operations.
var (
	ErrPathRequired     = errors.New("record path is required")
	ErrSchemaRegression = errors.New("schema version must not decrease")
)

// ModuleRecord is the persisted classification record for one module.
// Path is the primary key and mirrors the module's source path exactly.
type ModuleRecord struct {
	Path         string   `json:"path"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Preserved fields: copied forward verbatim across runs unless the
	// module path is on the forced-override list.
	Owner        string   `json:"owner,omitempty"`
	Tier         int      `json:"tier"`
	ContractRefs []string `json:"contract_refs,omitempty"`

	Categories []string `json:"categories"`
	// Confidence maps each assigned category to its score.
	Confidence map[string]float64 `json:"confidence,omitempty"`
	// Suggestions are categories that reached minSuggest but not
	// minAutopromote. Observability only; they never feed ceilings.
	Suggestions map[string]float64 `json:"suggestions,omitempty"`

	SchemaVersion string `json:"schema_version"`
	RuleDigest    string `json:"rule_digest,omitempty"`
	CanonDigest   string `json:"canon_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCategory reports whether the record carries the given category.
func (r *ModuleRecord) HasCategory(id string) bool {
	for _, c := range r.Categories {
		if c == id {
			return true
		}
	}
	return false
}

// PreservedEqual reports whether the preserved fields of two records are
// identical. Used by post-run validation against the backup snapshot.
func PreservedEqual(before, after *ModuleRecord) bool {
	if before == nil || after == nil {
		return before == after
	}
	if before.Owner != after.Owner || before.Tier != after.Tier {
		return false
	}
	if len(before.ContractRefs) != len(after.ContractRefs) {
		return false
	}
	for i, ref := range before.ContractRefs {
		if after.ContractRefs[i] != ref {
			return false
		}
	}
	return true
}

// CompareSchemaVersions compares two dotted version strings component-wise.
// Returns -1, 0, or 1. Missing components compare as zero.
func CompareSchemaVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CheckSchemaMonotonic returns ErrSchemaRegression when next is an older
// schema version than prev.
func CheckSchemaMonotonic(prev, next string) error {
	if prev == "" {
		return nil
	}
	if CompareSchemaVersions(next, prev) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrSchemaRegression, prev, next)
	}
	return nil
}
