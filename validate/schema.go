// Package validate checks module records for structural conformance and
// contract-reference integrity. In non-strict mode failures are recorded
// and the previous record is retained unchanged; in strict mode any
// failure aborts the run before writes commit.
package validate

import (
	"errors"
	"fmt"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
)

// ErrStrictValidation is returned when strict mode encounters any issue.
var ErrStrictValidation = errors.New("strict validation failed")

// Issue is one validation finding for one record.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Report collects validation findings across a record set.
type Report struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Valid reports whether no issues were found.
func (r *Report) Valid() bool {
	return len(r.Issues) == 0
}

func (r *Report) add(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// SchemaValidator validates records against the canon and rules.
type SchemaValidator struct {
	canon *canon.Canon
	rules *config.Rules
}

// NewSchemaValidator creates a schema validator.
func NewSchemaValidator(c *canon.Canon, rules *config.Rules) *SchemaValidator {
	return &SchemaValidator{canon: c, rules: rules}
}

// Check validates a single record, appending findings to the report.
func (v *SchemaValidator) Check(rec *record.ModuleRecord, report *Report) {
	if rec.Path == "" {
		report.add("", "record has no path")
		return
	}
	if err := registry.ValidatePath(rec.Path, v.rules.Exceptions.RejectedPrefixes); err != nil {
		report.add(rec.Path, "%v", err)
	}
	if rec.Name == "" {
		report.add(rec.Path, "record has no name")
	}
	if rec.SchemaVersion == "" {
		report.add(rec.Path, "record has no schema version")
	} else if record.CompareSchemaVersions(rec.SchemaVersion, record.SchemaVersion) > 0 {
		report.add(rec.Path, "schema version %s is newer than supported %s",
			rec.SchemaVersion, record.SchemaVersion)
	}

	if len(rec.Categories) == 0 {
		report.add(rec.Path, "record has no categories")
	}
	if len(rec.Categories) > v.rules.Ceilings.MaxCategoriesPerModule {
		report.add(rec.Path, "record has %d categories, ceiling is %d",
			len(rec.Categories), v.rules.Ceilings.MaxCategoriesPerModule)
	}
	for _, id := range rec.Categories {
		if !v.canon.Has(id) {
			report.add(rec.Path, "unknown category: %s", id)
		}
	}
	for id, score := range rec.Confidence {
		if !v.canon.Has(id) {
			report.add(rec.Path, "confidence for unknown category: %s", id)
		}
		if score < 0 || score > 1 {
			report.add(rec.Path, "confidence for %s out of range: %f", id, score)
		}
	}
	if rec.Tier < 0 {
		report.add(rec.Path, "negative tier: %d", rec.Tier)
	}
}

// Run validates every record in the store. In strict mode a non-empty
// report is also returned as an error.
func (v *SchemaValidator) Run(store *record.Store, strict bool) (*Report, error) {
	paths, err := store.List()
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(paths)}
	for _, path := range paths {
		rec, err := store.Load(path)
		if err != nil {
			report.add(path, "unreadable record: %v", err)
			continue
		}
		v.Check(rec, report)
	}

	if strict && !report.Valid() {
		return report, fmt.Errorf("%w: %d issue(s)", ErrStrictValidation, len(report.Issues))
	}
	return report, nil
}
