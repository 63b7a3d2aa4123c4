package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
)

func testCanon() *canon.Canon {
	return &canon.Canon{
		Default: "support",
		Categories: []canon.Category{
			{ID: "core"}, {ID: "storage"}, {ID: "support"},
		},
	}
}

func validRecord(path string) *record.ModuleRecord {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return &record.ModuleRecord{
		Path:          path,
		Name:          "m",
		Categories:    []string{"storage"},
		Confidence:    map[string]float64{"storage": 0.8},
		SchemaVersion: record.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSchemaCheckValidRecord(t *testing.T) {
	v := NewSchemaValidator(testCanon(), config.DefaultRules())
	report := &Report{}
	v.Check(validRecord("svc/auth"), report)
	assert.True(t, report.Valid())
}

func TestSchemaCheckFindings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*record.ModuleRecord)
		wantMsg string
	}{
		{
			name:    "missing name",
			mutate:  func(r *record.ModuleRecord) { r.Name = "" },
			wantMsg: "no name",
		},
		{
			name:    "missing schema version",
			mutate:  func(r *record.ModuleRecord) { r.SchemaVersion = "" },
			wantMsg: "no schema version",
		},
		{
			name:    "future schema version",
			mutate:  func(r *record.ModuleRecord) { r.SchemaVersion = "99.0.0" },
			wantMsg: "newer than supported",
		},
		{
			name:    "no categories",
			mutate:  func(r *record.ModuleRecord) { r.Categories = nil },
			wantMsg: "no categories",
		},
		{
			name:    "unknown category",
			mutate:  func(r *record.ModuleRecord) { r.Categories = []string{"bogus"} },
			wantMsg: "unknown category",
		},
		{
			name:    "confidence out of range",
			mutate:  func(r *record.ModuleRecord) { r.Confidence["storage"] = 1.5 },
			wantMsg: "out of range",
		},
		{
			name:    "negative tier",
			mutate:  func(r *record.ModuleRecord) { r.Tier = -1 },
			wantMsg: "negative tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewSchemaValidator(testCanon(), config.DefaultRules())
			rec := validRecord("svc/auth")
			tt.mutate(rec)

			report := &Report{}
			v.Check(rec, report)
			require.False(t, report.Valid())
			assert.Contains(t, report.Issues[0].Message, tt.wantMsg)
		})
	}
}

func TestSchemaCheckRejectedPrefix(t *testing.T) {
	rules := config.DefaultRules()
	rules.Exceptions.RejectedPrefixes = []string{"legacy/"}
	v := NewSchemaValidator(testCanon(), rules)

	report := &Report{}
	v.Check(validRecord("legacy/old"), report)
	require.False(t, report.Valid())
	assert.Contains(t, report.Issues[0].Message, "rejected legacy prefix")
}

func TestSchemaRunOverStore(t *testing.T) {
	store := record.NewStore(t.TempDir())
	require.NoError(t, store.Save(validRecord("svc/auth")))

	bad := validRecord("svc/busted")
	bad.Categories = []string{"bogus"}
	require.NoError(t, store.Save(bad))

	v := NewSchemaValidator(testCanon(), config.DefaultRules())

	report, err := v.Run(store, false)
	require.NoError(t, err, "non-strict mode collects issues without failing")
	assert.Equal(t, 2, report.Checked)
	assert.Len(t, report.Issues, 1)

	_, err = v.Run(store, true)
	assert.ErrorIs(t, err, ErrStrictValidation)
}
