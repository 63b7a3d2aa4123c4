// Package audit builds the structured before/after reports emitted at the
// end of classification runs.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Change is one module's before/after category diff.
type Change struct {
	Path       string   `json:"path"`
	Before     []string `json:"before,omitempty"`
	After      []string `json:"after"`
	Promotions []string `json:"promotions,omitempty"`
	// Diff is a human-readable structural diff of the category sets.
	Diff string `json:"diff,omitempty"`
}

// RunReport is the final report for one generate/canary/full run.
type RunReport struct {
	SessionID string    `json:"session_id,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Processed int `json:"processed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Resumed   int `json:"resumed,omitempty"`

	TotalPromotions int            `json:"total_promotions"`
	Promotions      map[string]int `json:"promotions,omitempty"`

	Changes []Change `json:"changes,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	// GateFailure names the safety gate that aborted the run, if any.
	GateFailure string `json:"gate_failure,omitempty"`
	// Restored lists records restored from snapshot after a rollback.
	Restored []string `json:"restored,omitempty"`
}

// NewRunReport starts a report.
func NewRunReport(sessionID string, dryRun bool) *RunReport {
	return &RunReport{
		SessionID:  sessionID,
		DryRun:     dryRun,
		StartedAt:  time.Now().UTC(),
		Promotions: make(map[string]int),
	}
}

// RecordChange adds a before/after diff and tallies its promotions.
func (r *RunReport) RecordChange(path string, before, after, promotions []string) {
	change := Change{
		Path:       path,
		Before:     before,
		After:      after,
		Promotions: promotions,
	}
	if diff := cmp.Diff(before, after); diff != "" {
		change.Diff = diff
	}
	r.Changes = append(r.Changes, change)
	for _, category := range promotions {
		r.Promotions[category]++
		r.TotalPromotions++
	}
}

// AddError collects a per-module error for the final report.
func (r *RunReport) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Finish stamps the end time and returns the report for chaining.
func (r *RunReport) Finish() *RunReport {
	r.EndedAt = time.Now().UTC()
	sort.Slice(r.Changes, func(i, j int) bool { return r.Changes[i].Path < r.Changes[j].Path })
	return r
}

// Summary renders the human-readable promotion summary.
func (r *RunReport) Summary() string {
	var sb strings.Builder

	mode := "run"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(&sb, "Classification %s: %d processed, %d unchanged, %d skipped\n",
		mode, r.Processed, r.Unchanged, r.Skipped)
	if r.Resumed > 0 {
		fmt.Fprintf(&sb, "Resumed past %d already-completed modules\n", r.Resumed)
	}

	fmt.Fprintf(&sb, "Promotions: %d total\n", r.TotalPromotions)
	categories := make([]string, 0, len(r.Promotions))
	for category := range r.Promotions {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		fmt.Fprintf(&sb, "  %-16s %d\n", category, r.Promotions[category])
	}

	if r.GateFailure != "" {
		fmt.Fprintf(&sb, "ABORTED: %s\n", r.GateFailure)
	}
	if len(r.Restored) > 0 {
		fmt.Fprintf(&sb, "Rolled back: %d record(s) restored from snapshot\n", len(r.Restored))
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(&sb, "Errors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(&sb, "  %s\n", e)
		}
	}
	return sb.String()
}

// Save writes the report as JSON.
func (r *RunReport) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
