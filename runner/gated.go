package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/starmap/audit"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
)

// BuildCanarySession samples the canary set and creates a CanaryBuilt
// session on disk.
func (r *Runner) BuildCanarySession(samplePercent int) (*Session, error) {
	modules, err := r.Discover()
	if err != nil {
		return nil, err
	}

	canary, err := BuildCanary(modules, samplePercent, r.pipe.Rules().Exceptions.ForceInclude)
	if err != nil {
		return nil, err
	}

	session := NewSession()
	session.Canary = canary
	session.SamplePercent = samplePercent
	if err := session.Transition(StateCanaryBuilt); err != nil {
		return nil, err
	}
	if err := SaveSession(r.repoRoot, session); err != nil {
		return nil, err
	}

	r.logger.Info("Canary built",
		slog.String("session", session.ID),
		slog.Int("modules", len(modules)),
		slog.Int("canary", len(canary)))
	return session, nil
}

// RunCanary classifies the canary set without writing anything and stores
// the report in the session directory for the human approver.
func (r *Runner) RunCanary(ctx context.Context, session *Session) (*audit.RunReport, error) {
	if session.State != StateCanaryBuilt {
		return nil, fmt.Errorf("%w: %s is %s, want %s",
			ErrBadTransition, session.ID, session.State, StateCanaryBuilt)
	}

	report, err := r.Generate(ctx, Options{DryRun: true, Paths: session.Canary})
	if err != nil {
		return report, err
	}
	report.SessionID = session.ID

	path := filepath.Join(SessionDir(r.repoRoot, session.ID), CanaryFile)
	if err := report.Save(path); err != nil {
		return report, err
	}
	return report, nil
}

// Approve records the explicit approval marker. Without it, RunFull
// treats the canary as rejected.
func (r *Runner) Approve(session *Session, approvedBy string) error {
	if err := WriteApproval(r.repoRoot, session, approvedBy); err != nil {
		return err
	}
	r.logger.Info("Canary approved",
		slog.String("session", session.ID),
		slog.String("approved_by", approvedBy))
	return nil
}

// Reject marks the canary rejected and aborts the session.
func (r *Runner) Reject(session *Session) error {
	if err := session.Transition(StateCanaryRejected); err != nil {
		return err
	}
	if err := session.Transition(StateAborted); err != nil {
		return err
	}
	return SaveSession(r.repoRoot, session)
}

// RunFull executes the approved full run: aggregate plan and ceiling
// check before any write, snapshot, chunked parallel writes with the
// resumability ledger, then post-run validation. A validation failure
// rolls every record back from the snapshot.
func (r *Runner) RunFull(ctx context.Context, session *Session, opts Options) (*audit.RunReport, error) {
	report := audit.NewRunReport(session.ID, false)

	// Fail closed: the approval marker must exist on disk.
	if _, err := LoadApproval(r.repoRoot, session); err != nil {
		r.metrics.GateFailures.WithLabelValues("approval").Inc()
		report.GateFailure = err.Error()
		return report.Finish(), err
	}

	resuming := session.State == StateFullRunInProgress
	if !resuming {
		if err := session.Transition(StateFullRunInProgress); err != nil {
			return report.Finish(), err
		}
		if err := SaveSession(r.repoRoot, session); err != nil {
			return report.Finish(), err
		}
	}

	modules, err := r.Discover()
	if err != nil {
		r.metrics.GateFailures.WithLabelValues("legacy-path").Inc()
		report.GateFailure = err.Error()
		return report.Finish(), err
	}

	plans, err := r.plan(ctx, modules, opts.Strict, report)
	if err != nil {
		return report.Finish(), err
	}
	if err := r.checkCeilings(plans); err != nil {
		r.metrics.GateFailures.WithLabelValues("ceiling").Inc()
		report.GateFailure = err.Error()
		return report.Finish(), err
	}

	// Backup every record the run may touch, once. On resume the
	// original pre-run snapshot is kept.
	var snapshot *Snapshot
	if session.SnapshotRef == "" {
		paths := make([]string, 0, len(plans))
		for _, p := range plans {
			paths = append(paths, p.mod.Path)
		}
		snapshot, err = TakeSnapshot(r.repoRoot, session.ID, r.pipe.Store(), paths)
		if err != nil {
			return report.Finish(), err
		}
		session.SnapshotRef = snapshot.Dir
		if err := SaveSession(r.repoRoot, session); err != nil {
			return report.Finish(), err
		}
	} else {
		snapshot, err = LoadSnapshot(r.repoRoot, session.ID)
		if err != nil {
			return report.Finish(), err
		}
	}

	ledger, err := OpenLedger(r.repoRoot, session.ID)
	if err != nil {
		return report.Finish(), err
	}
	defer ledger.Close()
	report.Resumed = ledger.Count()

	for _, p := range plans {
		if !ledger.Done(p.mod.Path) {
			r.reportPlan(report, p)
		}
	}

	if err := r.writeChunks(ctx, plans, ledger); err != nil {
		return report.Finish(), err
	}

	if err := r.postRunValidate(plans, snapshot); err != nil {
		if errors.Is(err, ErrRollbackRequired) {
			restored, rbErr := r.Rollback(session)
			if rbErr != nil {
				return report.Finish(), fmt.Errorf("%v; rollback also failed: %w", err, rbErr)
			}
			report.Restored = restored
			report.GateFailure = err.Error()
			return report.Finish(), err
		}
		return report.Finish(), err
	}

	if err := session.Transition(StatePostRunValidated); err != nil {
		return report.Finish(), err
	}
	if err := session.Transition(StateCommitted); err != nil {
		return report.Finish(), err
	}
	if err := SaveSession(r.repoRoot, session); err != nil {
		return report.Finish(), err
	}
	if err := r.pinDigests(); err != nil {
		return report.Finish(), err
	}

	report.Finish()
	sessionDir := SessionDir(r.repoRoot, session.ID)
	if err := report.Save(filepath.Join(sessionDir, ReportFile)); err != nil {
		return report, err
	}
	if err := savePromotions(sessionDir, report); err != nil {
		return report, err
	}
	if err := r.metrics.WriteTextfile(filepath.Join(sessionDir, MetricsFile)); err != nil {
		return report, err
	}

	r.logger.Info("Full run committed",
		slog.String("session", session.ID),
		slog.Int("processed", report.Processed),
		slog.Int("promotions", report.TotalPromotions))
	return report, nil
}

// postRunValidate re-reads every written record, compares it to the
// intended bytes, and re-verifies the preservation invariants against the
// pre-run snapshot.
func (r *Runner) postRunValidate(plans []*planned, snapshot *Snapshot) error {
	store := r.pipe.Store()

	// Records absent at snapshot time have nothing to preserve, even if
	// an interrupted earlier pass already wrote them.
	created := make(map[string]bool, len(snapshot.Created))
	for _, path := range snapshot.Created {
		created[path] = true
	}

	for _, p := range plans {
		if p.skip {
			continue
		}

		written, err := store.RawBytes(p.mod.Path)
		if err != nil {
			return fmt.Errorf("%w: %s unreadable after write: %v",
				ErrRollbackRequired, p.mod.Path, err)
		}
		if string(written) != string(p.encoded) {
			return fmt.Errorf("%w: round-trip mismatch for %s",
				ErrRollbackRequired, p.mod.Path)
		}

		if p.before == nil || created[p.mod.Path] || r.pipe.ForceOverride(p.mod.Path) {
			continue
		}
		snapBytes, err := snapshot.RecordBytes(p.mod.Path)
		if err != nil {
			return fmt.Errorf("%w: missing snapshot for %s",
				ErrRollbackRequired, p.mod.Path)
		}
		snapRec, err := decodeRecord(snapBytes)
		if err != nil {
			return fmt.Errorf("%w: unreadable snapshot for %s: %v",
				ErrRollbackRequired, p.mod.Path, err)
		}
		if !record.PreservedEqual(snapRec, p.after) {
			return fmt.Errorf("%w: preserved fields changed for %s",
				ErrRollbackRequired, p.mod.Path)
		}
	}
	return nil
}

// Rollback restores every snapshotted record and removes records created
// during the run, then marks the session rolled back. Only sessions that
// took a snapshot can be rolled back: in-progress, post-run-validated, or
// already committed.
func (r *Runner) Rollback(session *Session) ([]string, error) {
	switch session.State {
	case StateFullRunInProgress, StatePostRunValidated, StateCommitted:
	default:
		return nil, fmt.Errorf("%w: cannot roll back session %s in state %s",
			ErrBadTransition, session.ID, session.State)
	}

	snapshot, err := LoadSnapshot(r.repoRoot, session.ID)
	if err != nil {
		return nil, err
	}
	restored, err := snapshot.Restore(r.pipe.Store())
	if err != nil {
		return restored, err
	}

	if session.State == StateFullRunInProgress {
		if err := session.Transition(StatePostRunValidated); err != nil {
			return restored, err
		}
	}
	if err := session.Transition(StateRolledBack); err != nil {
		return restored, err
	}
	if err := SaveSession(r.repoRoot, session); err != nil {
		return restored, err
	}

	r.logger.Warn("Run rolled back",
		slog.String("session", session.ID),
		slog.String("snapshot", snapshot.Dir),
		slog.Int("restored", len(restored)))
	return restored, nil
}

// IsGateFailure reports whether an error is a safety-gate failure (exit
// code 3 for the CLI): ceiling breach, missing canary approval, or a
// rejected legacy path.
func IsGateFailure(err error) bool {
	return errors.Is(err, ErrCeilingExceeded) ||
		errors.Is(err, ErrNotApproved) ||
		errors.Is(err, registry.ErrRejectedPrefix)
}

// savePromotions writes the per-module before/after category ledger.
func savePromotions(sessionDir string, report *audit.RunReport) error {
	data, err := json.MarshalIndent(report.Changes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal promotions ledger: %w", err)
	}
	path := filepath.Join(sessionDir, PromotionsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write promotions ledger: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*record.ModuleRecord, error) {
	var rec record.ModuleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
