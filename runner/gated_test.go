package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/starmap/registry"
)

func seedRepo(t *testing.T, repo string) {
	t.Helper()
	writeManifest(t, repo, "svc/auth", "capabilities:\n  - storage-engine\n")
	writeManifest(t, repo, "svc/billing", "owner: payments\n")
	writeManifest(t, repo, "lib/util", "")
}

func TestBuildCanarySessionPersists(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)

	assert.Equal(t, StateCanaryBuilt, session.State)
	assert.Equal(t, 34, session.SamplePercent)
	assert.NotEmpty(t, session.Canary)

	loaded, err := LoadSession(repo, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Canary, loaded.Canary)
}

func TestRunCanaryDryRunOnly(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(100)
	require.NoError(t, err)

	report, err := r.RunCanary(context.Background(), session)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, session.ID, report.SessionID)
	assert.Equal(t, 3, report.Processed)

	// The canary classifies without writing a single record.
	paths, err := r.pipe.Store().List()
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = os.Stat(filepath.Join(SessionDir(repo, session.ID), CanaryFile))
	assert.NoError(t, err, "canary report saved for the approver")
}

func TestRunCanaryRequiresCanaryBuilt(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	_, err := r.RunCanary(context.Background(), NewSession())
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestRunFullFailsClosedWithoutApproval(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)

	report, err := r.RunFull(context.Background(), session, Options{})
	require.ErrorIs(t, err, ErrNotApproved)
	assert.True(t, IsGateFailure(err))
	assert.NotEmpty(t, report.GateFailure)

	paths, listErr := r.pipe.Store().List()
	require.NoError(t, listErr)
	assert.Empty(t, paths, "a rejected canary writes nothing")
}

func TestRunFullCommits(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)
	require.NoError(t, r.Approve(session, "alice"))

	report, err := r.RunFull(context.Background(), session, Options{})
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, session.State)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.TotalPromotions)

	store := r.pipe.Store()
	for _, path := range []string{"svc/auth", "svc/billing", "lib/util"} {
		assert.True(t, store.Exists(path), path)
	}

	sessionDir := SessionDir(repo, session.ID)
	for _, file := range []string{ReportFile, PromotionsFile, MetricsFile, LedgerFile} {
		_, statErr := os.Stat(filepath.Join(sessionDir, file))
		assert.NoError(t, statErr, file)
	}

	digests, err := registry.LoadDigests(repo)
	require.NoError(t, err)
	assert.NotEmpty(t, digests.RuleDigest)
}

func TestRunFullResumesFromLedger(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	store := r.pipe.Store()

	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)
	require.NoError(t, r.Approve(session, "alice"))

	// Simulate a crash partway through an earlier pass: the run was in
	// progress, the snapshot taken, and one module already completed.
	require.NoError(t, session.Transition(StateFullRunInProgress))
	snapshot, err := TakeSnapshot(repo, session.ID, store,
		[]string{"lib/util", "svc/auth", "svc/billing"})
	require.NoError(t, err)
	session.SnapshotRef = snapshot.Dir
	require.NoError(t, SaveSession(repo, session))

	_, err = r.Generate(context.Background(), Options{Paths: []string{"lib/util"}})
	require.NoError(t, err)
	ledger, err := OpenLedger(repo, session.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.Record("lib/util"))
	require.NoError(t, ledger.Close())

	report, err := r.RunFull(context.Background(), session, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 2, report.Processed, "completed modules are not reprocessed")
	assert.Equal(t, StateCommitted, session.State)
	for _, path := range []string{"svc/auth", "svc/billing", "lib/util"} {
		assert.True(t, store.Exists(path), path)
	}
}

func TestRejectAbortsSession(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)
	require.NoError(t, r.Reject(session))

	assert.Equal(t, StateAborted, session.State)

	loaded, err := LoadSession(repo, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, loaded.State)

	// An aborted session can never be approved afterwards.
	assert.ErrorIs(t, WriteApproval(repo, session, "alice"), ErrBadTransition)
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	store := r.pipe.Store()

	_, err := r.Generate(context.Background(), Options{})
	require.NoError(t, err)
	original, err := store.RawBytes("svc/auth")
	require.NoError(t, err)

	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)
	require.NoError(t, r.Approve(session, "alice"))
	require.NoError(t, session.Transition(StateFullRunInProgress))

	snapshot, err := TakeSnapshot(repo, session.ID, store,
		[]string{"svc/auth", "svc/new"})
	require.NoError(t, err)
	session.SnapshotRef = snapshot.Dir
	require.NoError(t, SaveSession(repo, session))

	// Corrupt one record and create one the run would have introduced.
	seedRecord(t, store, "svc/auth", "core")
	seedRecord(t, store, "svc/new", "support")

	restored, err := r.Rollback(session)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc/auth"}, restored)
	assert.Equal(t, StateRolledBack, session.State)

	after, err := store.RawBytes("svc/auth")
	require.NoError(t, err)
	assert.Equal(t, string(original), string(after))
	assert.False(t, store.Exists("svc/new"))
}

func TestRollbackAfterCommit(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	store := r.pipe.Store()

	_, err := r.Generate(context.Background(), Options{})
	require.NoError(t, err)
	original, err := store.RawBytes("svc/auth")
	require.NoError(t, err)

	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)
	require.NoError(t, r.Approve(session, "alice"))

	// Committed runs keep their snapshot; roll back from it afterwards.
	report, err := r.RunFull(context.Background(), session, Options{})
	require.NoError(t, err)
	require.Equal(t, StateCommitted, session.State)
	require.Zero(t, report.TotalPromotions, "records regenerate unchanged")

	seedRecord(t, store, "svc/auth", "core")

	restored, err := r.Rollback(session)
	require.NoError(t, err)
	assert.Contains(t, restored, "svc/auth")
	assert.Equal(t, StateRolledBack, session.State)

	loaded, err := LoadSession(repo, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, loaded.State)

	after, err := store.RawBytes("svc/auth")
	require.NoError(t, err)
	assert.Equal(t, string(original), string(after))
}

func TestRollbackRequiresSnapshottedState(t *testing.T) {
	repo := t.TempDir()
	seedRepo(t, repo)

	r := newTestRunner(t, repo, testRules())
	session, err := r.BuildCanarySession(34)
	require.NoError(t, err)

	_, err = r.Rollback(session)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestIsGateFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"ceiling", ErrCeilingExceeded, true},
		{"approval", ErrNotApproved, true},
		{"rejected prefix", registry.ErrRejectedPrefix, true},
		{"wrapped ceiling", errors.Join(errors.New("run aborted"), ErrCeilingExceeded), true},
		{"plain error", errors.New("disk full"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGateFailure(tt.err))
		})
	}
}
