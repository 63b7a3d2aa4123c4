package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	s := NewSession()
	require.Equal(t, StateDraft, s.State)

	for _, next := range []string{
		StateCanaryBuilt,
		StateCanaryApproved,
		StateFullRunInProgress,
		StatePostRunValidated,
		StateCommitted,
	} {
		require.NoError(t, s.Transition(next))
		assert.Equal(t, next, s.State)
	}

	// A committed run can only move to rolled_back.
	assert.ErrorIs(t, s.Transition(StateDraft), ErrBadTransition)
	require.NoError(t, s.Transition(StateRolledBack))
	assert.ErrorIs(t, s.Transition(StateCommitted), ErrBadTransition)
}

func TestSessionInvalidTransitions(t *testing.T) {
	tests := []struct {
		from string
		to   string
	}{
		{StateDraft, StateFullRunInProgress},
		{StateCanaryBuilt, StateCommitted},
		{StateCanaryRejected, StateCanaryApproved},
		{StateAborted, StateCanaryBuilt},
		{StateRolledBack, StateCommitted},
	}
	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			s := NewSession()
			s.State = tt.from
			assert.ErrorIs(t, s.Transition(tt.to), ErrBadTransition)
		})
	}
}

func TestSessionRejectionPath(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.Transition(StateCanaryBuilt))
	require.NoError(t, s.Transition(StateCanaryRejected))
	require.NoError(t, s.Transition(StateAborted))
}

func TestSessionSaveLoad(t *testing.T) {
	repo := t.TempDir()

	s := NewSession()
	s.Canary = []string{"svc/auth"}
	s.SamplePercent = 10
	require.NoError(t, s.Transition(StateCanaryBuilt))
	require.NoError(t, SaveSession(repo, s))

	loaded, err := LoadSession(repo, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, StateCanaryBuilt, loaded.State)
	assert.Equal(t, []string{"svc/auth"}, loaded.Canary)
	assert.Equal(t, 10, loaded.SamplePercent)
}

func TestLoadSessionMissing(t *testing.T) {
	_, err := LoadSession(t.TempDir(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLatestSession(t *testing.T) {
	repo := t.TempDir()

	_, err := LatestSession(repo)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	older := NewSession()
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, SaveSession(repo, older))

	newer := NewSession()
	require.NoError(t, SaveSession(repo, newer))

	latest, err := LatestSession(repo)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
}

func TestApprovalFailsClosed(t *testing.T) {
	repo := t.TempDir()

	s := NewSession()
	require.NoError(t, s.Transition(StateCanaryBuilt))
	require.NoError(t, SaveSession(repo, s))

	// No marker on disk: treated as rejected.
	_, err := LoadApproval(repo, s)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestApprovalRoundTrip(t *testing.T) {
	repo := t.TempDir()

	s := NewSession()
	require.NoError(t, s.Transition(StateCanaryBuilt))
	require.NoError(t, SaveSession(repo, s))
	require.NoError(t, WriteApproval(repo, s, "alice"))

	assert.Equal(t, StateCanaryApproved, s.State)
	assert.Equal(t, "alice", s.ApprovedBy)

	a, err := LoadApproval(repo, s)
	require.NoError(t, err)
	assert.Equal(t, s.ID, a.SessionID)
	assert.Equal(t, "alice", a.ApprovedBy)
}

func TestApprovalWrongSessionRejected(t *testing.T) {
	repo := t.TempDir()

	approved := NewSession()
	require.NoError(t, approved.Transition(StateCanaryBuilt))
	require.NoError(t, SaveSession(repo, approved))
	require.NoError(t, WriteApproval(repo, approved, "alice"))

	// A marker copied from another session must not bless this one.
	other := NewSession()
	require.NoError(t, SaveSession(repo, other))
	marker, err := os.ReadFile(filepath.Join(SessionDir(repo, approved.ID), ApprovalFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(SessionDir(repo, other.ID), ApprovalFile), marker, 0o644))

	_, err = LoadApproval(repo, other)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestWriteApprovalRequiresCanaryBuilt(t *testing.T) {
	repo := t.TempDir()
	s := NewSession()
	err := WriteApproval(repo, s, "alice")
	assert.ErrorIs(t, err, ErrBadTransition)
}
