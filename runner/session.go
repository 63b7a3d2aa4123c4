// Package runner orchestrates safe batch regeneration: canary sampling,
// approval gating, ceiling enforcement, parallel resumable execution,
// post-run validation and rollback.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/starmap/config"
)

// Session states. Transitions:
// draft -> canary_built -> canary_approved|canary_rejected,
// canary_approved -> full_run_in_progress -> post_run_validated ->
// committed|rolled_back. canary_rejected -> aborted. A committed run may
// still be rolled back from its snapshot: committed -> rolled_back.
const (
	StateDraft             = "draft"
	StateCanaryBuilt       = "canary_built"
	StateCanaryApproved    = "canary_approved"
	StateCanaryRejected    = "canary_rejected"
	StateAborted           = "aborted"
	StateFullRunInProgress = "full_run_in_progress"
	StatePostRunValidated  = "post_run_validated"
	StateCommitted         = "committed"
	StateRolledBack        = "rolled_back"
)

// Session files within a run directory.
const (
	SessionFile    = "session.json"
	CanaryFile     = "canary.json"
	ApprovalFile   = "approval.json"
	LedgerFile     = "ledger.jsonl"
	PromotionsFile = "promotions.json"
	ReportFile     = "report.json"
	SnapshotDir    = "snapshot"
)

// Sentinel errors for session handling.
var (
	ErrSessionNotFound  = errors.New("run session not found")
	ErrBadTransition    = errors.New("invalid session state transition")
	ErrNotApproved      = errors.New("canary approval missing")
	ErrCeilingExceeded  = errors.New("promotion ceiling exceeded")
	ErrRollbackRequired = errors.New("post-run validation failed, rollback required")
)

// validTransitions encodes the session state machine.
var validTransitions = map[string][]string{
	StateDraft:             {StateCanaryBuilt},
	StateCanaryBuilt:       {StateCanaryApproved, StateCanaryRejected},
	StateCanaryApproved:    {StateFullRunInProgress},
	StateCanaryRejected:    {StateAborted},
	StateFullRunInProgress: {StatePostRunValidated, StateAborted},
	StatePostRunValidated:  {StateCommitted, StateRolledBack},
	StateCommitted:         {StateRolledBack},
}

// Session is one canary-gated regeneration run.
type Session struct {
	ID    string `json:"id"`
	State string `json:"state"`

	// Canary holds the sampled module paths.
	Canary []string `json:"canary,omitempty"`
	// SamplePercent is the stratified sample size used for the canary.
	SamplePercent int `json:"sample_percent,omitempty"`

	// SnapshotRef is the backup snapshot directory, set before writes.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
}

// Approval is the explicit external approval marker. Its absence is
// treated as rejection.
type Approval struct {
	SessionID  string    `json:"session_id"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// NewSession creates a Draft session.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		State:     StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to a new state, enforcing the machine.
func (s *Session) Transition(next string) error {
	for _, allowed := range validTransitions[s.State] {
		if allowed == next {
			s.State = next
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.State, next)
}

// RunsDir returns the run-session root for a repository.
func RunsDir(repoRoot string) string {
	return filepath.Join(repoRoot, config.StateDir, "runs")
}

// SessionDir returns the directory for one session.
func SessionDir(repoRoot, id string) string {
	return filepath.Join(RunsDir(repoRoot), id)
}

// SaveSession persists the session to its run directory.
func SaveSession(repoRoot string, s *Session) error {
	dir := SessionDir(repoRoot, s.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SessionFile), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// LoadSession reads a session by ID.
func LoadSession(repoRoot, id string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(SessionDir(repoRoot, id), SessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &s, nil
}

// LatestSession returns the most recently updated session, or
// ErrSessionNotFound when none exist.
func LatestSession(repoRoot string) (*Session, error) {
	entries, err := os.ReadDir(RunsDir(repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var latest *Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := LoadSession(repoRoot, entry.Name())
		if err != nil {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	return latest, nil
}

// WriteApproval records the explicit approval marker for a session and
// advances its state.
func WriteApproval(repoRoot string, s *Session, approvedBy string) error {
	if err := s.Transition(StateCanaryApproved); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.ApprovedAt = &now
	s.ApprovedBy = approvedBy

	approval := Approval{SessionID: s.ID, ApprovedBy: approvedBy, ApprovedAt: now}
	data, err := json.MarshalIndent(approval, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	path := filepath.Join(SessionDir(repoRoot, s.ID), ApprovalFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write approval marker: %w", err)
	}
	return SaveSession(repoRoot, s)
}

// LoadApproval reads the approval marker; ErrNotApproved when absent or
// not matching the session. Fail closed.
func LoadApproval(repoRoot string, s *Session) (*Approval, error) {
	data, err := os.ReadFile(filepath.Join(SessionDir(repoRoot, s.ID), ApprovalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotApproved, s.ID)
		}
		return nil, fmt.Errorf("read approval marker: %w", err)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse approval marker: %w", err)
	}
	if a.SessionID != s.ID {
		return nil, fmt.Errorf("%w: marker belongs to session %s", ErrNotApproved, a.SessionID)
	}
	return &a, nil
}
