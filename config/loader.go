package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// StateDir is the dot-directory holding all starmap state.
	StateDir = ".starmap"
	// RulesFile is the rule-configuration file name under StateDir.
	RulesFile = "rules.yaml"
	// CanonFile is the category-canon file name under StateDir.
	CanonFile = "canon.yaml"
	// ContractsFile is the contract-registry file name under StateDir.
	ContractsFile = "contracts.yaml"
	// DigestsFile pins rule/canon/schema digests for a run.
	DigestsFile = "digests.json"
)

// Loader resolves the repository root and loads rules from it.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new rule-configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads rules from <repoRoot>/.starmap/rules.yaml, falling back to
// defaults when the file does not exist.
func (l *Loader) Load(repoRoot string) (*Rules, error) {
	path := filepath.Join(repoRoot, StateDir, RulesFile)
	rules, err := LoadFromFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Debug("No rules file, using defaults", slog.String("path", path))
			return DefaultRules(), nil
		}
		return nil, err
	}
	l.logger.Debug("Loaded rules", slog.String("path", path))
	return rules, nil
}

// ResolveRepoRoot returns the repository root: the explicit path if given,
// otherwise the git toplevel, otherwise the current directory.
func ResolveRepoRoot(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	if gitRoot := detectGitRoot(); gitRoot != "" {
		return gitRoot, nil
	}
	return os.Getwd()
}

// detectGitRoot finds the git repository root from the current directory.
func detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
