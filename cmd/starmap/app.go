package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/pipeline"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/runner"
)

// errValidationFailed marks non-strict validation findings so the CLI can
// still exit 1.
var errValidationFailed = errors.New("validation failed")

// env is the shared command environment: resolved repo root plus the
// loaded rules, canon, store, pipeline and runner.
type env struct {
	repoRoot string
	rules    *config.Rules
	canon    *canon.Canon
	store    *record.Store
	pipe     *pipeline.Pipeline
	runner   *runner.Runner
	logger   *slog.Logger
}

func rootCmd() *cobra.Command {
	var (
		repoPath string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "starmap",
		Short: "Module classification and safe batch record regeneration",
		Long: `Starmap assigns category "stars" to every module in a repository by
scoring declared capabilities, dependencies, paths and ownership against
weighted rules, and regenerates the per-module records in safety-gated
batch runs: canary sample, explicit approval, promotion ceilings, atomic
resumable writes, round-trip validation and snapshot rollback.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&repoPath, "repo", "", "Repository root (default: git toplevel or cwd)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	newEnv := func() (*env, error) {
		return buildEnv(repoPath, logLevel)
	}

	cmd.AddCommand(
		classifyCmd(newEnv),
		generateCmd(newEnv),
		validateCmd(newEnv),
		contractsCmd(newEnv),
		canaryCmd(newEnv),
		runCmd(newEnv),
		rollbackCmd(newEnv),
		statusCmd(newEnv),
		watchCmd(newEnv),
		versionCmd(),
	)
	return cmd
}

func buildEnv(repoPath, logLevel string) (*env, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	repoRoot, err := config.ResolveRepoRoot(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	info, err := os.Stat(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("stat repo root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", repoRoot)
	}

	rules, err := config.NewLoader(logger).Load(repoRoot)
	if err != nil {
		return nil, err
	}

	canonPath := filepath.Join(repoRoot, config.StateDir, config.CanonFile)
	cn, err := canon.LoadFromFile(canonPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			cn = canon.DefaultCanon()
		} else {
			return nil, err
		}
	}

	store := record.NewStore(repoRoot)
	pipe, err := pipeline.New(rules, cn, store, logger)
	if err != nil {
		return nil, err
	}

	return &env{
		repoRoot: repoRoot,
		rules:    rules,
		canon:    cn,
		store:    store,
		pipe:     pipe,
		runner:   runner.New(repoRoot, pipe, logger),
		logger:   logger,
	}, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}
