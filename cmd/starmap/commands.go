package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/registry"
	"github.com/c360studio/starmap/runner"
	"github.com/c360studio/starmap/validate"
	"github.com/c360studio/starmap/watch"
)

func classifyCmd(newEnv func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <module-path>",
		Short: "Score and classify a single module without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}

			modules, err := e.runner.Discover()
			if err != nil {
				return err
			}
			for _, mod := range modules {
				if mod.Path != args[0] {
					continue
				}
				rec, err := e.pipe.Classify(mod, time.Now().UTC())
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			return fmt.Errorf("module not found: %s", args[0])
		},
	}
}

func generateCmd(newEnv func() (*env, error)) *cobra.Command {
	var (
		dryRun         bool
		strict         bool
		minAutopromote float64
		noPreserve     bool
	)

	cmd := &cobra.Command{
		Use:   "generate [module-path...]",
		Short: "Regenerate module records (targeted or dry runs)",
		Long: `Generate plans the whole batch first, validates it against the schema
and the promotion ceilings, and only then writes records atomically.
Whole-repository regeneration should go through the canary-gated flow
(canary build / canary approve / run) instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if minAutopromote > 0 {
				e.rules.Thresholds.MinAutopromote = minAutopromote
			}
			if noPreserve {
				e.rules.Exceptions.ForceOverride = append(e.rules.Exceptions.ForceOverride, "**")
			}

			report, err := e.runner.Generate(cmd.Context(), runner.Options{
				DryRun: dryRun,
				Strict: strict,
				Paths:  args,
			})
			if report != nil {
				fmt.Print(report.Summary())
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and report without writing")
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort the run on any validation failure")
	cmd.Flags().Float64Var(&minAutopromote, "min-autopromote", 0, "Override the autopromote confidence threshold")
	cmd.Flags().BoolVar(&noPreserve, "no-preserve", false, "Allow manifest values to replace preserved fields")
	return cmd
}

func validateCmd(newEnv func() (*env, error)) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every record against the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}

			v := validate.NewSchemaValidator(e.canon, e.rules)
			report, err := v.Run(e.store, strict)
			if report != nil {
				printValidationReport(report)
			}
			if err != nil {
				return err
			}
			if !report.Valid() {
				return fmt.Errorf("%w: %d issue(s)", errValidationFailed, len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat any issue as fatal")
	return cmd
}

func contractsCmd(newEnv func() (*env, error)) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Validate contract references across all records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}

			reg, err := validate.LoadContracts(contractsPath(e.repoRoot))
			if err != nil {
				return err
			}
			v := validate.NewContractValidator(reg)
			report, err := v.Run(e.store, strict)
			if report != nil {
				printValidationReport(report)
			}
			if err != nil {
				return err
			}
			if !report.Valid() {
				return fmt.Errorf("%w: %d contract issue(s)", errValidationFailed, len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat any issue as fatal")
	return cmd
}

func canaryCmd(newEnv func() (*env, error)) *cobra.Command {
	var samplePercent int
	var approvedBy string

	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Build, run and approve the canary sample",
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Draw a stratified canary sample and open a run session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			session, err := e.runner.BuildCanarySession(samplePercent)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s: canary of %d module(s) built\n", session.ID, len(session.Canary))
			return nil
		},
	}
	build.Flags().IntVar(&samplePercent, "percent", 10, "Sample percentage per top-level stratum")

	run := &cobra.Command{
		Use:   "run",
		Short: "Classify the canary set without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			session, err := runner.LatestSession(e.repoRoot)
			if err != nil {
				return err
			}
			report, err := e.runner.RunCanary(cmd.Context(), session)
			if report != nil {
				fmt.Print(report.Summary())
			}
			return err
		},
	}

	approve := &cobra.Command{
		Use:   "approve",
		Short: "Record the explicit approval marker for the canary",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			session, err := runner.LatestSession(e.repoRoot)
			if err != nil {
				return err
			}
			if err := e.runner.Approve(session, approvedBy); err != nil {
				return err
			}
			fmt.Printf("Session %s approved\n", session.ID)
			return nil
		},
	}
	approve.Flags().StringVar(&approvedBy, "by", os.Getenv("USER"), "Approver identity")

	reject := &cobra.Command{
		Use:   "reject",
		Short: "Reject the canary and abort the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			session, err := runner.LatestSession(e.repoRoot)
			if err != nil {
				return err
			}
			if err := e.runner.Reject(session); err != nil {
				return err
			}
			fmt.Printf("Session %s rejected\n", session.ID)
			return nil
		},
	}

	cmd.AddCommand(build, run, approve, reject)
	return cmd
}

func runCmd(newEnv func() (*env, error)) *cobra.Command {
	var (
		sessionID string
		strict    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the approved full run",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}

			var session *runner.Session
			if sessionID != "" {
				session, err = runner.LoadSession(e.repoRoot, sessionID)
			} else {
				session, err = runner.LatestSession(e.repoRoot)
			}
			if err != nil {
				return err
			}

			report, err := e.runner.RunFull(cmd.Context(), session, runner.Options{Strict: strict})
			if report != nil {
				fmt.Print(report.Summary())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Run session ID (default: latest)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort the run on any validation failure")
	return cmd
}

func rollbackCmd(newEnv func() (*env, error)) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore all records from a session's pre-run snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			session, err := runner.LoadSession(e.repoRoot, sessionID)
			if err != nil {
				return err
			}
			restored, err := e.runner.Rollback(session)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d record(s) from snapshot %s\n", len(restored), session.SnapshotRef)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Run session ID")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func statusCmd(newEnv func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts and the latest run session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}

			modules, err := e.runner.Discover()
			if err != nil {
				return err
			}
			recorded, err := e.store.List()
			if err != nil {
				return err
			}
			fmt.Printf("Modules discovered: %d\n", len(modules))
			fmt.Printf("Records on disk:    %d\n", len(recorded))

			if digests, err := registry.LoadDigests(e.repoRoot); err == nil {
				fmt.Printf("Pinned digests:     rules %.12s… canon %.12s… schema %s\n",
					digests.RuleDigest, digests.CanonDigest, digests.SchemaVersion)
			}

			session, err := runner.LatestSession(e.repoRoot)
			if err != nil {
				fmt.Println("No run sessions")
				return nil
			}
			fmt.Printf("Latest session:     %s (%s)\n", session.ID, session.State)
			return nil
		},
	}
}

func watchCmd(newEnv func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-validate records as manifests or records change",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			w, err := watch.New(e.repoRoot, e.canon, e.rules, e.store, e.logger)
			if err != nil {
				return err
			}
			defer w.Close()
			return w.Run(cmd.Context())
		},
	}
}

func printValidationReport(report *validate.Report) {
	fmt.Printf("Checked %d record(s), %d issue(s)\n", report.Checked, len(report.Issues))
	for _, issue := range report.Issues {
		fmt.Printf("  %s: %s\n", issue.Path, issue.Message)
	}
}

func contractsPath(repoRoot string) string {
	return filepath.Join(repoRoot, config.StateDir, config.ContractsFile)
}
