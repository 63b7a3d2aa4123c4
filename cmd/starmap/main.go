// Package main provides the starmap binary entry point.
// Starmap classifies every module in a repository into its category
// "stars" and regenerates the module records in safe, canary-gated runs.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/c360studio/starmap/runner"
	"github.com/c360studio/starmap/validate"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "starmap"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitIO         = 2
	ExitGate       = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(ExitIO)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes: 1 for validation
// failures, 3 for safety-gate failures, 2 for everything else.
func exitCode(err error) int {
	switch {
	case runner.IsGateFailure(err):
		return ExitGate
	case errors.Is(err, validate.ErrStrictValidation),
		errors.Is(err, validate.ErrStrictContracts),
		errors.Is(err, errValidationFailed),
		errors.Is(err, runner.ErrRollbackRequired):
		return ExitValidation
	default:
		return ExitIO
	}
}
