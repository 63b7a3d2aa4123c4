package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/starmap/registry"
	"github.com/c360studio/starmap/runner"
	"github.com/c360studio/starmap/validate"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ceiling breach", runner.ErrCeilingExceeded, ExitGate},
		{"missing approval", fmt.Errorf("run: %w", runner.ErrNotApproved), ExitGate},
		{"rejected prefix", registry.ErrRejectedPrefix, ExitGate},
		{"strict validation", validate.ErrStrictValidation, ExitValidation},
		{"strict contracts", validate.ErrStrictContracts, ExitValidation},
		{"validation findings", errValidationFailed, ExitValidation},
		{"rollback", runner.ErrRollbackRequired, ExitValidation},
		{"io error", errors.New("permission denied"), ExitIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
