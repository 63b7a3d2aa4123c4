package watch

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
)

func TestRelevant(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"svc/auth/module.yaml", true},
		{filepath.Join(".starmap", "records", "svc", "auth", "record.json"), true},
		{"svc/auth/main.go", false},
		{"svc/auth/module.yml", false},
		{"README.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(tt.path))
		})
	}
}

func TestNewAndClose(t *testing.T) {
	repo := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := New(repo, canon.DefaultCanon(), config.DefaultRules(), record.NewStore(repo), logger)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
