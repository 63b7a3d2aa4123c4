// Package watch re-validates module records when manifests or records
// change on disk. Validation is always non-strict here: findings are
// logged, never fatal.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/starmap/canon"
	"github.com/c360studio/starmap/config"
	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
	"github.com/c360studio/starmap/validate"
)

// debounceDelay is how long to wait for more changes before validating.
const debounceDelay = 250 * time.Millisecond

// Watcher re-runs schema validation on file changes.
type Watcher struct {
	repoRoot string
	store    *record.Store
	schema   *validate.SchemaValidator
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// New creates a watcher over the repository's manifests and records.
func New(repoRoot string, c *canon.Canon, rules *config.Rules, store *record.Store, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		repoRoot: repoRoot,
		store:    store,
		schema:   validate.NewSchemaValidator(c, rules),
		watcher:  fsw,
		logger:   logger,
	}, nil
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.repoRoot); err != nil {
		return err
	}
	w.logger.Info("Watching for manifest and record changes",
		slog.String("root", w.repoRoot))

	timer := time.NewTimer(debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event.Name) {
				continue
			}
			w.pendingMu.Lock()
			if !w.pending {
				w.pending = true
				timer.Reset(debounceDelay)
			}
			w.pendingMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watch error", slog.String("error", err.Error()))
		case <-timer.C:
			w.pendingMu.Lock()
			w.pending = false
			w.pendingMu.Unlock()
			w.revalidate()
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) revalidate() {
	report, err := w.schema.Run(w.store, false)
	if err != nil {
		w.logger.Error("Validation run failed", slog.String("error", err.Error()))
		return
	}
	if report.Valid() {
		w.logger.Info("Records valid", slog.Int("checked", report.Checked))
		return
	}
	for _, issue := range report.Issues {
		w.logger.Warn("Validation issue",
			slog.String("path", issue.Path),
			slog.String("message", issue.Message))
	}
}

// relevant reports whether a changed file affects validation.
func relevant(path string) bool {
	base := filepath.Base(path)
	return base == registry.ManifestFile || base == record.RecordFile
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".git" || name == "vendor" || name == "node_modules" {
			return filepath.SkipDir
		}
		// Records under .starmap/records are watched; run sessions are not.
		if strings.HasPrefix(path, filepath.Join(root, config.StateDir, "runs")) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
