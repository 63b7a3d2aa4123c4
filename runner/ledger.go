package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LedgerEntry records one completed module write.
type LedgerEntry struct {
	Path        string    `json:"path"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ledger is the append-only resumability ledger: one JSON line per
// completed module path. Appends are serialized through a single mutex so
// parallel chunk workers never interleave lines.
type Ledger struct {
	mu   sync.Mutex
	file *os.File
	done map[string]bool
}

// OpenLedger opens (or creates) the ledger for a session and loads the
// already-completed path set.
func OpenLedger(repoRoot, sessionID string) (*Ledger, error) {
	path := filepath.Join(SessionDir(repoRoot, sessionID), LedgerFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	done := make(map[string]bool)
	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		for scanner.Scan() {
			var entry LedgerEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				// A torn trailing line from a crash is expected;
				// the module it covered will simply be redone.
				continue
			}
			done[entry.Path] = true
		}
		data.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger for append: %w", err)
	}
	return &Ledger{file: file, done: done}, nil
}

// Done reports whether a module path is already completed.
func (l *Ledger) Done(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[path]
}

// Record appends a completed path. Called immediately after a successful
// atomic record write.
func (l *Ledger) Record(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done[path] {
		return nil
	}
	entry := LedgerEntry{Path: path, CompletedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	l.done[path] = true
	return nil
}

// Count returns the number of completed paths.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

// Close syncs and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return l.file.Close()
}
