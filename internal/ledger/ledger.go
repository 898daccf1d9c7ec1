// Package ledger persists the set of external event ids already turned
// into tasks, so a watcher never re-ingests the same source event after
// a restart.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Ledger is a durable string set, one file per watcher instance. The
// whole set is loaded at startup and rewritten on each MarkSeen; event
// volumes are low enough that wholesale rewrite is fine.
type Ledger struct {
	path   string
	seen   map[string]bool
	logger *slog.Logger
}

// Open loads the ledger at path. A corrupt or unreadable file is
// treated as empty: duplicate task creation beats silent stoppage, but
// it is logged as a warning.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{path: path, seen: map[string]bool{}, logger: logger}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		logger.Warn("ledger unreadable, starting empty", "path", path, "error", err)
		return l, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		logger.Warn("ledger corrupt, starting empty", "path", path, "error", err)
		return l, nil
	}
	for _, id := range ids {
		l.seen[id] = true
	}
	return l, nil
}

func (l *Ledger) HasSeen(id string) bool { return l.seen[id] }

func (l *Ledger) Len() int { return len(l.seen) }

// MarkSeen records an id and persists the whole set. Callers must only
// invoke this after the corresponding task file is durably written; a
// crash in between causes safe re-processing, never a lost event.
func (l *Ledger) MarkSeen(id string) error {
	l.seen[id] = true
	return l.persist()
}

func (l *Ledger) persist() error {
	ids := make([]string, 0, len(l.seen))
	for id := range l.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
