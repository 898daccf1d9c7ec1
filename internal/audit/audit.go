// Package audit writes the append-only activity trail: one JSON record
// per line, one file per day per component. The daily files are the
// authoritative record and are never truncated or rewritten; records
// are additionally indexed in sqlite for querying (vl log tail), which
// is a disposable convenience, not a source of truth.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type Record struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Evidence  string         `json:"evidence,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log appends records for one component. DB is optional; when set,
// every record is also inserted into the events index.
type Log struct {
	Dir       string
	Component string
	DB        *sql.DB
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(dir, component string, db *sql.DB, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.Default()
	}
	return Log{Dir: dir, Component: component, DB: db, Logger: logger, Now: time.Now}
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one record to the daily file and, best effort, to the
// sqlite index. Failure to index never fails the append; failure to
// append fails the call, since the daily file is the audit trail.
func (l Log) Append(ctx context.Context, rec Record) error {
	now := l.now().UTC()
	rec.ID = uuid.New().String()
	rec.TS = now.Format(time.RFC3339)
	rec.Component = l.Component

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	path := filepath.Join(l.Dir, fmt.Sprintf("%s_%s.jsonl", now.Format("2006-01-02"), l.Component))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if l.DB != nil {
		details, _ := json.Marshal(rec.Details)
		_, err := l.DB.ExecContext(ctx, `INSERT INTO events(id,ts,component,action,task_id,platform,attempt,outcome,error,evidence,details_json)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.TS, rec.Component, rec.Action, nullable(rec.TaskID), nullable(rec.Platform),
			rec.Attempt, nullable(rec.Outcome), nullable(rec.Error), nullable(rec.Evidence), string(details))
		if err != nil {
			l.Logger.Warn("event index insert failed", "action", rec.Action, "error", err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
