package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/db"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
)

func TestAppendWritesDailyFileAndIndex(t *testing.T) {
	dir := t.TempDir()
	logsDir := filepath.Join(dir, "Logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Vault: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := audit.New(logsDir, "executor", conn, slog.Default())
	log.Now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	recs := []audit.Record{
		{Action: "task.attempt", TaskID: "POST_1.md", Platform: "linkedin", Attempt: 1, Outcome: "retriable", Error: "timeout"},
		{Action: "task.attempt", TaskID: "POST_1.md", Platform: "linkedin", Attempt: 2, Outcome: "success", Evidence: "ev.txt"},
	}
	for _, r := range recs {
		if err := log.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Daily file: one JSON object per line, never rewritten.
	data, err := os.ReadFile(filepath.Join(logsDir, "2026-03-02_executor.jsonl"))
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	var lines int
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("line %d unparseable: %v", lines, err)
		}
		if rec.ID == "" || rec.TS == "" || rec.Component != "executor" {
			t.Fatalf("record missing envelope: %+v", rec)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}

	// Same records visible through the index.
	events, err := repo.Repo{DB: conn}.LatestEvents(ctx, 10, repo.EventFilters{Component: "executor"})
	if err != nil {
		t.Fatalf("query index: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 indexed events, got %d", len(events))
	}
	byOutcome, err := repo.Repo{DB: conn}.CountByOutcome(ctx, "executor")
	if err != nil {
		t.Fatal(err)
	}
	if byOutcome["success"] != 1 || byOutcome["retriable"] != 1 {
		t.Fatalf("got %v", byOutcome)
	}
}

func TestAppendWorksWithoutIndex(t *testing.T) {
	logsDir := t.TempDir()
	log := audit.New(logsDir, "watcher", nil, slog.Default())
	log.Now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	if err := log.Append(context.Background(), audit.Record{Action: "task.created", TaskID: "x"}); err != nil {
		t.Fatalf("append without db must work: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "2026-03-02_watcher.jsonl")); err != nil {
		t.Fatalf("daily file missing: %v", err)
	}
}

func TestEventFilters(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Vault: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	log := audit.New(dir, "executor", conn, slog.Default())
	ctx := context.Background()
	log.Append(ctx, audit.Record{Action: "task.attempt", TaskID: "A.md", Platform: "linkedin", Outcome: "success"})
	log.Append(ctx, audit.Record{Action: "task.attempt", TaskID: "B.md", Platform: "twitter", Outcome: "retriable"})

	events, err := repo.Repo{DB: conn}.LatestEvents(ctx, 10, repo.EventFilters{Platform: "twitter"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].TaskID != "B.md" {
		t.Fatalf("filter failed: %v", events)
	}
}
