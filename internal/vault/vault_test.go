package vault_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/vault"
)

func newVault(t *testing.T) vault.Vault {
	t.Helper()
	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return v
}

func TestOpenCreatesLayout(t *testing.T) {
	v := newVault(t)
	for _, s := range vault.Stages {
		if _, err := os.Stat(v.StageDir(s)); err != nil {
			t.Fatalf("stage %s missing: %v", s, err)
		}
	}
	for _, dir := range []string{v.LogsDir(), v.DiagnosticsDir(), v.SessionsDir(), v.StateDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("side dir missing: %v", err)
		}
	}
}

func TestWriteFileLeavesNoTempBehind(t *testing.T) {
	v := newVault(t)
	path, err := v.WriteFile(vault.NeedsAction, "EMAIL_1.md", []byte("---\ntype: email\nstatus: pending\n---\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "EMAIL_1.md" {
		t.Fatalf("unexpected path %s", path)
	}
	names, err := v.List(vault.NeedsAction)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "EMAIL_1.md" {
		t.Fatalf("expected only the published file, got %v", names)
	}
}

func TestMoveIsExclusive(t *testing.T) {
	v := newVault(t)
	path, err := v.WriteFile(vault.NeedsAction, "TASK_1.md", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	// Two movers race for the same file; the rename lets exactly one win.
	const movers = 8
	var wg sync.WaitGroup
	wins := make(chan vault.Stage, movers)
	for i := 0; i < movers; i++ {
		to := vault.Approved
		if i%2 == 1 {
			to = vault.Rejected
		}
		wg.Add(1)
		go func(to vault.Stage) {
			defer wg.Done()
			if _, err := v.Move(path, to, ""); err == nil {
				wins <- to
			}
		}(to)
	}
	wg.Wait()
	close(wins)
	var winners []vault.Stage
	for s := range wins {
		winners = append(winners, s)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning move, got %d", len(winners))
	}
	if _, err := os.Stat(v.Path(winners[0], "TASK_1.md")); err != nil {
		t.Fatalf("winner stage missing file: %v", err)
	}
}

func TestMoveRenamesInTransit(t *testing.T) {
	v := newVault(t)
	path, err := v.WriteFile(vault.Approved, "POST_7.md", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	dst, err := v.Move(path, vault.Done, "2026-03-02_POST_7.md")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if filepath.Base(dst) != "2026-03-02_POST_7.md" {
		t.Fatalf("got %s", dst)
	}
}

func TestListSkipsHiddenAndTemp(t *testing.T) {
	v := newVault(t)
	dir := v.StageDir(vault.Inbox)
	for _, name := range []string{".hidden", "~lock", "real.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	names, err := v.List(vault.Inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "real.md" {
		t.Fatalf("got %v", names)
	}
}

func TestStaleApproved(t *testing.T) {
	v := newVault(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fresh, _ := v.WriteFile(vault.Approved, "FRESH.md", []byte("x"))
	old, _ := v.WriteFile(vault.Approved, "OLD.md", []byte("x"))
	os.Chtimes(fresh, now.Add(-5*time.Minute), now.Add(-5*time.Minute))
	os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour))

	stale, err := v.StaleApproved(30*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Name != "OLD.md" {
		t.Fatalf("got %v", stale)
	}
	if stale[0].AgeSeconds < (2 * time.Hour).Seconds() {
		t.Fatalf("age too small: %v", stale[0].AgeSeconds)
	}
}

func TestMoveRestampsAge(t *testing.T) {
	v := newVault(t)
	path, _ := v.WriteFile(vault.PendingApproval, "OLD.md", []byte("x"))
	ancient := time.Now().Add(-2 * time.Hour)
	os.Chtimes(path, ancient, ancient)

	// Approval of a long-pending task must not make it look like an
	// exhausted Approved task.
	if _, err := v.Move(path, vault.Approved, ""); err != nil {
		t.Fatal(err)
	}
	stale, err := v.StaleApproved(30*time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("freshly approved task reported stale: %v", stale)
	}
}

func TestCountsAndParseStage(t *testing.T) {
	v := newVault(t)
	v.WriteFile(vault.NeedsAction, "A.md", []byte("x"))
	v.WriteFile(vault.NeedsAction, "B.md", []byte("x"))
	v.WriteFile(vault.Done, "C.md", []byte("x"))
	counts, err := v.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[vault.NeedsAction] != 2 || counts[vault.Done] != 1 || counts[vault.Inbox] != 0 {
		t.Fatalf("got %v", counts)
	}

	if s, err := vault.ParseStage("needs_action"); err != nil || s != vault.NeedsAction {
		t.Fatalf("parse stage: %v %v", s, err)
	}
	if _, err := vault.ParseStage("Limbo"); err == nil {
		t.Fatal("expected unknown stage error")
	}
}
