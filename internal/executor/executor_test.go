package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/executor"
	"vaultline/internal/task"
	"vaultline/internal/vault"
)

var testClock = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

type fakeHandler struct {
	platform     string
	needsSession bool
	calls        int
	fail         func(call int) error
}

func (h *fakeHandler) Platform() string      { return h.platform }
func (h *fakeHandler) RequiresSession() bool { return h.needsSession }

func (h *fakeHandler) Execute(ctx context.Context, t task.Task) (executor.Result, error) {
	h.calls++
	if h.fail != nil {
		if err := h.fail(h.calls); err != nil {
			return executor.Result{}, err
		}
	}
	return executor.Result{Note: "posted"}, nil
}

func newExecutor(t *testing.T, h *fakeHandler) (*executor.Executor, vault.Vault) {
	t.Helper()
	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	cfg := config.ExecutorConfig{
		MaxRetries:        3,
		RetryWaitSeconds:  0,
		TimeoutSeconds:    5,
		IntervalSeconds:   1,
		StaleAfterMinutes: 30,
		Platforms:         []string{"linkedin", "email"},
	}
	reg := executor.NewRegistry()
	if h != nil {
		reg.Register(h)
	}
	return &executor.Executor{
		Vault:    v,
		Cfg:      cfg,
		Registry: reg,
		Audit:    audit.New(v.LogsDir(), "executor", nil, slog.Default()),
		Logger:   slog.Default(),
		Now:      testClock,
	}, v
}

func seedApproved(t *testing.T, v vault.Vault, name string, meta task.Meta) string {
	t.Helper()
	data, err := task.Task{Meta: meta, Body: "do it"}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	path, err := v.WriteFile(vault.Approved, name, data)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func postMeta() task.Meta {
	return task.Meta{
		Kind:     task.KindPostDraft,
		Platform: "linkedin",
		Status:   task.StatusApproved,
		Caption:  "hello",
	}
}

func diagnostics(t *testing.T, v vault.Vault) []string {
	t.Helper()
	entries, err := os.ReadDir(v.DiagnosticsDir())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSuccessMovesToDoneWithDatePrefix(t *testing.T) {
	h := &fakeHandler{platform: "linkedin"}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_1.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_1.md")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome != executor.OutcomeSuccess {
		t.Fatalf("outcome %s", outcome)
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", h.calls)
	}
	if _, err := os.Stat(v.Path(vault.Done, "2026-03-02_POST_1.md")); err != nil {
		t.Fatalf("task not in Done under dated name: %v", err)
	}
	names, _ := v.List(vault.Approved)
	if len(names) != 0 {
		t.Fatalf("Approved should be empty, got %v", names)
	}
}

func TestRetriableFailureUsesFullBudgetThenStays(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(int) error {
		return fmt.Errorf("%w: timeline did not load", executor.ErrRetry)
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_2.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_2.md")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if outcome != executor.OutcomeExhausted {
		t.Fatalf("outcome %s", outcome)
	}
	if h.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", h.calls)
	}
	// The task is left recoverable in Approved; evidence per attempt.
	if _, err := os.Stat(v.Path(vault.Approved, "POST_2.md")); err != nil {
		t.Fatalf("task must stay in Approved: %v", err)
	}
	if got := diagnostics(t, v); len(got) != 3 {
		t.Fatalf("expected 3 evidence files, got %v", got)
	}
}

func TestReinvokeAfterExhaustionMakesFreshAttempts(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(int) error {
		return fmt.Errorf("%w: still down", executor.ErrRetry)
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_10.md", postMeta())

	if outcome, _ := ex.ExecuteTask(context.Background(), "POST_10.md"); outcome != executor.OutcomeExhausted {
		t.Fatalf("first cycle outcome %s", outcome)
	}
	// Nothing marks the task poisoned; a second invocation gets a full
	// fresh budget.
	if outcome, _ := ex.ExecuteTask(context.Background(), "POST_10.md"); outcome != executor.OutcomeExhausted {
		t.Fatalf("second cycle outcome %s", outcome)
	}
	if h.calls != 6 {
		t.Fatalf("expected 3 attempts per cycle, got %d total", h.calls)
	}
	if _, err := os.Stat(v.Path(vault.Approved, "POST_10.md")); err != nil {
		t.Fatalf("task must stay in Approved: %v", err)
	}
}

func TestRecoveryAfterTransientFailures(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(call int) error {
		if call < 3 {
			return fmt.Errorf("%w: flaky network", executor.ErrRetry)
		}
		return nil
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_3.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_3.md")
	if err != nil || outcome != executor.OutcomeSuccess {
		t.Fatalf("expected success on third attempt: %s %v", outcome, err)
	}
	if h.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.calls)
	}
	if _, err := os.Stat(v.Path(vault.Done, "2026-03-02_POST_3.md")); err != nil {
		t.Fatalf("task not completed: %v", err)
	}
}

func TestNonRetriableFailureBurnsOneAttempt(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(int) error {
		return fmt.Errorf("%w: caption too long", executor.ErrValidation)
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_4.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_4.md")
	if err == nil || outcome != executor.OutcomeValidation {
		t.Fatalf("expected validation outcome, got %s %v", outcome, err)
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", h.calls)
	}
	if _, err := os.Stat(v.Path(vault.Approved, "POST_4.md")); err != nil {
		t.Fatalf("task must stay in Approved: %v", err)
	}
}

func TestManualVerifyStopsRetrying(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(int) error {
		return fmt.Errorf("%w: post submitted but feed check timed out", executor.ErrManualVerify)
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_5.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_5.md")
	if err == nil || outcome != executor.OutcomeManualVerify {
		t.Fatalf("expected manual_verify, got %s %v", outcome, err)
	}
	if h.calls != 1 {
		t.Fatalf("a possibly-posted action must not be retried, got %d attempts", h.calls)
	}
}

func TestUnknownPlatformBurnsNoAttempts(t *testing.T) {
	h := &fakeHandler{platform: "linkedin"}
	ex, v := newExecutor(t, h)
	meta := postMeta()
	meta.Platform = "myspace"
	seedApproved(t, v, "POST_6.md", meta)

	outcome, err := ex.ExecuteTask(context.Background(), "POST_6.md")
	if err == nil || outcome != executor.OutcomeConfig {
		t.Fatalf("expected config outcome, got %s %v", outcome, err)
	}
	if h.calls != 0 {
		t.Fatalf("config errors must not reach the handler, got %d calls", h.calls)
	}
}

func TestMissingSessionBurnsNoAttempts(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", needsSession: true}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_7.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_7.md")
	if err == nil || outcome != executor.OutcomeConfig {
		t.Fatalf("expected config outcome, got %s %v", outcome, err)
	}
	if h.calls != 0 {
		t.Fatalf("expected 0 attempts, got %d", h.calls)
	}

	// With a populated session directory the same task goes through.
	if err := os.MkdirAll(v.SessionDir("linkedin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(v.SessionDir("linkedin"), "cookies.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	outcome, err = ex.ExecuteTask(context.Background(), "POST_7.md")
	if err != nil || outcome != executor.OutcomeSuccess {
		t.Fatalf("expected success after login, got %s %v", outcome, err)
	}
}

func TestUnparseableTaskIsValidationError(t *testing.T) {
	ex, v := newExecutor(t, &fakeHandler{platform: "linkedin"})
	if _, err := v.WriteFile(vault.Approved, "BROKEN.md", []byte("no front matter")); err != nil {
		t.Fatal(err)
	}
	outcome, err := ex.ExecuteTask(context.Background(), "BROKEN.md")
	if err == nil || outcome != executor.OutcomeValidation {
		t.Fatalf("expected validation outcome, got %s %v", outcome, err)
	}
}

func TestSweepIgnoresOtherStages(t *testing.T) {
	h := &fakeHandler{platform: "linkedin"}
	ex, v := newExecutor(t, h)
	data, _ := task.Task{Meta: postMeta(), Body: "x"}.Encode()
	v.WriteFile(vault.PendingApproval, "WAITING.md", data)
	v.WriteFile(vault.NeedsAction, "NEW.md", data)

	ex.Sweep(context.Background())

	if h.calls != 0 {
		t.Fatalf("only Approved may be executed, got %d calls", h.calls)
	}
	if _, err := os.Stat(v.Path(vault.PendingApproval, "WAITING.md")); err != nil {
		t.Fatalf("pending task touched: %v", err)
	}
	if _, err := os.Stat(v.Path(vault.NeedsAction, "NEW.md")); err != nil {
		t.Fatalf("needs-action task touched: %v", err)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := &fakeHandler{platform: "linkedin"}
	ex, v := newExecutor(t, h)
	ex.DryRun = true
	seedApproved(t, v, "POST_8.md", postMeta())

	outcome, err := ex.ExecuteTask(context.Background(), "POST_8.md")
	if err != nil || outcome != executor.OutcomeDryRun {
		t.Fatalf("expected dry_run, got %s %v", outcome, err)
	}
	if h.calls != 0 {
		t.Fatalf("dry run must not call the handler")
	}
	if _, err := os.Stat(v.Path(vault.Approved, "POST_8.md")); err != nil {
		t.Fatalf("dry run moved the task: %v", err)
	}
}

func TestArchiveKindCompletesWithoutHandler(t *testing.T) {
	ex, v := newExecutor(t, nil)
	seedApproved(t, v, "FILE_report.pdf.md", task.Meta{
		Kind:   task.KindFileDrop,
		Status: task.StatusApproved,
	})
	outcome, err := ex.ExecuteTask(context.Background(), "FILE_report.pdf.md")
	if err != nil || outcome != executor.OutcomeSuccess {
		t.Fatalf("expected archive success, got %s %v", outcome, err)
	}
	if _, err := os.Stat(v.Path(vault.Done, "2026-03-02_FILE_report.pdf.md")); err != nil {
		t.Fatalf("archived task missing: %v", err)
	}
}

func TestEvidenceNamesCarryAttempt(t *testing.T) {
	h := &fakeHandler{platform: "linkedin", fail: func(call int) error {
		if call == 1 {
			return fmt.Errorf("%w: once", executor.ErrRetry)
		}
		return nil
	}}
	ex, v := newExecutor(t, h)
	seedApproved(t, v, "POST_9.md", postMeta())

	if _, err := ex.ExecuteTask(context.Background(), "POST_9.md"); err != nil {
		t.Fatal(err)
	}
	names := diagnostics(t, v)
	if len(names) != 2 {
		t.Fatalf("expected 2 evidence files, got %v", names)
	}
	var attempt1, attempt2 bool
	for _, n := range names {
		if strings.Contains(n, "_attempt1_linkedin_") {
			attempt1 = true
		}
		if strings.Contains(n, "_attempt2_linkedin_") {
			attempt2 = true
		}
	}
	if !attempt1 || !attempt2 {
		t.Fatalf("evidence names missing attempt markers: %v", names)
	}
}
