// Package executor drains the Approved stage: it runs the outward
// action each approved task asks for, retrying transient failures up
// to a budget, and moves the task to Done only on verified success.
// A task whose retries run out stays in Approved; its growing age is
// the operator-visible failure signal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/task"
	"vaultline/internal/vault"
)

// Failure classes. Handlers wrap their errors with one of these so the
// retry loop knows whether another attempt can help. An unwrapped error
// is treated as retriable.
var (
	ErrRetry        = errors.New("transient failure")
	ErrValidation   = errors.New("invalid task")
	ErrConfig       = errors.New("configuration error")
	ErrManualVerify = errors.New("action may have gone through, manual verification required")
)

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetriable    Outcome = "retriable"
	OutcomeValidation   Outcome = "validation_error"
	OutcomeConfig       Outcome = "config_error"
	OutcomeManualVerify Outcome = "manual_verify"
	OutcomeExhausted    Outcome = "retries_exhausted"
	OutcomeDryRun       Outcome = "dry_run"
	OutcomeSkipped      Outcome = "skipped"
)

// Result is what a handler reports on completion.
type Result struct {
	Note    string
	Details map[string]any
}

// Handler performs the outward action for one platform.
type Handler interface {
	Platform() string
	// RequiresSession reports whether a populated session directory
	// must exist before any attempt is worth making.
	RequiresSession() bool
	Execute(ctx context.Context, t task.Task) (Result, error)
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(hs))}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Platform()] = h
}

func (r *Registry) Lookup(platform string) (Handler, bool) {
	h, ok := r.handlers[platform]
	return h, ok
}

type Executor struct {
	Vault    vault.Vault
	Cfg      config.ExecutorConfig
	Registry *Registry
	Audit    audit.Log
	Logger   *slog.Logger
	DryRun   bool
	Now      func() time.Time
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run sweeps the Approved stage once at startup, then on every tick.
// Tasks approved while the executor was down are picked up by the
// startup sweep; nothing is lost to restarts.
func (e *Executor) Run(ctx context.Context) error {
	e.logger().Info("executor started",
		"interval", e.Cfg.Interval().String(),
		"max_retries", e.Cfg.MaxRetries,
		"dry_run", e.DryRun)
	e.Sweep(ctx)
	ticker := time.NewTicker(e.Cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger().Info("executor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep processes every task currently in Approved, oldest name first.
func (e *Executor) Sweep(ctx context.Context) {
	names, err := e.Vault.List(vault.Approved)
	if err != nil {
		e.logger().Error("list approved tasks", "error", err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		outcome, err := e.ExecuteTask(ctx, name)
		if err != nil {
			e.logger().Error("task execution failed", "task", name, "outcome", string(outcome), "error", err)
		}
	}
	e.warnStale()
}

func (e *Executor) warnStale() {
	stale, err := e.Vault.StaleApproved(e.Cfg.StaleAfter(), e.now())
	if err != nil || len(stale) == 0 {
		return
	}
	for _, s := range stale {
		e.logger().Warn("approved task is stale, check Diagnostics",
			"task", s.Name, "age", (time.Duration(s.AgeSeconds) * time.Second).String())
	}
}

// ExecuteTask runs one approved task through the retry budget. The
// returned error describes the final failure; the task file is moved
// only on success.
func (e *Executor) ExecuteTask(ctx context.Context, name string) (Outcome, error) {
	path := e.Vault.Path(vault.Approved, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Another actor moved it first; nothing to do.
			return OutcomeSkipped, nil
		}
		return OutcomeRetriable, fmt.Errorf("read %s: %w", name, err)
	}

	t, err := task.Parse(data)
	if err == nil {
		err = t.Meta.Validate()
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrValidation, err)
		e.record(ctx, name, "", 0, OutcomeValidation, err, "")
		return OutcomeValidation, err
	}

	platform := platformFor(t)
	if platform == "" {
		// Kinds with no outward action complete on approval.
		return e.archive(ctx, name, path)
	}

	h, outcome, err := e.resolve(platform)
	if err != nil {
		e.record(ctx, name, platform, 0, outcome, err, "")
		return outcome, err
	}

	if e.DryRun {
		e.logger().Info("dry run, would execute", "task", name, "platform", platform)
		e.record(ctx, name, platform, 0, OutcomeDryRun, nil, "")
		return OutcomeDryRun, nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.Cfg.MaxRetries; attempt++ {
		res, execErr := e.attempt(ctx, h, t)
		evidence, evErr := e.writeEvidence(name, platform, attempt, res, execErr)
		if evErr != nil {
			e.logger().Warn("evidence capture failed", "task", name, "error", evErr)
		}

		if execErr == nil {
			e.record(ctx, name, platform, attempt, OutcomeSuccess, nil, evidence)
			return e.complete(name, path, res)
		}

		outcome := classify(execErr)
		e.record(ctx, name, platform, attempt, outcome, execErr, evidence)
		if outcome != OutcomeRetriable {
			// Retrying cannot help, and for an unverified action it
			// could double-post. Leave the task in Approved.
			e.logger().Error("task failed, not retrying",
				"task", name, "platform", platform, "outcome", string(outcome), "error", execErr)
			return outcome, execErr
		}
		lastErr = execErr
		e.logger().Warn("attempt failed",
			"task", name, "platform", platform,
			"attempt", attempt, "max", e.Cfg.MaxRetries, "error", execErr)
		if attempt < e.Cfg.MaxRetries {
			if err := wait(ctx, e.Cfg.RetryWait()); err != nil {
				return OutcomeRetriable, err
			}
		}
	}

	err = fmt.Errorf("gave up after %d attempts: %w", e.Cfg.MaxRetries, lastErr)
	e.record(ctx, name, platform, e.Cfg.MaxRetries, OutcomeExhausted, err, "")
	e.logger().Error("retry budget exhausted, task stays in Approved", "task", name, "error", err)
	return OutcomeExhausted, err
}

func (e *Executor) attempt(ctx context.Context, h Handler, t task.Task) (Result, error) {
	actx := ctx
	if timeout := e.Cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h.Execute(actx, t)
}

// resolve finds the handler for a platform and checks its
// preconditions. Failures here burn no attempts.
func (e *Executor) resolve(platform string) (Handler, Outcome, error) {
	if len(e.Cfg.Platforms) > 0 && !slices.Contains(e.Cfg.Platforms, platform) {
		return nil, OutcomeConfig, fmt.Errorf("%w: platform %q not enabled in config", ErrConfig, platform)
	}
	h, ok := e.Registry.Lookup(platform)
	if !ok {
		return nil, OutcomeConfig, fmt.Errorf("%w: no handler for platform %q", ErrConfig, platform)
	}
	if h.RequiresSession() && !e.sessionReady(platform) {
		return nil, OutcomeConfig, fmt.Errorf("%w: no session for %q, log in first (sessions/%s)", ErrConfig, platform, platform)
	}
	return h, "", nil
}

func (e *Executor) sessionReady(platform string) bool {
	entries, err := os.ReadDir(e.Vault.SessionDir(platform))
	return err == nil && len(entries) > 0
}

func (e *Executor) archive(ctx context.Context, name, path string) (Outcome, error) {
	if e.DryRun {
		e.logger().Info("dry run, would archive", "task", name)
		return OutcomeDryRun, nil
	}
	e.record(ctx, name, "", 0, OutcomeSuccess, nil, "")
	return e.complete(name, path, Result{Note: "archived"})
}

// complete moves the task file into Done with a completion-date prefix.
// The rename doubles as the claim: if a concurrent actor won the race
// the rename fails and the task counts as handled.
func (e *Executor) complete(name, path string, res Result) (Outcome, error) {
	done := e.now().UTC().Format("2006-01-02") + "_" + name
	if _, err := e.Vault.Move(path, vault.Done, done); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeSkipped, nil
		}
		return OutcomeSuccess, err
	}
	e.logger().Info("task completed", "task", name, "done_as", done, "note", res.Note)
	return OutcomeSuccess, nil
}

func (e *Executor) record(ctx context.Context, name, platform string, attempt int, outcome Outcome, execErr error, evidence string) {
	rec := audit.Record{
		Action:   "task.attempt",
		TaskID:   name,
		Platform: platform,
		Attempt:  attempt,
		Outcome:  string(outcome),
		Evidence: evidence,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := e.Audit.Append(ctx, rec); err != nil {
		e.logger().Error("audit append failed", "task", name, "error", err)
	}
}

// writeEvidence captures one attempt's outcome under Diagnostics.
func (e *Executor) writeEvidence(name, platform string, attempt int, res Result, execErr error) (string, error) {
	ts := e.now().UTC().Format("20060102_150405")
	base := strings.TrimSuffix(name, ".md")
	fname := fmt.Sprintf("%s_attempt%d_%s_%s.txt", ts, attempt, platform, task.Sanitize(base))

	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\nplatform: %s\nattempt: %d\ntime: %s\n", name, platform, attempt, ts)
	if execErr != nil {
		fmt.Fprintf(&b, "outcome: %s\nerror: %s\n", classify(execErr), execErr)
	} else {
		fmt.Fprintf(&b, "outcome: success\nnote: %s\n", res.Note)
	}
	for k, v := range res.Details {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}

	full := filepath.Join(e.Vault.DiagnosticsDir(), fname)
	if err := os.WriteFile(full, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return fname, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, ErrManualVerify):
		return OutcomeManualVerify
	case errors.Is(err, ErrValidation):
		return OutcomeValidation
	case errors.Is(err, ErrConfig):
		return OutcomeConfig
	default:
		return OutcomeRetriable
	}
}

func platformFor(t task.Task) string {
	if t.Meta.Platform != "" {
		return t.Meta.Platform
	}
	switch t.Meta.Kind {
	case task.KindEmail:
		return "email"
	case task.KindSocialMessage:
		return t.Meta.Source
	default:
		return ""
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
