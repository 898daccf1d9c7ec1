// Package loop drives an external agent command against the vault in
// bounded iterations. The agent does the thinking; the loop supplies
// the objective, watches the stage directories for progress, and stops
// on one of three completion signals or when the iteration budget runs
// out. It never loops unbounded.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/vault"
)

// Completion reasons, in the priority order they are checked.
const (
	ReasonToken        = "completion_token"
	ReasonDoneProgress = "done_progress"
	ReasonQueueDrained = "queue_drained"
	ReasonBudget       = "iteration_budget_exhausted"
	ReasonAborted      = "aborted"
)

// tailLimit caps how much of the previous iteration's output is fed
// back into the next prompt.
const tailLimit = 1500

type Loop struct {
	Vault  vault.Vault
	Cfg    config.LoopConfig
	Audit  audit.Log
	Logger *slog.Logger
	Now    func() time.Time
	// Runner executes one agent invocation and returns its combined
	// output. Tests substitute it; the default shells out to Cfg.Actor.
	Runner func(ctx context.Context, argv []string, prompt string) (string, error)
}

// State is the snapshot written to .vaultline/loop_state.json after
// every iteration. It is overwritten, not appended; the audit log
// keeps the history.
type State struct {
	Objective   string `json:"objective"`
	Iteration   int    `json:"iteration"`
	MaxIters    int    `json:"max_iterations"`
	StartedAt   string `json:"started_at"`
	UpdatedAt   string `json:"updated_at"`
	NeedsAction int    `json:"needs_action"`
	NewDone     int    `json:"new_done"`
	OutputTail  string `json:"output_tail"`
	Completed   bool   `json:"completed"`
	Reason      string `json:"reason,omitempty"`
}

type Result struct {
	Iterations int
	Completed  bool
	Reason     string
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run iterates the agent until a completion rule fires or the budget
// is spent. A command that cannot run at all (not found, timed out)
// aborts immediately; repeating it would repeat the failure.
func (l *Loop) Run(ctx context.Context, objective string) (Result, error) {
	if len(l.Cfg.Actor) == 0 {
		return Result{}, errors.New("no actor command configured")
	}
	started := l.now().UTC()
	l.logger().Info("loop started",
		"actor", strings.Join(l.Cfg.Actor, " "),
		"max_iterations", l.Cfg.MaxIterations,
		"objective", objective)

	doneBefore, err := l.Vault.Snapshot(vault.Done)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot Done: %w", err)
	}

	var lastTail string
	for i := 1; i <= l.Cfg.MaxIterations; i++ {
		naBefore, err := l.countNeedsAction()
		if err != nil {
			return Result{Iterations: i - 1}, err
		}

		prompt := l.buildPrompt(objective, i, lastTail)
		out, runErr := l.invoke(ctx, prompt)
		lastTail = tail(out, tailLimit)

		naNow, countErr := l.countNeedsAction()
		if countErr != nil {
			naNow = naBefore
		}
		newDone, doneErr := l.countNewDone(doneBefore)
		if doneErr != nil {
			newDone = 0
		}

		if runErr != nil && fatal(runErr) {
			l.persist(State{
				Objective: objective, Iteration: i, MaxIters: l.Cfg.MaxIterations,
				StartedAt: started.Format(time.RFC3339), UpdatedAt: l.now().UTC().Format(time.RFC3339),
				NeedsAction: naNow, NewDone: newDone, OutputTail: lastTail,
				Reason: ReasonAborted,
			})
			l.recordIteration(ctx, i, ReasonAborted, runErr)
			l.logger().Error("agent command failed, aborting loop", "iteration", i, "error", runErr)
			return Result{Iterations: i, Reason: ReasonAborted}, runErr
		}
		if runErr != nil {
			// Nonzero exit with output still counts as an iteration;
			// the agent may have made progress before failing.
			l.logger().Warn("agent exited with error", "iteration", i, "error", runErr)
		}

		reason := l.completion(out, naBefore, naNow, newDone)
		completed := reason != ""

		l.persist(State{
			Objective: objective, Iteration: i, MaxIters: l.Cfg.MaxIterations,
			StartedAt: started.Format(time.RFC3339), UpdatedAt: l.now().UTC().Format(time.RFC3339),
			NeedsAction: naNow, NewDone: newDone, OutputTail: lastTail,
			Completed: completed, Reason: reason,
		})
		l.recordIteration(ctx, i, reason, runErr)

		if completed {
			l.logger().Info("loop completed", "iteration", i, "reason", reason)
			return Result{Iterations: i, Completed: true, Reason: reason}, nil
		}
		l.logger().Info("iteration finished, objective not met",
			"iteration", i, "needs_action", naNow, "new_done", newDone)
	}

	l.logger().Warn("iteration budget exhausted", "max_iterations", l.Cfg.MaxIterations)
	return Result{Iterations: l.Cfg.MaxIterations, Reason: ReasonBudget}, nil
}

// completion checks the three stop rules in fixed priority order.
func (l *Loop) completion(out string, naBefore, naNow, newDone int) string {
	if l.Cfg.CompletionToken != "" && strings.Contains(out, l.Cfg.CompletionToken) {
		return ReasonToken
	}
	if newDone > 0 && naNow == 0 {
		return ReasonDoneProgress
	}
	if naBefore > 0 && naNow == 0 {
		return ReasonQueueDrained
	}
	return ""
}

func (l *Loop) buildPrompt(objective string, iteration int, lastTail string) string {
	var b strings.Builder
	b.WriteString(objective)
	fmt.Fprintf(&b, "\n\nWork inside the vault at %s. Process the tasks in %s.\n", l.Vault.Root, vault.NeedsAction)
	fmt.Fprintf(&b, "When the objective is fully met, print %s and stop.\n", l.Cfg.CompletionToken)
	if iteration > 1 && lastTail != "" {
		fmt.Fprintf(&b, "\nIteration %d. Output from the previous iteration:\n%s\n", iteration, lastTail)
	}
	return b.String()
}

func (l *Loop) invoke(ctx context.Context, prompt string) (string, error) {
	if l.Runner != nil {
		return l.Runner(ctx, l.Cfg.Actor, prompt)
	}
	runCtx := ctx
	if timeout := l.Cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, l.Cfg.Actor[0], l.Cfg.Actor[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("agent timed out after %s: %w", l.Cfg.Timeout(), context.DeadlineExceeded)
	}
	return buf.String(), err
}

// fatal reports whether the failure means further iterations are
// pointless.
func fatal(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (l *Loop) countNeedsAction() (int, error) {
	names, err := l.Vault.List(vault.NeedsAction)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", vault.NeedsAction, err)
	}
	return len(names), nil
}

func (l *Loop) countNewDone(before map[string]bool) (int, error) {
	names, err := l.Vault.List(vault.Done)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if !before[name] {
			n++
		}
	}
	return n, nil
}

// StatePath returns where the loop snapshot lives.
func (l *Loop) StatePath() string {
	return filepath.Join(l.Vault.StateDir(), "loop_state.json")
}

func (l *Loop) persist(s State) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(l.StatePath(), data, 0o644); err != nil {
		l.logger().Warn("loop state write failed", "error", err)
	}
}

func (l *Loop) recordIteration(ctx context.Context, iteration int, reason string, runErr error) {
	rec := audit.Record{
		Action:  "loop.iteration",
		Attempt: iteration,
		Outcome: reason,
	}
	if rec.Outcome == "" {
		rec.Outcome = "continue"
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := l.Audit.Append(ctx, rec); err != nil {
		l.logger().Error("audit append failed", "error", err)
	}
}

// tail keeps at most n trailing bytes of s, never cutting through a
// multi-byte rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s); i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return ""
}
