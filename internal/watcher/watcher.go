// Package watcher turns external events into task files. A Source is
// the capability a concrete integration implements; Runner is the
// shared polling loop that drives any Source.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vaultline/internal/audit"
)

// Event is one external occurrence not yet converted into a task.
type Event struct {
	ID       string
	Sender   string
	Subject  string
	Body     string
	Keywords []string
	Extra    map[string]any
}

// Source is the watcher capability: query one external system for
// unseen events, and render one event into a task file.
//
// CheckForUpdates must absorb transient failures itself: catch, log,
// return an empty slice so the polling loop continues on the next
// interval. Only session expiry is reported upward, via
// ErrSessionExpired, so the runner can park the integration for
// manual re-authentication.
//
// CreateActionFile must write the task file atomically and commit the
// event id to the idempotency ledger only after the write succeeded.
type Source interface {
	Name() string
	CheckForUpdates(ctx context.Context) ([]Event, error)
	CreateActionFile(ctx context.Context, ev Event) (string, error)
}

// SessionSource is implemented by sources holding a long-lived login
// session. WaitForReauth blocks, bounded by the source's configured
// window, until the operator has re-authenticated.
type SessionSource interface {
	Source
	WaitForReauth(ctx context.Context) error
}

// ErrSessionExpired marks a detected logged-out state. It will not
// self-heal via retry; the runner waits for manual re-authentication
// instead of treating it as transient.
var ErrSessionExpired = errors.New("session expired")

// Runner drives one Source on a fixed interval until the context is
// cancelled. A poll cycle that overruns its interval causes the next
// tick to be skipped; cycles never stack.
type Runner struct {
	Source   Source
	Interval time.Duration
	Logger   *slog.Logger
	Audit    audit.Log
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run is the main polling loop. Context cancellation is the only clean
// exit; all other failures are absorbed and the loop continues.
func (r Runner) Run(ctx context.Context) error {
	log := r.logger().With("watcher", r.Source.Name())
	log.Info("watcher started", "interval", r.Interval)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		r.cycle(ctx, log)
		// Drain a tick that fired while the cycle was running so a
		// slow poll skips the missed tick instead of stacking.
		select {
		case <-ticker.C:
		default:
		}
		select {
		case <-ctx.Done():
			log.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r Runner) cycle(ctx context.Context, log *slog.Logger) {
	events, err := r.Source.CheckForUpdates(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			r.handleExpiredSession(ctx, log)
			return
		}
		// Sources absorb transient errors themselves; anything else
		// is still only worth a log line, never a crashed loop.
		log.Error("check cycle failed", "error", err)
		return
	}
	if len(events) > 0 {
		log.Info("new events", "count", len(events))
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		path, err := r.Source.CreateActionFile(ctx, ev)
		if err != nil {
			// The ledger was not written, so the event stays
			// unacknowledged and is retried next cycle.
			log.Error("create action file failed", "event", ev.ID, "error", err)
			continue
		}
		log.Info("task created", "event", ev.ID, "path", path)
		if err := r.Audit.Append(ctx, audit.Record{
			Action:  "task.created",
			TaskID:  ev.ID,
			Outcome: "created",
			Details: map[string]any{"path": path},
		}); err != nil {
			log.Warn("audit append failed", "error", err)
		}
	}
}

func (r Runner) handleExpiredSession(ctx context.Context, log *slog.Logger) {
	ss, ok := r.Source.(SessionSource)
	if !ok {
		log.Error("session expired and source cannot re-authenticate")
		return
	}
	log.Warn("session expired, waiting for manual re-authentication")
	if err := ss.WaitForReauth(ctx); err != nil {
		log.Warn("re-authentication not completed, will retry next cycle", "error", err)
		return
	}
	log.Info("session restored")
}
