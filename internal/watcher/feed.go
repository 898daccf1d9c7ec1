package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vaultline/internal/ledger"
	"vaultline/internal/task"
	"vaultline/internal/vault"
)

// Feed polls a JSON endpoint for events. It is the generic shape behind
// the mailbox and social-mention watchers: the concrete provider
// (Gmail, a social platform) sits behind the endpoint and stays out of
// scope here.
type Feed struct {
	Vault    vault.Vault
	Ledger   *ledger.Ledger
	Tag      string // filename prefix and source tag, e.g. "email"
	Kind     task.Kind
	Endpoint string
	Keywords []string // empty means every event matches
	Timeout  time.Duration
	// LoginWait bounds how long WaitForReauth blocks for a manual
	// re-login before giving up until the next cycle.
	LoginWait time.Duration
	Client    *http.Client
	Logger    *slog.Logger
	Now       func() time.Time
}

// feedItem is the wire shape of one event from the endpoint.
type feedItem struct {
	ID      string         `json:"id"`
	Sender  string         `json:"sender"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (w *Feed) Name() string { return w.Tag }

func (w *Feed) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Feed) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return http.DefaultClient
}

func (w *Feed) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// CheckForUpdates queries the endpoint and returns unseen, keyword-
// matched events in source order. Transient network failures are
// logged and absorbed; a 401 surfaces as ErrSessionExpired.
func (w *Feed) CheckForUpdates(ctx context.Context) ([]Event, error) {
	items, err := w.fetch(ctx)
	if err != nil {
		if errors.Is(err, errUnauthorized) {
			return nil, fmt.Errorf("%s: %w", w.Tag, ErrSessionExpired)
		}
		w.logger().Warn("feed fetch failed, skipping cycle", "watcher", w.Tag, "error", err)
		return nil, nil
	}
	var events []Event
	for _, it := range items {
		if it.ID == "" || w.Ledger.HasSeen(it.ID) {
			continue
		}
		matched := w.matchKeywords(it)
		if len(w.Keywords) > 0 && len(matched) == 0 {
			continue
		}
		events = append(events, Event{
			ID:       it.ID,
			Sender:   it.Sender,
			Subject:  it.Subject,
			Body:     it.Body,
			Keywords: matched,
			Extra:    it.Extra,
		})
	}
	return events, nil
}

var errUnauthorized = errors.New("unauthorized")

func (w *Feed) fetch(ctx context.Context) ([]feedItem, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	var items []feedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return items, nil
}

func (w *Feed) matchKeywords(it feedItem) []string {
	if len(w.Keywords) == 0 {
		return nil
	}
	haystack := strings.ToLower(it.Sender + " " + it.Subject + " " + it.Body)
	var matched []string
	for _, kw := range w.Keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// CreateActionFile renders the event into a Needs_Action task file and
// commits the id to the ledger only once the file is on disk.
func (w *Feed) CreateActionFile(ctx context.Context, ev Event) (string, error) {
	now := w.now()
	meta := task.Meta{
		Kind:     w.Kind,
		Source:   w.Tag,
		SourceID: ev.ID,
		Priority: "P2",
		Status:   task.StatusPending,
		Sender:   ev.Sender,
		Subject:  ev.Subject,
		Created:  now.UTC().Format(time.RFC3339),
		Extra:    map[string]any{},
	}
	if len(ev.Keywords) > 0 {
		meta.Extra["keywords"] = ev.Keywords
	}
	for k, v := range ev.Extra {
		meta.Extra[k] = v
	}
	body := fmt.Sprintf("# %s\n\nFrom: %s\n\n%s\n", orDefault(ev.Subject, "New "+string(w.Kind)), ev.Sender, ev.Body)
	t := task.Task{Meta: meta, Body: body}
	data, err := t.Encode()
	if err != nil {
		return "", err
	}
	name := task.Filename(w.Tag, ev.ID, now)
	path, err := w.Vault.WriteFile(vault.NeedsAction, name, data)
	if err != nil {
		return "", err
	}
	if err := w.Ledger.MarkSeen(ev.ID); err != nil {
		return "", fmt.Errorf("mark seen %s: %w", ev.ID, err)
	}
	return path, nil
}

// WaitForReauth blocks until the endpoint answers without 401 again,
// checking every few seconds, bounded by LoginWait. The process keeps
// running; only this integration pauses.
func (w *Feed) WaitForReauth(ctx context.Context) error {
	wait := w.LoginWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	deadline := time.Now().Add(wait)
	for {
		if _, err := w.fetch(ctx); !errors.Is(err, errUnauthorized) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: re-authentication wait timed out after %s", w.Tag, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
