package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vaultline/internal/ledger"
	"vaultline/internal/task"
	"vaultline/internal/vault"
)

// FileDrop polls a drop folder and stages new files: the payload is
// copied into Inbox with a FILE_ prefix and a metadata task file is
// written to Needs_Action.
type FileDrop struct {
	Vault  vault.Vault
	Ledger *ledger.Ledger
	Folder string
	Now    func() time.Time
}

func (w *FileDrop) Name() string { return "filedrop" }

func (w *FileDrop) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// CheckForUpdates scans the drop folder for unseen files. Files still
// being written change size between scans and get a different id, so
// they are picked up again once stable; temp and hidden files are
// skipped outright.
func (w *FileDrop) CheckForUpdates(ctx context.Context) ([]Event, error) {
	entries, err := os.ReadDir(w.Folder)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(w.Folder, 0o755); mkErr != nil {
				return nil, nil
			}
		}
		return nil, nil
	}
	var events []Event
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".tmp", ".crdownload", ".part":
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := fmt.Sprintf("%s:%d", name, info.Size())
		if w.Ledger.HasSeen(id) {
			continue
		}
		events = append(events, Event{
			ID:      id,
			Subject: name,
			Extra: map[string]any{
				"original_name": name,
				"size":          info.Size(),
			},
		})
	}
	return events, nil
}

// CreateActionFile copies the payload into Inbox and writes the task
// metadata file, then commits the event id to the ledger.
func (w *FileDrop) CreateActionFile(ctx context.Context, ev Event) (string, error) {
	name, _ := ev.Extra["original_name"].(string)
	src := filepath.Join(w.Folder, name)
	staged := "FILE_" + task.Sanitize(name)
	if err := w.copyIntoInbox(src, staged); err != nil {
		return "", err
	}

	now := w.now()
	t := task.Task{
		Meta: task.Meta{
			Kind:     task.KindFileDrop,
			Source:   "filedrop",
			SourceID: ev.ID,
			Priority: "P3",
			Status:   task.StatusPending,
			Subject:  name,
			Created:  now.UTC().Format(time.RFC3339),
			Extra: map[string]any{
				"original_name": name,
				"staged_as":     staged,
				"size":          ev.Extra["size"],
			},
		},
		Body: fmt.Sprintf("New file dropped for processing.\n\nOriginal: %s\nStaged as: Inbox/%s\n", name, staged),
	}
	data, err := t.Encode()
	if err != nil {
		return "", err
	}
	path, err := w.Vault.WriteFile(vault.NeedsAction, staged+".md", data)
	if err != nil {
		return "", err
	}
	if err := w.Ledger.MarkSeen(ev.ID); err != nil {
		return "", fmt.Errorf("mark seen %s: %w", ev.ID, err)
	}
	return path, nil
}

func (w *FileDrop) copyIntoInbox(src, staged string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open dropped file: %w", err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read dropped file: %w", err)
	}
	if _, err := w.Vault.WriteFile(vault.Inbox, staged, data); err != nil {
		return fmt.Errorf("stage dropped file: %w", err)
	}
	return nil
}
