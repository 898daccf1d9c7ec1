package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Stage is one lifecycle location. A task's current stage directory is
// the single source of truth for its state; moving the file IS the
// transition.
type Stage string

const (
	Inbox           Stage = "Inbox"
	NeedsAction     Stage = "Needs_Action"
	PendingApproval Stage = "Pending_Approval"
	Approved        Stage = "Approved"
	Rejected        Stage = "Rejected"
	Done            Stage = "Done"
)

// Stages in lifecycle order.
var Stages = []Stage{Inbox, NeedsAction, PendingApproval, Approved, Rejected, Done}

const (
	logsDir        = "Logs"
	diagnosticsDir = "Diagnostics"
	sessionsDir    = "sessions"
	stateDir       = ".vaultline"
)

// Vault is a workspace directory holding the staging directories and
// side areas. It carries no in-memory task state.
type Vault struct {
	Root string
}

// Open ensures the staging directories and side areas exist.
func Open(root string) (Vault, error) {
	if root == "" {
		root = "."
	}
	v := Vault{Root: root}
	dirs := make([]string, 0, len(Stages)+4)
	for _, s := range Stages {
		dirs = append(dirs, v.StageDir(s))
	}
	dirs = append(dirs, v.LogsDir(), v.DiagnosticsDir(), v.SessionsDir(), v.StateDir())
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Vault{}, fmt.Errorf("ensure vault dir %s: %w", d, err)
		}
	}
	return v, nil
}

func (v Vault) StageDir(s Stage) string { return filepath.Join(v.Root, string(s)) }

func (v Vault) LogsDir() string { return filepath.Join(v.Root, logsDir) }

func (v Vault) DiagnosticsDir() string { return filepath.Join(v.Root, diagnosticsDir) }

func (v Vault) SessionsDir() string { return filepath.Join(v.Root, sessionsDir) }

func (v Vault) StateDir() string { return filepath.Join(v.Root, stateDir) }

func (v Vault) SessionDir(p string) string { return filepath.Join(v.SessionsDir(), p) }

// Path returns the full path of a task file within a stage.
func (v Vault) Path(s Stage, name string) string {
	return filepath.Join(v.StageDir(s), name)
}

// WriteFile writes data all-or-nothing: to a temp file in the target
// stage directory, then renamed into place. Readers never observe a
// half-written task.
func (v Vault) WriteFile(s Stage, name string, data []byte) (string, error) {
	dir := v.StageDir(s)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	return dst, nil
}

// Move transitions a task file to another stage via a single rename.
// The rename is the mutual-exclusion primitive: of two movers racing
// for the same path, exactly one succeeds and the loser sees not-found.
// An optional newName renames the file in transit (e.g. date prefix on
// completion); empty keeps the name. The mtime is re-stamped so that a
// task's age counts from when it entered the stage, not from its last
// content write.
func (v Vault) Move(path string, to Stage, newName string) (string, error) {
	if newName == "" {
		newName = filepath.Base(path)
	}
	dst := v.Path(to, newName)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", filepath.Base(path), to, err)
	}
	now := time.Now()
	_ = os.Chtimes(dst, now, now)
	return dst, nil
}

// List returns visible task files in a stage, sorted by name. Hidden
// and temp files are skipped.
func (v Vault) List(s Stage) ([]string, error) {
	entries, err := os.ReadDir(v.StageDir(s))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "~") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Snapshot returns the visible file names in a stage as a set.
func (v Vault) Snapshot(s Stage) (map[string]bool, error) {
	names, err := v.List(s)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]bool, len(names))
	for _, n := range names {
		snap[n] = true
	}
	return snap, nil
}

// StaleTask is an Approved task that outlived its processing window,
// the operator-visible signal for exhausted retries. There is no
// Failed directory; staleness is inferred from file age.
type StaleTask struct {
	Name       string  `json:"name"`
	AgeSeconds float64 `json:"age_seconds"`
}

// StaleApproved lists Approved tasks older than the given window.
func (v Vault) StaleApproved(olderThan time.Duration, now time.Time) ([]StaleTask, error) {
	names, err := v.List(Approved)
	if err != nil {
		return nil, err
	}
	var stale []StaleTask
	for _, n := range names {
		info, err := os.Stat(v.Path(Approved, n))
		if err != nil {
			continue
		}
		if age := now.Sub(info.ModTime()); age > olderThan {
			stale = append(stale, StaleTask{Name: n, AgeSeconds: age.Seconds()})
		}
	}
	return stale, nil
}

// Counts returns the number of visible tasks per stage.
func (v Vault) Counts() (map[Stage]int, error) {
	counts := make(map[Stage]int, len(Stages))
	for _, s := range Stages {
		names, err := v.List(s)
		if err != nil {
			return nil, err
		}
		counts[s] = len(names)
	}
	return counts, nil
}

// ParseStage maps a directory name back to a Stage.
func ParseStage(name string) (Stage, error) {
	for _, s := range Stages {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}
