package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "vaultline.db"

type Config struct {
	Vault string
}

func dbPath(vaultRoot string) string {
	if vaultRoot == "" {
		vaultRoot = "."
	}
	return filepath.Join(vaultRoot, ".vaultline", defaultDBName)
}

// EnsureStateDir creates the vault state directory if missing.
func EnsureStateDir(vaultRoot string) (string, error) {
	path := filepath.Join(vaultRoot, ".vaultline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the event-index SQLite database. The index is disposable:
// deleting it loses nothing but query convenience, since the daily
// JSONL files in Logs/ are the authoritative audit trail.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.Vault); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Vault))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the vault.
func Path(vaultRoot string) string {
	return dbPath(vaultRoot)
}
