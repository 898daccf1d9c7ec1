// Package migrate brings the event index up to the embedded schema.
// The index is disposable, so there is no down path; versions only
// move forward, tracked in sqlite's user_version pragma.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate applies every embedded sql/<version>_<name>.sql above the
// database's current version, in version order. Re-running against an
// up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := versionOf(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		stmt, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return err
		}
		if err := apply(db, version, string(stmt)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		current = version
	}
	return nil
}

func apply(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(stmt); err != nil {
		return err
	}
	// PRAGMA takes no placeholders; version comes from the embedded
	// filename, never from input.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func versionOf(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("schema file %s: want <version>_<name>.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("schema file %s: %w", name, err)
	}
	return v, nil
}
