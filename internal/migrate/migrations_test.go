package migrate_test

import (
	"testing"

	"vaultline/internal/db"
	"vaultline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Vault: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	// Applying twice must not re-run the schema; the second call sees
	// user_version already current and touches nothing.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	if _, err := conn.Exec(`INSERT INTO events(id,ts,component,action) VALUES ('e1','2026-03-02T08:00:00Z','executor','task.attempt')`); err != nil {
		t.Fatalf("events table unusable: %v", err)
	}
}
