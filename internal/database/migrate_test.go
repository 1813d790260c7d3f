package database

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("CREATE TABLE a (x INT);\n\n  ;CREATE TABLE b (y INT);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (x INT)" || got[1] != "CREATE TABLE b (y INT)" {
		t.Fatalf("unexpected statements %q", got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	raw, err := migrationFiles.ReadFile("migrations/001_raffle.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}
	stmts := splitStatements(string(raw))
	for _, table := range []string{"tickets", "ticket_holds", "purchases", "purchase_tickets", "settlement_conflicts"} {
		found := false
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("migration does not create %s", table)
		}
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	dsn := DSN("raffle", "secret", "db", "3306", "raffle")
	for _, want := range []string{"raffle:secret@tcp(db:3306)/raffle", "parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}
