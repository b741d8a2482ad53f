package postgres

import (
	"strings"
	"testing"
)

func TestMigrations_DiscoversEmbeddedUpAndDown(t *testing.T) {
	migs, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations error: %v", err)
	}
	sorted := migs.Sorted()
	if len(sorted) == 0 {
		t.Fatalf("expected at least one migration")
	}
	first := sorted[0]
	if first.String() != "0001_init" {
		t.Fatalf("first migration = %q, want %q", first.String(), "0001_init")
	}
	for _, mig := range sorted {
		if mig.Up == nil || mig.Down == nil {
			t.Fatalf("migration %s: up=%v down=%v, want both", mig, mig.Up != nil, mig.Down != nil)
		}
	}
}

func TestMigrationFiles_OneStatementPerChunk(t *testing.T) {
	b, err := migrationFS.ReadFile("migrations/0001_init.tx.up.sql")
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}

	chunks := strings.Split(string(b), "--bun:split")
	var sawExclusion bool
	for i, chunk := range chunks {
		stmt := strings.TrimSpace(chunk)
		if stmt == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if !strings.HasSuffix(stmt, ";") || strings.Count(stmt, ";") != 1 {
			t.Fatalf("chunk %d holds %d statements, want 1: %q", i, strings.Count(stmt, ";"), stmt)
		}
		if strings.HasPrefix(strings.ToUpper(stmt), "DROP TABLE") {
			t.Fatalf("down statement leaked into up: %q", stmt)
		}
		if strings.Contains(stmt, "appointments_no_overlap") {
			sawExclusion = true
		}
	}
	if !sawExclusion {
		t.Fatalf("expected the overlap exclusion constraint in the initial migration")
	}
}

func TestMigrationNames_NilGroup(t *testing.T) {
	if got := migrationNames(nil); got != nil {
		t.Fatalf("migrationNames(nil) = %v, want nil", got)
	}
}
