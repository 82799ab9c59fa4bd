package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("THESIS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("THESIS_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := os.DirFS(filepath.Join("..", "..", "db", "migrations"))

	applied, err := MigrateUp(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected migrations to be applied on an empty schema")
	}

	for range applied {
		if _, ok, err := MigrateDown(ctx, db, migrationsDir); err != nil || !ok {
			t.Fatalf("roll back migration: ok=%v err=%v", ok, err)
		}
	}
	if _, ok, err := MigrateDown(ctx, db, migrationsDir); err != nil || ok {
		t.Fatalf("expected nothing left to roll back, ok=%v err=%v", ok, err)
	}

	states, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	for _, state := range states {
		if state.AppliedAt != nil {
			t.Fatalf("migration %s still recorded after rollback", state.ID())
		}
	}

	if _, err := MigrateUp(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
