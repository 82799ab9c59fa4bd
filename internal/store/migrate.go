package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema step with its optional rollback.
type Migration struct {
	Version string
	Name    string
	UpFile  string
	// DownFile is empty when the step cannot be rolled back.
	DownFile string
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string {
	return m.UpFile
}

// MigrationState pairs a migration with the time it was applied, if ever.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
}

// LoadMigrations reads the numbered migration files of dir in version order.
func LoadMigrations(dir fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		item, ok := byVersion[match[1]]
		if !ok {
			item = &Migration{Version: match[1], Name: match[2]}
			byVersion[match[1]] = item
		}
		if match[3] == "up" {
			item.UpFile = entry.Name()
		} else {
			item.DownFile = entry.Name()
		}
	}

	items := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if item.UpFile == "" {
			return nil, fmt.Errorf("migration %s has no up file", item.Version)
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

// ApplyMigrations runs every pending up migration under migrationsDir, each in
// its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	_, err := MigrateUp(ctx, db, os.DirFS(migrationsDir))
	return err
}

// MigrateUp applies pending migrations and returns the ones it ran.
func MigrateUp(ctx context.Context, db *sql.DB, dir fs.FS) ([]Migration, error) {
	states, err := MigrationStatus(ctx, db, dir)
	if err != nil {
		return nil, err
	}

	applied := make([]Migration, 0)
	for _, state := range states {
		if state.AppliedAt != nil {
			continue
		}
		if err := runMigrationStep(ctx, db, dir, state.UpFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, state.ID())
			return err
		}); err != nil {
			return applied, err
		}
		log.Info().Str("migration", state.ID()).Msg("migration applied")
		applied = append(applied, state.Migration)
	}
	return applied, nil
}

// MigrateDown rolls back the most recently applied migration. It returns
// false when nothing is applied.
func MigrateDown(ctx context.Context, db *sql.DB, dir fs.FS) (Migration, bool, error) {
	states, err := MigrationStatus(ctx, db, dir)
	if err != nil {
		return Migration{}, false, err
	}
	for i := len(states) - 1; i >= 0; i-- {
		state := states[i]
		if state.AppliedAt == nil {
			continue
		}
		if state.DownFile == "" {
			return Migration{}, false, fmt.Errorf("migration %s has no down file", state.Version)
		}
		if err := runMigrationStep(ctx, db, dir, state.DownFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, state.ID())
			return err
		}); err != nil {
			return Migration{}, false, err
		}
		log.Info().Str("migration", state.ID()).Msg("migration rolled back")
		return state.Migration, true, nil
	}
	return Migration{}, false, nil
}

// MigrationStatus lists every migration in dir with its applied time.
func MigrationStatus(ctx context.Context, db *sql.DB, dir fs.FS) ([]MigrationState, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}

	applied := map[string]time.Time{}
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	states := make([]MigrationState, 0, len(migrations))
	for _, migration := range migrations {
		state := MigrationState{Migration: migration}
		if at, ok := applied[migration.ID()]; ok {
			state.AppliedAt = &at
		}
		states = append(states, state)
	}
	return states, nil
}

func runMigrationStep(ctx context.Context, db *sql.DB, dir fs.FS, file string, record func(*sql.Tx) error) error {
	contents, err := fs.ReadFile(dir, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	body := strings.TrimSpace(string(contents))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
