package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var sqliteMigrations = []Migration{
	{
		Version:     1,
		Description: "records table keyed by insertion sequence",
		SQL: `
CREATE TABLE IF NOT EXISTS records (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  class TEXT NOT NULL,
  id TEXT NOT NULL,
  properties TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(class, id)
);

CREATE INDEX IF NOT EXISTS idx_records_class_seq ON records(class, seq);
`,
	},
	{
		Version:     2,
		Description: "expression index for entityId lookups",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_records_class_entity_id
  ON records(class, json_extract(properties, '$."entityId"'));
`,
	},
}

var postgresMigrations = []Migration{
	{
		Version:     1,
		Description: "records table with JSONB properties",
		SQL: `
CREATE TABLE IF NOT EXISTS dsgate_records (
  seq BIGSERIAL PRIMARY KEY,
  class TEXT NOT NULL,
  id TEXT NOT NULL,
  properties JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE(class, id)
);

CREATE INDEX IF NOT EXISTS idx_dsgate_records_class_seq ON dsgate_records(class, seq);
CREATE INDEX IF NOT EXISTS idx_dsgate_records_entity_id ON dsgate_records(class, (properties->>'entityId'));
`,
	},
}

func sortedMigrations(list []Migration) []Migration {
	sorted := make([]Migration, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

const sqliteMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// runSQLiteMigrations applies all pending migrations in order, one
// transaction per step.
func runSQLiteMigrations(db *sql.DB) error {
	if _, err := db.Exec(sqliteMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range sortedMigrations(sqliteMigrations) {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

const postgresMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS dsgate_schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// runPostgresMigrations mirrors runSQLiteMigrations. An advisory transaction
// lock serializes gateways starting against the same database.
func runPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range sortedMigrations(postgresMigrations) {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(7219004)"); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM dsgate_schema_migrations WHERE version = $1)", m.Version).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.Exec(ctx, "INSERT INTO dsgate_schema_migrations (version) VALUES ($1)", m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}
