package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema (applied via schemaSQL)",
		apply:       func(tx *sql.Tx) error { return nil }, // base schema applied separately
	},
	{
		version:     2,
		description: "add cost and character accounting to llm_api_calls",
		apply: func(tx *sql.Tx) error {
			// These columns exist in the base schema for fresh databases;
			// use a safe idempotent approach for ones created before them.
			for _, col := range []string{
				"ALTER TABLE llm_api_calls ADD COLUMN estimated_cost_usd REAL",
				"ALTER TABLE llm_api_calls ADD COLUMN input_char_count INTEGER",
				"ALTER TABLE llm_api_calls ADD COLUMN output_char_count INTEGER",
			} {
				if _, err := tx.Exec(col); err != nil {
					slog.Debug("migration 2: column may already exist", "sql", col, "error", err)
				}
			}
			return nil
		},
	},
	{
		version:     3,
		description: "add content quality heuristics to letter_raw_content",
		apply: func(tx *sql.Tx) error {
			stmts := []string{
				"ALTER TABLE letter_raw_content ADD COLUMN content_quality_score REAL",
				"ALTER TABLE letter_raw_content ADD COLUMN has_technical_content INTEGER DEFAULT 0",
				"ALTER TABLE letter_raw_content ADD COLUMN has_tables INTEGER DEFAULT 0",
				"ALTER TABLE letter_raw_content ADD COLUMN word_count INTEGER DEFAULT 0",
				"ALTER TABLE letter_raw_content ADD COLUMN paragraph_count INTEGER DEFAULT 0",
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					slog.Debug("migration 3: statement may already be applied", "sql", stmt, "error", err)
				}
			}
			return nil
		},
	},
}

// Migrate runs all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	// Ensure the schema_version table exists.
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	// Get current version.
	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.version, "description", m.description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}
