package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 5

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial live schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS customers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					legacy_id TEXT UNIQUE,
					email TEXT,
					name TEXT,
					phone TEXT,
					address TEXT,
					city TEXT,
					state TEXT,
					zip TEXT,
					signup_date TEXT,
					dealer_code TEXT,
					password_hash TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_customers_email ON customers(email COLLATE NOCASE)`,

				`CREATE TABLE IF NOT EXISTS vehicles (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					legacy_id TEXT UNIQUE,
					customer_id INTEGER REFERENCES customers(id),
					plate TEXT,
					vin TEXT,
					make TEXT,
					model TEXT,
					year TEXT,
					color TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_vehicles_customer_plate ON vehicles(customer_id, plate)`,

				`CREATE TABLE IF NOT EXISTS product_applications (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					legacy_id TEXT UNIQUE,
					customer_id INTEGER REFERENCES customers(id),
					vehicle_id INTEGER REFERENCES vehicles(id),
					batch_code TEXT,
					product_ref TEXT,
					applied_on TEXT,
					warranty_years TEXT,
					installer TEXT,
					notes TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_product_applications_key ON product_applications(customer_id, batch_code)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Add reconciliation run log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS reconcile_runs (
					id TEXT PRIMARY KEY,
					mode TEXT NOT NULL,
					status TEXT NOT NULL,
					export_path TEXT,
					started_at DATETIME NOT NULL,
					finished_at DATETIME,
					counts TEXT,
					error_count INTEGER DEFAULT 0
				)`,
				`CREATE INDEX idx_reconcile_runs_started_at ON reconcile_runs(started_at)`,

				`CREATE TABLE IF NOT EXISTS reconcile_run_errors (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL REFERENCES reconcile_runs(id),
					entity TEXT NOT NULL,
					legacy_id TEXT,
					outcome TEXT,
					message TEXT NOT NULL,
					occurred_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_reconcile_run_errors_run ON reconcile_run_errors(run_id)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add per-entity run cursors for resumable apply",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS reconcile_cursors (
					run_id TEXT NOT NULL REFERENCES reconcile_runs(id),
					entity TEXT NOT NULL,
					legacy_id TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (run_id, entity)
				)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Add checkpoint metadata table",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS checkpoint_metadata (
					id TEXT PRIMARY KEY,
					created_at DATETIME NOT NULL,
					description TEXT,
					file_size INTEGER,
					row_counts TEXT,
					schema_version INTEGER,
					is_auto BOOLEAN DEFAULT 0,
					parent_checkpoint TEXT
				)`,
				`CREATE INDEX idx_checkpoint_metadata_created_at ON checkpoint_metadata(created_at)`,
				`CREATE INDEX idx_checkpoint_metadata_is_auto ON checkpoint_metadata(is_auto)`,
			})
		},
	},
	{
		Version:     5,
		Description: "Link checkpoints to the apply run they protect",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`ALTER TABLE checkpoint_metadata DROP COLUMN parent_checkpoint`,
				`ALTER TABLE checkpoint_metadata ADD COLUMN run_id TEXT`,
				`ALTER TABLE checkpoint_metadata ADD COLUMN export_path TEXT`,
				`ALTER TABLE checkpoint_metadata ADD COLUMN planned_writes INTEGER DEFAULT 0`,
				`CREATE INDEX idx_checkpoint_metadata_run ON checkpoint_metadata(run_id)`,
			})
		},
	},
}

// Migrate runs all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	// Verify we're at the expected schema version
	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the current schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// LatestSchemaVersion is the version Migrate brings the database to.
func (s *SQLiteStorage) LatestSchemaVersion() int {
	return ExpectedSchemaVersion
}
