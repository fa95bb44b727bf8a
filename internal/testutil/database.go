// Package testutil provides test utilities for the legacy-reconcile project:
// migrated live stores with seeded records and helpers around transactions.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
	"github.com/Veraticus/legacy-reconcile/internal/storage"
)

// TestDB is a migrated sqlite live store scoped to one test.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
}

// SeedRecord is a live record created before the test runs. An empty
// LegacyID seeds a record that was never linked to the export.
type SeedRecord struct {
	Fields   model.Fields
	Entity   model.Entity
	LegacyID string
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, *storage.SQLiteStorage) error
	Seed           []SeedRecord
	SkipMigrations bool
}

// SetupTestDB creates a new test database in t.TempDir().
// It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	customer := db.Seed(model.EntityCustomer, "", model.Fields{model.FieldEmail: "a@x.com"})
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "live.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	db := &TestDB{Storage: store, t: t}
	for _, rec := range opts.Seed {
		db.Seed(rec.Entity, rec.LegacyID, rec.Fields)
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	return db
}

// Seed inserts one live record in its own transaction or fails the test.
func (db *TestDB) Seed(entity model.Entity, legacyID string, fields model.Fields) model.LiveRecord {
	db.t.Helper()

	var created *model.LiveRecord
	err := db.WithCommit(func(tx service.LiveTx) error {
		var err error
		created, err = tx.Insert(context.Background(), entity, legacyID, fields)
		return err
	})
	if err != nil {
		db.t.Fatalf("failed to seed %s %q: %v", entity, legacyID, err)
	}
	return *created
}

// MustFindByLegacyID returns the live record linked to legacyID or fails the test.
func (db *TestDB) MustFindByLegacyID(entity model.Entity, legacyID string) model.LiveRecord {
	db.t.Helper()
	rec, err := db.Storage.FindByLegacyID(context.Background(), entity, legacyID)
	if err != nil {
		db.t.Fatalf("failed to find %s %q: %v", entity, legacyID, err)
	}
	return *rec
}

// WithTransaction executes the given function within a database transaction.
// The transaction is automatically rolled back after the function completes.
func (db *TestDB) WithTransaction(fn func(tx service.LiveTx) error) error {
	tx, err := db.Storage.BeginTx(context.Background())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// WithCommit is WithTransaction that commits when fn succeeds.
func (db *TestDB) WithCommit(fn func(tx service.LiveTx) error) error {
	tx, err := db.Storage.BeginTx(context.Background())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
