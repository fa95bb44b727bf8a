package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// SQLiteStorage implements service.Store using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
}

var _ service.Store = (*SQLiteStorage)(nil)

// sqliteDriverName is go-sqlite3 with Unicode case folding registered on every
// connection. SQLite's own LOWER and UPPER only fold ASCII.
const (
	sqliteDriverName = "sqlite3_reconcile"
	sqliteLowerFunc  = "go_lower"
	sqliteUpperFunc  = "go_upper"
)

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc(sqliteLowerFunc, strings.ToLower, true); err != nil {
				return err
			}
			return conn.RegisterFunc(sqliteUpperFunc, strings.ToUpper, true)
		},
	})
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Validate input
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database
	db, err := sql.Open(sqliteDriverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections, and :memory: needs exactly one
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: failed to ping database: %w", common.ErrStoreUnavailable, err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// Ping checks that the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return nil
}

// NewCheckpointManager creates a new checkpoint manager for this storage instance.
func (s *SQLiteStorage) NewCheckpointManager() (*CheckpointManager, error) {
	return NewCheckpointManager(s.db, s.dbPath)
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.LiveTx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.LiveTx.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return translateSQLiteError(t.tx.Commit())
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTransaction) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	return t.storage.findByLegacyIDTx(ctx, t.tx, entity, legacyID)
}

func (t *sqliteTransaction) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.findByNaturalKeyTx(ctx, t.tx, key)
}

// Insert creates a live record. An empty legacyID creates an unlinked record.
func (t *sqliteTransaction) Insert(ctx context.Context, entity model.Entity, legacyID string, fields model.Fields) (*model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	return t.storage.insertTx(ctx, t.tx, entity, legacyID, fields)
}

func (t *sqliteTransaction) Update(ctx context.Context, entity model.Entity, id int64, fields model.Fields) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEntity(entity); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	return t.storage.updateTx(ctx, t.tx, entity, id, fields)
}

func (t *sqliteTransaction) LinkLegacyID(ctx context.Context, entity model.Entity, id int64, legacyID string) error {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	return t.storage.linkLegacyIDTx(ctx, t.tx, entity, id, legacyID)
}

func validateLegacyLookup(ctx context.Context, entity model.Entity, legacyID string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEntity(entity); err != nil {
		return err
	}
	return validateString(legacyID, "legacyID")
}

// translateSQLiteError maps driver errors onto the store's sentinels. Busy and
// locked databases become retryable.
func translateSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return &common.RetryableError{Err: fmt.Errorf("%w: %w", common.ErrStoreBusy, err), Retryable: true}
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %w", common.ErrDuplicateEntry, err)
		}
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %w", common.ErrDatabaseCorrupted, err)
	}
	return err
}
