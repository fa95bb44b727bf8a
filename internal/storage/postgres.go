package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// PostgresStorage implements service.Store on a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ service.Store = (*PostgresStorage)(nil)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStorage connects to dsn and verifies the connection.
func NewPostgresStorage(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStorage, error) {
	if err := validateString(dsn, "dsn"); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	} else {
		poolConfig.MaxConns = 4
	}
	poolConfig.MinConns = 1
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", common.ErrStoreUnavailable, err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Close closes the pool.
func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return nil
}

// pgQueryable is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQueryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// FindByLegacyID implements service.LiveReader.
func (p *PostgresStorage) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	return pgFindByLegacyID(ctx, p.pool, entity, legacyID)
}

// FindByNaturalKey implements service.LiveReader.
func (p *PostgresStorage) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return pgFindByNaturalKey(ctx, p.pool, key)
}

// BeginTx starts a transaction.
func (p *PostgresStorage) BeginTx(ctx context.Context) (service.LiveTx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	return &postgresTransaction{tx: tx, ctx: ctx}, nil
}

// postgresTransaction adapts pgx.Tx to service.LiveTx. Commit and Rollback
// use the context the transaction was started with.
type postgresTransaction struct {
	tx  pgx.Tx
	ctx context.Context
}

func (t *postgresTransaction) Commit() error {
	return translatePgError(t.tx.Commit(t.ctx))
}

func (t *postgresTransaction) Rollback() error {
	// a cancelled run context must not leave the transaction open
	err := t.tx.Rollback(context.WithoutCancel(t.ctx))
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *postgresTransaction) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	return pgFindByLegacyID(ctx, t.tx, entity, legacyID)
}

func (t *postgresTransaction) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return pgFindByNaturalKey(ctx, t.tx, key)
}

func (t *postgresTransaction) Insert(ctx context.Context, entity model.Entity, legacyID string, fields model.Fields) (*model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	query, args, err := postgresDialect.insert(entity, legacyID, fields)
	if err != nil {
		return nil, err
	}
	var id int64
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return nil, translatePgError(fmt.Errorf("failed to insert %s %s: %w", entity, legacyID, err))
	}
	return &model.LiveRecord{Entity: entity, ID: id, LegacyID: legacyID, Fields: fields.Clone()}, nil
}

func (t *postgresTransaction) Update(ctx context.Context, entity model.Entity, id int64, fields model.Fields) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEntity(entity); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	query, args, err := postgresDialect.update(entity, id, fields)
	if err != nil || query == "" {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to update %s %d: %w", entity, id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	return nil
}

func (t *postgresTransaction) LinkLegacyID(ctx context.Context, entity model.Entity, id int64, legacyID string) error {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, postgresDialect.link(entity), legacyID, id, legacyID)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to link %s %d to legacy id %s: %w", entity, id, legacyID, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = t.tx.QueryRow(ctx, postgresDialect.legacyIDOf(entity), id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	if err != nil {
		return translatePgError(fmt.Errorf("failed to read legacy id of %s %d: %w", entity, id, err))
	}
	return fmt.Errorf("%w: %s %d has %s, refusing %s", common.ErrLegacyIDConflict, entity, id, current, legacyID)
}

func pgFindByLegacyID(ctx context.Context, q pgQueryable, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	rec, err := scanLive(entity, q.QueryRow(ctx, postgresDialect.findByLegacyID(entity), legacyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s with legacy id %s: %w", entity, legacyID, common.ErrNotFound)
	}
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to find %s by legacy id: %w", entity, err))
	}
	return rec, nil
}

func pgFindByNaturalKey(ctx context.Context, q pgQueryable, key model.NaturalKey) ([]model.LiveRecord, error) {
	query, args, err := postgresDialect.findByNaturalKey(key)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to query %s by natural key: %w", key.Entity, err))
	}
	defer rows.Close()

	var out []model.LiveRecord
	for rows.Next() {
		rec, err := scanLive(key.Entity, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", key.Entity, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// translatePgError maps postgres error codes onto the store's sentinels.
func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %w", common.ErrDuplicateEntry, err)
	case "40001", "40P01", "55P03":
		// serialization failure, deadlock, lock not available
		return &common.RetryableError{Err: fmt.Errorf("%w: %w", common.ErrStoreBusy, err), Retryable: true}
	}
	return err
}

// postgresMigrations mirror the sqlite schema; versions are tracked in schema_migrations.
var postgresMigrations = []struct {
	Description string
	SQL         string
	Version     int
}{
	{
		Version:     1,
		Description: "Initial live schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS customers (
				id BIGSERIAL PRIMARY KEY,
				legacy_id TEXT UNIQUE,
				email TEXT, name TEXT, phone TEXT, address TEXT, city TEXT, state TEXT, zip TEXT,
				signup_date TEXT, dealer_code TEXT, password_hash TEXT,
				created_at TIMESTAMPTZ DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_customers_email ON customers (LOWER(email));
			CREATE TABLE IF NOT EXISTS vehicles (
				id BIGSERIAL PRIMARY KEY,
				legacy_id TEXT UNIQUE,
				customer_id BIGINT REFERENCES customers(id),
				plate TEXT, vin TEXT, make TEXT, model TEXT, year TEXT, color TEXT,
				created_at TIMESTAMPTZ DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_vehicles_customer_plate ON vehicles (customer_id, plate);
			CREATE TABLE IF NOT EXISTS product_applications (
				id BIGSERIAL PRIMARY KEY,
				legacy_id TEXT UNIQUE,
				customer_id BIGINT REFERENCES customers(id),
				vehicle_id BIGINT REFERENCES vehicles(id),
				batch_code TEXT, product_ref TEXT, applied_on TEXT, warranty_years TEXT,
				installer TEXT, notes TEXT,
				created_at TIMESTAMPTZ DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_product_applications_key ON product_applications (customer_id, batch_code);`,
	},
	{
		Version:     2,
		Description: "Add reconciliation run log",
		SQL: `
			CREATE TABLE IF NOT EXISTS reconcile_runs (
				id TEXT PRIMARY KEY,
				mode TEXT NOT NULL,
				status TEXT NOT NULL,
				export_path TEXT,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ,
				counts TEXT,
				error_count INTEGER DEFAULT 0
			);
			CREATE TABLE IF NOT EXISTS reconcile_run_errors (
				id BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES reconcile_runs(id),
				entity TEXT NOT NULL,
				legacy_id TEXT,
				outcome TEXT,
				message TEXT NOT NULL,
				occurred_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_reconcile_run_errors_run ON reconcile_run_errors (run_id);`,
	},
	{
		Version:     3,
		Description: "Add per-entity run cursors for resumable apply",
		SQL: `
			CREATE TABLE IF NOT EXISTS reconcile_cursors (
				run_id TEXT NOT NULL REFERENCES reconcile_runs(id),
				entity TEXT NOT NULL,
				legacy_id TEXT NOT NULL,
				updated_at TIMESTAMPTZ DEFAULT now(),
				PRIMARY KEY (run_id, entity)
			);`,
	},
}

// Migrate applies pending schema migrations, one transaction each.
func (p *PostgresStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range postgresMigrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		slog.Info("Applied migration",
			"version", m.Version,
			"description", m.Description)
	}
	return nil
}

// SchemaVersion reports the newest applied migration, 0 on a fresh database.
func (p *PostgresStorage) SchemaVersion(ctx context.Context) (int, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", translatePgError(err))
	}
	if !exists {
		return 0, nil
	}
	var version int
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", translatePgError(err))
	}
	return version, nil
}

// LatestSchemaVersion is the version Migrate brings the database to.
func (p *PostgresStorage) LatestSchemaVersion() int {
	return postgresMigrations[len(postgresMigrations)-1].Version
}
