package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// FindByLegacyID returns the live record carrying legacyID.
func (s *SQLiteStorage) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	return s.findByLegacyIDTx(ctx, s.db, entity, legacyID)
}

// FindByNaturalKey returns every live record matching key, in id order.
func (s *SQLiteStorage) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.findByNaturalKeyTx(ctx, s.db, key)
}

func (s *SQLiteStorage) findByLegacyIDTx(ctx context.Context, q queryable, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	row := q.QueryRowContext(ctx, sqliteDialect.findByLegacyID(entity), legacyID)
	rec, err := scanLive(entity, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s with legacy id %s: %w", entity, legacyID, common.ErrNotFound)
	}
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to find %s by legacy id: %w", entity, err))
	}
	return rec, nil
}

func (s *SQLiteStorage) findByNaturalKeyTx(ctx context.Context, q queryable, key model.NaturalKey) ([]model.LiveRecord, error) {
	query, args, err := sqliteDialect.findByNaturalKey(key)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to query %s by natural key: %w", key.Entity, err))
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStorage) insertTx(ctx context.Context, q queryable, entity model.Entity, legacyID string, fields model.Fields) (*model.LiveRecord, error) {
	query, args, err := sqliteDialect.insert(entity, legacyID, fields)
	if err != nil {
		return nil, err
	}

	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to insert %s %s: %w", entity, legacyID, err))
	}

	return &model.LiveRecord{
		Entity:   entity,
		ID:       id,
		LegacyID: legacyID,
		Fields:   fields.Clone(),
	}, nil
}

func (s *SQLiteStorage) updateTx(ctx context.Context, q queryable, entity model.Entity, id int64, fields model.Fields) error {
	query, args, err := sqliteDialect.update(entity, id, fields)
	if err != nil {
		return err
	}
	if query == "" {
		return nil
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to update %s %d: %w", entity, id, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) linkLegacyIDTx(ctx context.Context, q queryable, entity model.Entity, id int64, legacyID string) error {
	result, err := q.ExecContext(ctx, sqliteDialect.link(entity), legacyID, id, legacyID)
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to link %s %d to legacy id %s: %w", entity, id, legacyID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, sqliteDialect.legacyIDOf(entity), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to read legacy id of %s %d: %w", entity, id, err))
	}
	return fmt.Errorf("%w: %s %d has %s, refusing %s", common.ErrLegacyIDConflict, entity, id, current, legacyID)
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
