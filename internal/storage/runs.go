package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// StartRun records a new run.
func (s *SQLiteStorage) StartRun(ctx context.Context, run *model.Run) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRun(run); err != nil {
		return err
	}

	counts, err := encodeCounts(run.Counts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, mode, status, export_path, started_at, counts, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Mode), string(run.Status), run.ExportPath, run.StartedAt, counts, run.ErrorCount)
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to start run %s: %w", run.ID, err))
	}
	return nil
}

// FinishRun stores the final status, counts and finish time of a run.
func (s *SQLiteStorage) FinishRun(ctx context.Context, run *model.Run) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRun(run); err != nil {
		return err
	}

	counts, err := encodeCounts(run.Counts)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE reconcile_runs
		SET status = ?, finished_at = ?, counts = ?, error_count = ?
		WHERE id = ?
	`, string(run.Status), run.FinishedAt, counts, run.ErrorCount, run.ID)
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to finish run %s: %w", run.ID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, common.ErrNotFound)
	}
	return nil
}

// RecordError appends a per-record failure to a run's error log.
func (s *SQLiteStorage) RecordError(ctx context.Context, runID string, runErr model.RunError) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(runID, "runID"); err != nil {
		return err
	}
	if err := validateRunError(runErr); err != nil {
		return err
	}
	if runErr.OccurredAt.IsZero() {
		runErr.OccurredAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_run_errors (run_id, entity, legacy_id, outcome, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, string(runErr.Entity), runErr.LegacyID, string(runErr.Outcome), runErr.Message, runErr.OccurredAt)
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to record error for run %s: %w", runID, err))
	}
	return nil
}

// SaveCursor stores the last fully processed record of an entity.
func (s *SQLiteStorage) SaveCursor(ctx context.Context, runID string, cursor model.Cursor) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(runID, "runID"); err != nil {
		return err
	}
	if err := validateCursor(cursor); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_cursors (run_id, entity, legacy_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, entity) DO UPDATE SET legacy_id = excluded.legacy_id, updated_at = excluded.updated_at
	`, runID, string(cursor.Entity), cursor.LegacyID, time.Now())
	if err != nil {
		return translateSQLiteError(fmt.Errorf("failed to save cursor for run %s: %w", runID, err))
	}
	return nil
}

// GetCursors returns the saved cursors of a run in entity order.
func (s *SQLiteStorage) GetCursors(ctx context.Context, runID string) ([]model.Cursor, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entity, legacy_id FROM reconcile_cursors WHERE run_id = ?`, runID)
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to query cursors: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var cursors []model.Cursor
	for rows.Next() {
		var c model.Cursor
		var entity string
		if err := rows.Scan(&entity, &c.LegacyID); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		c.Entity = model.Entity(entity)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortCursors(cursors), nil
}

// GetRun returns one run.
func (s *SQLiteStorage) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, status, COALESCE(export_path, ''), started_at, finished_at, COALESCE(counts, ''), error_count
		FROM reconcile_runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A limit of 0 returns every run.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, COALESCE(export_path, ''), started_at, finished_at, COALESCE(counts, ''), error_count
		FROM reconcile_runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to list runs: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunErrors returns a run's error log in the order it was written.
func (s *SQLiteStorage) ListRunErrors(ctx context.Context, runID string) ([]model.RunError, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, COALESCE(legacy_id, ''), COALESCE(outcome, ''), message, occurred_at
		FROM reconcile_run_errors WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, translateSQLiteError(fmt.Errorf("failed to list run errors: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []model.RunError
	for rows.Next() {
		var e model.RunError
		var entity, outcome string
		if err := rows.Scan(&entity, &e.LegacyID, &outcome, &e.Message, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan run error: %w", err)
		}
		e.Entity = model.Entity(entity)
		e.Outcome = model.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var mode, status, counts string
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &mode, &status, &run.ExportPath, &run.StartedAt, &finished, &counts, &run.ErrorCount); err != nil {
		return nil, err
	}
	run.Mode = model.RunMode(mode)
	run.Status = model.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	decoded, err := decodeCounts(counts)
	if err != nil {
		return nil, err
	}
	run.Counts = decoded
	return &run, nil
}

func encodeCounts(counts map[model.Outcome]int) (string, error) {
	if counts == nil {
		counts = map[model.Outcome]int{}
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return "", fmt.Errorf("failed to encode run counts: %w", err)
	}
	return string(data), nil
}

func decodeCounts(data string) (map[model.Outcome]int, error) {
	counts := map[model.Outcome]int{}
	if data == "" {
		return counts, nil
	}
	if err := json.Unmarshal([]byte(data), &counts); err != nil {
		return nil, fmt.Errorf("failed to decode run counts: %w", err)
	}
	return counts, nil
}

// sortCursors orders cursors by processing order of their entity.
func sortCursors(cursors []model.Cursor) []model.Cursor {
	out := make([]model.Cursor, 0, len(cursors))
	for _, entity := range model.AllEntities() {
		for _, c := range cursors {
			if c.Entity == entity {
				out = append(out, c)
			}
		}
	}
	return out
}
