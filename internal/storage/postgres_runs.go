package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

const pgRunColumns = `id, mode, status, COALESCE(export_path, ''), started_at, finished_at, COALESCE(counts, ''), error_count`

// StartRun implements service.RunLog.
func (p *PostgresStorage) StartRun(ctx context.Context, run *model.Run) error {
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
	_, err = p.pool.Exec(ctx, `
		INSERT INTO reconcile_runs (id, mode, status, export_path, started_at, counts, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, string(run.Mode), string(run.Status), run.ExportPath, run.StartedAt, counts, run.ErrorCount)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to start run %s: %w", run.ID, err))
	}
	return nil
}

// FinishRun implements service.RunLog.
func (p *PostgresStorage) FinishRun(ctx context.Context, run *model.Run) error {
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
	tag, err := p.pool.Exec(ctx, `
		UPDATE reconcile_runs SET status = $1, finished_at = $2, counts = $3, error_count = $4
		WHERE id = $5
	`, string(run.Status), run.FinishedAt, counts, run.ErrorCount, run.ID)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to finish run %s: %w", run.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, common.ErrNotFound)
	}
	return nil
}

// RecordError implements service.RunLog.
func (p *PostgresStorage) RecordError(ctx context.Context, runID string, runErr model.RunError) error {
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
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reconcile_run_errors (run_id, entity, legacy_id, outcome, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, runID, string(runErr.Entity), runErr.LegacyID, string(runErr.Outcome), runErr.Message, runErr.OccurredAt)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to record error for run %s: %w", runID, err))
	}
	return nil
}

// SaveCursor implements service.RunLog.
func (p *PostgresStorage) SaveCursor(ctx context.Context, runID string, cursor model.Cursor) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(runID, "runID"); err != nil {
		return err
	}
	if err := validateCursor(cursor); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reconcile_cursors (run_id, entity, legacy_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id, entity) DO UPDATE SET legacy_id = EXCLUDED.legacy_id, updated_at = now()
	`, runID, string(cursor.Entity), cursor.LegacyID)
	if err != nil {
		return translatePgError(fmt.Errorf("failed to save cursor for run %s: %w", runID, err))
	}
	return nil
}

// GetCursors implements service.RunLog.
func (p *PostgresStorage) GetCursors(ctx context.Context, runID string) ([]model.Cursor, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT entity, legacy_id FROM reconcile_cursors WHERE run_id = $1`, runID)
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to query cursors: %w", err))
	}
	defer rows.Close()

	var cursors []model.Cursor
	for rows.Next() {
		var entity, legacyID string
		if err := rows.Scan(&entity, &legacyID); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, model.Cursor{Entity: model.Entity(entity), LegacyID: legacyID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortCursors(cursors), nil
}

// GetRun implements service.RunLog.
func (p *PostgresStorage) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	run, err := scanPgRun(p.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM reconcile_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns implements service.RunLog.
func (p *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + pgRunColumns + ` FROM reconcile_runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to list runs: %w", err))
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunErrors implements service.RunLog.
func (p *PostgresStorage) ListRunErrors(ctx context.Context, runID string) ([]model.RunError, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT entity, COALESCE(legacy_id, ''), COALESCE(outcome, ''), message, occurred_at
		FROM reconcile_run_errors WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, translatePgError(fmt.Errorf("failed to list run errors: %w", err))
	}
	defer rows.Close()

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

func scanPgRun(row scanner) (*model.Run, error) {
	var run model.Run
	var mode, status, counts string
	var finished *time.Time
	if err := row.Scan(&run.ID, &mode, &status, &run.ExportPath, &run.StartedAt, &finished, &counts, &run.ErrorCount); err != nil {
		return nil, err
	}
	run.Mode = model.RunMode(mode)
	run.Status = model.RunStatus(status)
	run.FinishedAt = finished
	decoded, err := decodeCounts(counts)
	if err != nil {
		return nil, err
	}
	run.Counts = decoded
	return &run, nil
}
