package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CheckpointManager snapshots the sqlite live store into a checkpoints
// directory next to the database file. Every snapshot has a JSON sidecar and
// a row in checkpoint_metadata.
type CheckpointManager struct {
	db       *sql.DB
	dbPath   string
	dir      string
	keepAuto int
	now      func() time.Time
}

// DefaultKeepAuto is how many automatic checkpoints survive cleanup.
const DefaultKeepAuto = 5

// CheckpointMetadata is the sidecar of one snapshot.
type CheckpointMetadata struct {
	CreatedAt     time.Time      `json:"created_at"`
	RowCounts     map[string]int `json:"row_counts"`
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	RunID         string         `json:"run_id,omitempty"`
	ExportPath    string         `json:"export_path,omitempty"`
	FileSize      int64          `json:"file_size"`
	SchemaVersion int            `json:"schema_version"`
	PlannedWrites int            `json:"planned_writes,omitempty"`
	IsAuto        bool           `json:"is_auto"`
}

// CheckpointInfo is the listing view of a checkpoint.
type CheckpointInfo struct {
	CreatedAt     time.Time
	ID            string
	Description   string
	RunID         string
	ExportPath    string
	FileSize      int64
	Customers     int
	Vehicles      int
	Applications  int
	Runs          int
	SchemaVersion int
	PlannedWrites int
	IsAuto        bool
}

// ApplyTrigger describes the apply run an automatic checkpoint protects.
type ApplyTrigger struct {
	RunID      string
	ExportPath string
	Writes     int
}

// Common errors.
var (
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointCorrupted = errors.New("checkpoint integrity check failed")
	ErrCheckpointExists    = errors.New("checkpoint already exists")
	ErrInvalidCheckpointID = errors.New("invalid checkpoint id: cannot contain path separators")
)

// counted lists the tables whose row counts a checkpoint records.
var counted = []string{"customers", "vehicles", "product_applications", "reconcile_runs", "reconcile_run_errors"}

// NewCheckpointManager creates the checkpoints directory next to dbPath.
func NewCheckpointManager(db *sql.DB, dbPath string) (*CheckpointManager, error) {
	dir := filepath.Join(filepath.Dir(dbPath), "checkpoints")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	return &CheckpointManager{
		db:       db,
		dbPath:   dbPath,
		dir:      dir,
		keepAuto: DefaultKeepAuto,
		now:      time.Now,
	}, nil
}

// KeepAuto sets how many automatic checkpoints are kept. Values below one
// are ignored.
func (cm *CheckpointManager) KeepAuto(n int) {
	if n > 0 {
		cm.keepAuto = n
	}
}

// Create snapshots the live store under tag. An empty tag is generated from
// the current time.
func (cm *CheckpointManager) Create(ctx context.Context, tag, description string) (*CheckpointInfo, error) {
	if tag == "" {
		tag = "checkpoint-" + cm.now().Format("2006-01-02-1504")
	}
	return cm.create(ctx, CheckpointMetadata{ID: tag, Description: description})
}

// AutoCheckpoint snapshots the live store before an apply run writes to it and
// prunes automatic checkpoints beyond the keep limit.
func (cm *CheckpointManager) AutoCheckpoint(ctx context.Context, trigger ApplyTrigger) (*CheckpointInfo, error) {
	tag := "auto-apply-" + cm.now().Format("2006-01-02-150405")
	description := "Automatic checkpoint before apply"
	if trigger.RunID != "" {
		tag = fmt.Sprintf("auto-apply-%s-%s", shortRunID(trigger.RunID), cm.now().Format("20060102-150405"))
		description = fmt.Sprintf("Automatic checkpoint before apply run %s", trigger.RunID)
	}
	if trigger.ExportPath != "" {
		description += " of " + filepath.Base(trigger.ExportPath)
	}

	info, err := cm.create(ctx, CheckpointMetadata{
		ID:            tag,
		Description:   description,
		RunID:         trigger.RunID,
		ExportPath:    trigger.ExportPath,
		PlannedWrites: trigger.Writes,
		IsAuto:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auto-checkpoint: %w", err)
	}

	if err := cm.pruneAuto(ctx); err != nil {
		slog.Warn("Failed to prune automatic checkpoints", "error", err)
	}
	return info, nil
}

func (cm *CheckpointManager) create(ctx context.Context, meta CheckpointMetadata) (*CheckpointInfo, error) {
	dbFile, metaFile, err := cm.paths(meta.ID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dbFile); err == nil {
		return nil, ErrCheckpointExists
	}

	if err := cm.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&meta.SchemaVersion); err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	meta.RowCounts = cm.collectRowCounts(ctx)

	if err := cm.backup(ctx, dbFile); err != nil {
		return nil, fmt.Errorf("failed to backup database: %w", err)
	}
	stat, err := os.Stat(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	meta.FileSize = stat.Size()
	meta.CreatedAt = cm.now()

	if err := writeMetadata(metaFile, meta); err != nil {
		if rmErr := os.Remove(dbFile); rmErr != nil {
			slog.Error("Failed to remove checkpoint after metadata write failure", "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save metadata: %w", err)
	}
	if err := cm.recordMetadata(ctx, meta); err != nil {
		// the sidecar is authoritative; the table is only an index
		slog.Warn("Failed to record checkpoint metadata", "checkpoint", meta.ID, "error", err)
	}

	slog.Info("Created checkpoint", "checkpoint", meta.ID, "run_id", meta.RunID, "size", meta.FileSize)
	return meta.info(), nil
}

// List returns every checkpoint, newest first. Unreadable sidecars are skipped.
func (cm *CheckpointManager) List(_ context.Context) ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}

	var out []CheckpointInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		meta, err := readMetadata(filepath.Join(cm.dir, entry.Name()))
		if err != nil {
			slog.Debug("Skipping unreadable checkpoint metadata", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, *meta.info())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetCheckpointInfo returns one checkpoint.
func (cm *CheckpointManager) GetCheckpointInfo(_ context.Context, checkpointID string) (*CheckpointInfo, error) {
	_, metaFile, err := cm.paths(checkpointID)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(metaFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint metadata: %w", err)
	}
	return meta.info(), nil
}

// ForRun returns the automatic checkpoint taken before the given apply run.
func (cm *CheckpointManager) ForRun(ctx context.Context, runID string) (*CheckpointInfo, error) {
	checkpoints, err := cm.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range checkpoints {
		if checkpoints[i].RunID == runID {
			return &checkpoints[i], nil
		}
	}
	return nil, ErrCheckpointNotFound
}

// Restore replaces the live store with a checkpoint. It closes the manager's
// connection; callers reopen the store afterwards.
func (cm *CheckpointManager) Restore(_ context.Context, checkpointID string) error {
	dbFile, metaFile, err := cm.paths(checkpointID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbFile); err != nil {
		if os.IsNotExist(err) {
			return ErrCheckpointNotFound
		}
		return fmt.Errorf("failed to access checkpoint: %w", err)
	}
	if _, err := readMetadata(metaFile); err != nil {
		return fmt.Errorf("failed to load checkpoint metadata: %w", err)
	}
	if err := verifyIntegrity(dbFile); err != nil {
		slog.Error("Checkpoint failed integrity check", "checkpoint", checkpointID, "error", err)
		return ErrCheckpointCorrupted
	}

	if err := cm.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	saved := cm.dbPath + ".restore-backup"
	if err := copyFile(cm.dbPath, saved); err != nil {
		return fmt.Errorf("failed to backup current database: %w", err)
	}
	if err := copyFile(dbFile, cm.dbPath); err != nil {
		if rollbackErr := copyFile(saved, cm.dbPath); rollbackErr != nil {
			slog.Error("Failed to put the live store back after a failed restore", "error", rollbackErr)
		}
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	if err := os.Remove(saved); err != nil {
		slog.Warn("Failed to remove restore backup", "path", saved, "error", err)
	}

	slog.Info("Restored checkpoint", "checkpoint", checkpointID)
	return nil
}

// Delete removes a checkpoint and its metadata.
func (cm *CheckpointManager) Delete(ctx context.Context, checkpointID string) error {
	dbFile, metaFile, err := cm.paths(checkpointID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbFile); err != nil {
		if os.IsNotExist(err) {
			return ErrCheckpointNotFound
		}
		return fmt.Errorf("failed to access checkpoint: %w", err)
	}

	if err := os.Remove(dbFile); err != nil {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	if err := os.Remove(metaFile); err != nil {
		slog.Debug("Failed to remove checkpoint metadata file", "path", metaFile, "error", err)
	}
	if _, err := cm.db.ExecContext(ctx, "DELETE FROM checkpoint_metadata WHERE id = ?", checkpointID); err != nil {
		slog.Debug("Failed to remove checkpoint metadata row", "checkpoint", checkpointID, "error", err)
	}
	return nil
}

// pruneAuto deletes automatic checkpoints beyond keepAuto, oldest first.
func (cm *CheckpointManager) pruneAuto(ctx context.Context) error {
	checkpoints, err := cm.List(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, cp := range checkpoints {
		if !cp.IsAuto {
			continue
		}
		kept++
		if kept <= cm.keepAuto {
			continue
		}
		if err := cm.Delete(ctx, cp.ID); err != nil {
			slog.Debug("Failed to prune automatic checkpoint", "checkpoint", cp.ID, "error", err)
		}
	}
	return nil
}

func (cm *CheckpointManager) paths(checkpointID string) (dbFile, metaFile string, err error) {
	if checkpointID == "" || strings.ContainsAny(checkpointID, `/\`) || strings.Contains(checkpointID, "..") {
		return "", "", ErrInvalidCheckpointID
	}
	return filepath.Join(cm.dir, checkpointID+".db"), filepath.Join(cm.dir, checkpointID+".meta.json"), nil
}

// collectRowCounts counts the rows of every table in counted. Tables missing
// from older schemas count as zero.
func (cm *CheckpointManager) collectRowCounts(ctx context.Context) map[string]int {
	counts := make(map[string]int, len(counted))
	for _, table := range counted {
		var n int
		// #nosec G202 - table names come from the fixed counted list
		if err := cm.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			slog.Debug("Failed to count rows", "table", table, "error", err)
		}
		counts[table] = n
	}
	return counts
}

// backup writes a consistent copy of the live store with VACUUM INTO.
func (cm *CheckpointManager) backup(ctx context.Context, dest string) error {
	if _, err := cm.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := cm.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to vacuum into %s: %w", dest, err)
	}
	return nil
}

func (cm *CheckpointManager) recordMetadata(ctx context.Context, meta CheckpointMetadata) error {
	rowCounts, err := json.Marshal(meta.RowCounts)
	if err != nil {
		return err
	}
	_, err = cm.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoint_metadata
		(id, created_at, description, file_size, row_counts, schema_version, is_auto, run_id, export_path, planned_writes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.CreatedAt, meta.Description, meta.FileSize, string(rowCounts),
		meta.SchemaVersion, meta.IsAuto, nullable(meta.RunID), nullable(meta.ExportPath), meta.PlannedWrites,
	)
	return err
}

func (meta CheckpointMetadata) info() *CheckpointInfo {
	return &CheckpointInfo{
		CreatedAt:     meta.CreatedAt,
		ID:            meta.ID,
		Description:   meta.Description,
		RunID:         meta.RunID,
		ExportPath:    meta.ExportPath,
		FileSize:      meta.FileSize,
		Customers:     meta.RowCounts["customers"],
		Vehicles:      meta.RowCounts["vehicles"],
		Applications:  meta.RowCounts["product_applications"],
		Runs:          meta.RowCounts["reconcile_runs"],
		SchemaVersion: meta.SchemaVersion,
		PlannedWrites: meta.PlannedWrites,
		IsAuto:        meta.IsAuto,
	}
}

func writeMetadata(path string, meta CheckpointMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readMetadata(path string) (*CheckpointMetadata, error) {
	// #nosec G304 - path is built by paths() or read from the checkpoints directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta CheckpointMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func verifyIntegrity(path string) error {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close checkpoint", "error", err)
		}
	}()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// copyFile copies src over dst through a temporary file and a rename.
func copyFile(src, dst string) error {
	// #nosec G304 - both paths belong to the live store or its checkpoints
	source, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	tmp := dst + ".tmp"
	// #nosec G304 - see above
	dest, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dest, source); err != nil {
		_ = dest.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dest.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
