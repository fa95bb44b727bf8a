// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// LiveReader is the read side of the live store.
type LiveReader interface {
	// FindByLegacyID returns common.ErrNotFound when no live record carries legacyID.
	FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error)
	// FindByNaturalKey returns every live record matching key, in id order.
	FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error)
}

// LiveWriter is the write side of the live store. It is only reachable through a LiveTx.
type LiveWriter interface {
	// Insert creates a live record. An empty legacyID creates a record not tied to the export.
	Insert(ctx context.Context, entity model.Entity, legacyID string, fields model.Fields) (*model.LiveRecord, error)
	Update(ctx context.Context, entity model.Entity, id int64, fields model.Fields) error
	// LinkLegacyID sets legacy_id on a live record. It fails with
	// common.ErrLegacyIDConflict if the record already carries a different id.
	LinkLegacyID(ctx context.Context, entity model.Entity, id int64, legacyID string) error
}

// LiveTx scopes reads and writes of one record's merge.
type LiveTx interface {
	LiveReader
	LiveWriter
	Commit() error
	Rollback() error
}

// LiveStore is the transactional collaborator the reconciliation engine needs.
type LiveStore interface {
	LiveReader
	BeginTx(ctx context.Context) (LiveTx, error)
	Ping(ctx context.Context) error
}

// RunLog persists run bookkeeping: run rows, per-record errors and cursors.
type RunLog interface {
	StartRun(ctx context.Context, run *model.Run) error
	FinishRun(ctx context.Context, run *model.Run) error
	RecordError(ctx context.Context, runID string, runErr model.RunError) error
	SaveCursor(ctx context.Context, runID string, cursor model.Cursor) error
	GetCursors(ctx context.Context, runID string) ([]model.Cursor, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	ListRunErrors(ctx context.Context, runID string) ([]model.RunError, error)
}

// Store is a live store that also keeps the run log and owns its schema.
type Store interface {
	LiveStore
	RunLog
	Migrate(ctx context.Context) error
	Close() error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
