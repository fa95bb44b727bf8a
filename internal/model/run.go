package model

import "time"

// RunMode selects whether a run writes to the live store.
type RunMode string

// Run modes.
const (
	ModeDryRun RunMode = "dry-run"
	ModeApply  RunMode = "apply"
)

// RunStatus tracks the lifecycle of a recorded run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusInterrupted RunStatus = "INTERRUPTED"
	RunStatusFailed      RunStatus = "FAILED"
)

// Run is the persisted record of one reconciliation run.
type Run struct {
	StartedAt  time.Time
	FinishedAt *time.Time
	Counts     map[Outcome]int
	ID         string
	Mode       RunMode
	Status     RunStatus
	ExportPath string
	ErrorCount int
}

// RunError is a per-record failure that did not stop the run.
type RunError struct {
	OccurredAt time.Time `json:"occurred_at"`
	Entity     Entity    `json:"entity"`
	LegacyID   string    `json:"legacy_id"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Message    string    `json:"message"`
}

// Cursor marks the last record of an entity that was fully processed.
type Cursor struct {
	Entity   Entity
	LegacyID string
}
