// Package storage provides the live store and run log implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// Validation errors.
var (
	ErrNilContext    = errors.New("context cannot be nil")
	ErrEmptyString   = errors.New("string parameter cannot be empty")
	ErrNilParameter  = errors.New("parameter cannot be nil")
	ErrInvalidEntity = errors.New("invalid entity")
	ErrInvalidFields = errors.New("invalid fields")
	ErrInvalidID     = errors.New("invalid record id")
	ErrInvalidRun    = errors.New("invalid run")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateEntity(entity model.Entity) error {
	if !entity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEntity, entity)
	}
	return nil
}

func validateID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return nil
}

// validateRun validates a run before it is persisted.
func validateRun(run *model.Run) error {
	if run == nil {
		return fmt.Errorf("%w: run", ErrNilParameter)
	}
	if run.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidRun)
	}
	switch run.Mode {
	case model.ModeDryRun, model.ModeApply:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRun, run.Mode)
	}
	switch run.Status {
	case model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusInterrupted, model.RunStatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRun, run.Status)
	}
	if run.StartedAt.IsZero() {
		return fmt.Errorf("%w: missing start time", ErrInvalidRun)
	}
	return nil
}

func validateRunError(runErr model.RunError) error {
	if err := validateEntity(runErr.Entity); err != nil {
		return err
	}
	return validateString(runErr.Message, "message")
}

func validateCursor(cursor model.Cursor) error {
	if err := validateEntity(cursor.Entity); err != nil {
		return err
	}
	return validateString(cursor.LegacyID, "legacyID")
}
