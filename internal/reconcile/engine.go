package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
	"github.com/Veraticus/legacy-reconcile/internal/precedence"
	"github.com/Veraticus/legacy-reconcile/internal/report"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// Store is what the engine needs from the live store.
type Store interface {
	service.LiveStore
	service.RunLog
}

// Progress receives apply progress. cli.ProgressBar implements it.
type Progress interface {
	Start(label string, total int)
	Advance()
	Finish()
}

// Options configures one run.
type Options struct {
	Mode       model.RunMode
	ExportPath string
	// ResumeRunID names an earlier run whose cursors mark records to skip.
	ResumeRunID string
	Entities    []model.Entity
	Examples    int
	Retry       service.RetryOptions
}

// Plan is the classification stream of a run. Apply executes it without
// matching again.
type Plan struct {
	Run             *model.Run
	Matches         *MatchMap
	Indexes         legacy.Indexes
	Reporter        *report.Reporter
	Options         Options
	Classifications []model.Classification
	Errors          []model.RunError
}

// Writes counts the classifications apply would execute.
func (p *Plan) Writes() int {
	n := 0
	for _, c := range p.Classifications {
		if c.Outcome.Writes() {
			n++
		}
	}
	return n
}

// ApplyResult summarizes an apply pass.
type ApplyResult struct {
	Applied map[model.Outcome]int
	Errors  []model.RunError
	Resumed int
}

// RunResult is what Run returns: the persisted run and its report.
type RunResult struct {
	Run    *model.Run
	Plan   *Plan
	Apply  *ApplyResult
	Report report.AuditReport
}

// Engine runs the extract, match, classify and apply pipeline.
type Engine struct {
	store       Store
	classifier  *Classifier
	hasher      *normalize.PasswordHasher
	progress    Progress
	now         func() time.Time
	newRunID    func() string
	beforeApply func(ctx context.Context, plan *Plan) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProgress reports apply progress.
func WithProgress(p Progress) Option {
	return func(e *Engine) { e.progress = p }
}

// WithPasswordHasher sets the hasher used for inserted and filled passwords.
func WithPasswordHasher(h *normalize.PasswordHasher) Option {
	return func(e *Engine) { e.hasher = h }
}

// WithBeforeApply runs fn once an apply run is planned and before it writes
// anything or records the run. An error from fn aborts the run.
func WithBeforeApply(fn func(ctx context.Context, plan *Plan) error) Option {
	return func(e *Engine) { e.beforeApply = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. A nil table uses precedence.Default().
func New(store Store, table *precedence.Table, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		classifier: NewClassifier(table),
		hasher:     normalize.NewPasswordHasher(0),
		now:        time.Now,
		newRunID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan extracts, matches and classifies every record. It never writes to the
// live store. An unreadable export or an unreachable store fails the run
// before any record is read.
func (e *Engine) Plan(ctx context.Context, ex *legacy.Extractor, opts Options) (*Plan, error) {
	if opts.Mode == "" {
		opts.Mode = model.ModeDryRun
	}
	entities, err := orderedEntities(opts.Entities)
	if err != nil {
		return nil, err
	}

	if err := ex.Check(ctx); err != nil {
		return nil, err
	}
	if err := e.store.Ping(ctx); err != nil {
		return nil, err
	}

	indexes, err := legacy.BuildIndex(ctx, ex, entities...)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:         e.newRunID(),
		Mode:       opts.Mode,
		Status:     model.RunStatusRunning,
		ExportPath: opts.ExportPath,
		StartedAt:  e.now(),
	}
	plan := &Plan{
		Run:      run,
		Matches:  NewMatchMap(),
		Indexes:  indexes,
		Options:  opts,
		Reporter: report.NewReporter(run.ID, opts.Mode, opts.ExportPath, opts.Examples),
	}
	matcher := NewMatcher(e.store, plan.Matches).WithExport(indexes)

	for _, entity := range entities {
		idx := indexes[entity]
		slog.Info("Planning entity", "entity", entity, "records", idx.Len(), "run_id", run.ID)

		for _, rec := range idx.Records() {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("planning interrupted: %w", err)
			}

			var match model.MatchResult
			err := common.WithRetry(ctx, func() error {
				var err error
				match, err = matcher.Match(ctx, rec)
				return err
			}, opts.Retry)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("planning interrupted: %w", ctx.Err())
				}
				runErr := model.RunError{
					OccurredAt: e.now(),
					Entity:     rec.Entity,
					LegacyID:   rec.LegacyID,
					Message:    err.Error(),
				}
				plan.Errors = append(plan.Errors, runErr)
				plan.Reporter.AddError(runErr)
				common.LogError(err, "Failed to match legacy record", common.Fields{
					"entity": rec.Entity, "legacy_id": rec.LegacyID, "run_id": run.ID,
				})
				continue
			}

			c := e.classifier.Classify(match)
			if err := c.Validate(); err != nil {
				return nil, err
			}
			plan.Matches.Record(c)
			plan.Classifications = append(plan.Classifications, c)
			plan.Reporter.Add(c)
			common.LogDebug("Classified legacy record", common.Fields{
				"entity": rec.Entity, "legacy_id": rec.LegacyID, "outcome": c.Outcome, "basis": match.Basis,
			})
		}
	}

	return plan, nil
}

// Apply executes the INSERT and UPDATE classifications of plan in order, one
// transaction per record. A failed record is rolled back and logged; the run
// continues. Cancellation is checked between records.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if plan == nil || plan.Run == nil {
		return nil, errors.New("apply needs a plan")
	}
	runID := plan.Run.ID
	bookkeeping := context.WithoutCancel(ctx)

	skip, err := e.resumeFilter(ctx, plan.Options.ResumeRunID, plan.Classifications)
	if err != nil {
		return nil, err
	}

	executor := NewExecutor(e.store, e.hasher, plan.Matches, plan.Options.Retry)
	result := &ApplyResult{Applied: make(map[model.Outcome]int)}

	e.startProgress(plan)
	defer e.finishProgress()

	for i, c := range plan.Classifications {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("apply interrupted: %w", err)
		}
		e.advanceProgress()

		if skip[i] {
			result.Resumed++
			continue
		}

		executed, err := executor.Execute(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("apply interrupted: %w", ctx.Err())
			}
			plan.Matches.Forget(c.Entity(), c.LegacyID())
			runErr := model.RunError{
				OccurredAt: e.now(),
				Entity:     c.Entity(),
				LegacyID:   c.LegacyID(),
				Outcome:    c.Outcome,
				Message:    err.Error(),
			}
			result.Errors = append(result.Errors, runErr)
			plan.Reporter.AddError(runErr)
			common.LogError(err, "Failed to apply legacy record", common.Fields{
				"entity": c.Entity(), "legacy_id": c.LegacyID(), "run_id": runID,
			})
			if recErr := e.store.RecordError(bookkeeping, runID, runErr); recErr != nil {
				slog.Warn("Failed to record run error", "run_id", runID, "error", recErr)
			}
			continue
		}
		if executed != nil {
			result.Applied[executed.Outcome]++
			plan.Reporter.MarkApplied(executed.Outcome)
			if executed.Outcome == model.OutcomeInsert {
				plan.Matches.Inserted(c.Entity(), c.LegacyID(), executed.LiveID)
			}
			common.LogDebug("Applied legacy record", common.Fields{
				"entity": c.Entity(), "legacy_id": c.LegacyID(), "outcome": executed.Outcome,
				"live_id": executed.LiveID, "fields": executed.Fields,
			})
		}

		if c.LegacyID() == "" {
			continue
		}
		cursor := model.Cursor{Entity: c.Entity(), LegacyID: c.LegacyID()}
		if err := e.store.SaveCursor(bookkeeping, runID, cursor); err != nil {
			slog.Warn("Failed to save cursor", "run_id", runID, "entity", cursor.Entity, "legacy_id", cursor.LegacyID, "error", err)
		}
	}

	return result, nil
}

// Run plans, applies when opts.Mode is apply, and keeps the run log.
func (e *Engine) Run(ctx context.Context, ex *legacy.Extractor, opts Options) (*RunResult, error) {
	plan, err := e.Plan(ctx, ex, opts)
	if err != nil {
		return nil, err
	}
	run := plan.Run
	bookkeeping := context.WithoutCancel(ctx)

	if run.Mode == model.ModeApply && e.beforeApply != nil {
		if err := e.beforeApply(ctx, plan); err != nil {
			return nil, err
		}
	}

	if err := e.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	for _, runErr := range plan.Errors {
		if err := e.store.RecordError(bookkeeping, run.ID, runErr); err != nil {
			slog.Warn("Failed to record run error", "run_id", run.ID, "error", err)
		}
	}

	out := &RunResult{Run: run, Plan: plan}
	var runErr error
	if run.Mode == model.ModeApply {
		out.Apply, runErr = e.Apply(ctx, plan)
	}

	finished := e.now()
	run.FinishedAt = &finished
	run.Counts = plan.Reporter.Report().Totals
	run.ErrorCount = len(plan.Errors)
	if out.Apply != nil {
		run.ErrorCount += len(out.Apply.Errors)
	}
	switch {
	case runErr == nil:
		run.Status = model.RunStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = model.RunStatusInterrupted
	default:
		run.Status = model.RunStatusFailed
	}
	if err := e.store.FinishRun(bookkeeping, run); err != nil {
		slog.Warn("Failed to record run finish", "run_id", run.ID, "error", err)
	}

	out.Report = plan.Reporter.Report()
	slog.Info("Run finished", "run_id", run.ID, "mode", run.Mode, "status", run.Status,
		"records", out.Report.Records, "errors", run.ErrorCount)
	return out, runErr
}

// resumeFilter marks the classifications up to and including each saved
// cursor of the resumed run. Records that failed in that run are never
// skipped, so a resume retries them.
func (e *Engine) resumeFilter(ctx context.Context, runID string, classifications []model.Classification) (map[int]bool, error) {
	skip := make(map[int]bool)
	if runID == "" {
		return skip, nil
	}
	cursors, err := e.store.GetCursors(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors of run %s: %w", runID, err)
	}
	failedErrs, err := e.store.ListRunErrors(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load errors of run %s: %w", runID, err)
	}
	failed := make(map[model.Cursor]bool, len(failedErrs))
	for _, runErr := range failedErrs {
		failed[model.Cursor{Entity: runErr.Entity, LegacyID: runErr.LegacyID}] = true
	}

	for _, cursor := range cursors {
		last := -1
		for i, c := range classifications {
			if c.Entity() == cursor.Entity && c.LegacyID() == cursor.LegacyID {
				last = i
				break
			}
		}
		if last < 0 {
			slog.Warn("Cursor not found in export, processing entity from the start",
				"run_id", runID, "entity", cursor.Entity, "legacy_id", cursor.LegacyID)
			continue
		}
		for i := 0; i <= last; i++ {
			c := classifications[i]
			if c.Entity() == cursor.Entity && !failed[model.Cursor{Entity: c.Entity(), LegacyID: c.LegacyID()}] {
				skip[i] = true
			}
		}
		slog.Info("Resuming after cursor", "run_id", runID, "entity", cursor.Entity, "legacy_id", cursor.LegacyID)
	}
	return skip, nil
}

func (e *Engine) startProgress(plan *Plan) {
	if e.progress != nil {
		e.progress.Start("Applying legacy records", len(plan.Classifications))
	}
}

func (e *Engine) advanceProgress() {
	if e.progress != nil {
		e.progress.Advance()
	}
}

func (e *Engine) finishProgress() {
	if e.progress != nil {
		e.progress.Finish()
	}
}

// orderedEntities returns the requested entities in processing order. An
// empty request means every entity.
func orderedEntities(requested []model.Entity) ([]model.Entity, error) {
	if len(requested) == 0 {
		return model.AllEntities(), nil
	}
	want := make(map[model.Entity]bool, len(requested))
	for _, entity := range requested {
		if !entity.Valid() {
			return nil, fmt.Errorf("unknown entity %q", entity)
		}
		want[entity] = true
	}
	var out []model.Entity
	for _, entity := range model.AllEntities() {
		if want[entity] {
			out = append(out, entity)
		}
	}
	return out, nil
}
