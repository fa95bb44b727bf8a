package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// referenceColumns maps legacy reference fields onto live foreign-key columns.
var referenceColumns = map[string]string{
	model.FieldCustomerRef: model.FieldCustomerID,
	model.FieldVehicleRef:  model.FieldVehicleID,
}

// Executed describes a committed merge.
type Executed struct {
	Outcome model.Outcome
	LiveID  int64
	Fields  []string
	Linked  bool
}

// Executor writes INSERT and UPDATE classifications, one transaction per record.
type Executor struct {
	store  service.LiveStore
	hasher *normalize.PasswordHasher
	scope  ScopeResolver
	retry  service.RetryOptions
}

// NewExecutor creates an executor. scope supplies live ids of parents matched
// in this run but not linked to their legacy id.
func NewExecutor(store service.LiveStore, hasher *normalize.PasswordHasher, scope ScopeResolver, retry service.RetryOptions) *Executor {
	if hasher == nil {
		hasher = normalize.NewPasswordHasher(0)
	}
	return &Executor{store: store, hasher: hasher, scope: scope, retry: retry}
}

// Execute applies one classification. Outcomes that do not write return
// (nil, nil) without opening a transaction. Transient store errors are retried.
func (e *Executor) Execute(ctx context.Context, c model.Classification) (*Executed, error) {
	if !c.Outcome.Writes() {
		return nil, nil
	}

	var result *Executed
	err := common.WithRetry(ctx, func() error {
		var err error
		result, err = e.executeOnce(ctx, c)
		return err
	}, e.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s %s: %w",
			c.Outcome, c.Entity(), c.LegacyID(), err)
	}
	return result, nil
}

func (e *Executor) executeOnce(ctx context.Context, c model.Classification) (result *Executed, err error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("Failed to roll back merge", "entity", c.Entity(), "legacy_id", c.LegacyID(), "error", rbErr)
			}
		}
	}()

	switch c.Outcome {
	case model.OutcomeInsert:
		result, err = e.insert(ctx, tx, c)
	case model.OutcomeUpdate:
		result, err = e.update(ctx, tx, c)
	default:
		err = fmt.Errorf("outcome %s does not write", c.Outcome)
	}
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) insert(ctx context.Context, tx service.LiveTx, c model.Classification) (*Executed, error) {
	rec := c.Match.Legacy
	mapping, err := legacy.MappingFor(rec.Entity)
	if err != nil {
		return nil, err
	}

	fields := model.Fields{}
	for _, f := range mapping.Fields {
		value := rec.Fields.Get(f.Canonical)
		if value == "" {
			continue
		}
		if f.Kind == legacy.KindReference {
			id, err := e.resolveReference(ctx, tx, f.RefersTo, value)
			if err != nil {
				if !isRequired(mapping, f.Canonical) && errors.Is(err, common.ErrUnresolvedReference) {
					slog.Warn("Dropping unresolved optional reference",
						"entity", rec.Entity, "legacy_id", rec.LegacyID, "field", f.Canonical, "ref", value)
					continue
				}
				return nil, err
			}
			fields[referenceColumns[f.Canonical]] = fmt.Sprint(id)
			continue
		}
		if !rec.Entity.HasColumn(f.Canonical) {
			continue
		}
		if f.Kind == legacy.KindPassword {
			if value, err = e.hasher.Rehash(value); err != nil {
				return nil, err
			}
		}
		fields[f.Canonical] = value
	}

	created, err := tx.Insert(ctx, rec.Entity, rec.LegacyID, fields)
	if err != nil {
		return nil, err
	}
	return &Executed{
		Outcome: model.OutcomeInsert,
		LiveID:  created.ID,
		Fields:  fields.Keys(),
		Linked:  true,
	}, nil
}

func (e *Executor) update(ctx context.Context, tx service.LiveTx, c model.Classification) (*Executed, error) {
	live := c.Match.Live
	if live == nil {
		return nil, errors.New("update without a matched live record")
	}
	rec := c.Match.Legacy

	fields := model.Fields{}
	for _, d := range c.AppliedDiffs() {
		// A live-wins field is only ever filled, never replaced.
		if d.Policy == model.PolicyLiveWinsIfPresent && live.Fields.Has(d.Field) {
			continue
		}
		value := rec.Fields.Get(d.Field)
		if value == "" || !rec.Entity.HasColumn(d.Field) {
			continue
		}
		if d.Field == model.FieldPasswordHash {
			var err error
			if value, err = e.hasher.Rehash(value); err != nil {
				return nil, err
			}
		}
		fields[d.Field] = value
	}

	if len(fields) > 0 {
		if err := tx.Update(ctx, rec.Entity, live.ID, fields); err != nil {
			return nil, err
		}
	}

	linked := false
	if !live.Linked() {
		if err := tx.LinkLegacyID(ctx, rec.Entity, live.ID, rec.LegacyID); err != nil {
			return nil, err
		}
		linked = true
	}

	return &Executed{
		Outcome: model.OutcomeUpdate,
		LiveID:  live.ID,
		Fields:  fields.Keys(),
		Linked:  linked,
	}, nil
}

// resolveReference finds the live id of a parent through the transaction, then
// through the run's scope for parents that were matched but not linked.
func (e *Executor) resolveReference(ctx context.Context, tx service.LiveReader, entity model.Entity, legacyID string) (int64, error) {
	live, err := tx.FindByLegacyID(ctx, entity, legacyID)
	if err == nil {
		return live.ID, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}
	if e.scope != nil {
		if s, ok := e.scope.ResolveScope(entity, legacyID); ok && s.LiveID > 0 {
			return s.LiveID, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %s", common.ErrUnresolvedReference, entity, legacyID)
}
