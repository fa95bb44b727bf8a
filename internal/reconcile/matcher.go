// Package reconcile matches legacy records against the live store, classifies
// every pair, and executes the resulting merge plan.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// Scope is what a run knows about a legacy id of a parent entity.
type Scope struct {
	// LiveID is set when the record exists in the live store.
	LiveID int64
	// Pending is set when the run will insert the record.
	Pending bool
}

// ScopeResolver answers reference lookups from the decisions already taken in
// the current run.
type ScopeResolver interface {
	ResolveScope(entity model.Entity, legacyID string) (Scope, bool)
}

// MatchMap records the decision of every classified record of a run, keyed by
// entity and legacy id. Records that will not be written are absent.
type MatchMap struct {
	scopes map[model.Entity]map[string]Scope
}

var _ ScopeResolver = (*MatchMap)(nil)

// NewMatchMap returns an empty map.
func NewMatchMap() *MatchMap {
	return &MatchMap{scopes: make(map[model.Entity]map[string]Scope)}
}

// Record stores the scope a classification implies.
func (m *MatchMap) Record(c model.Classification) {
	rec := c.Match.Legacy
	if rec.LegacyID == "" {
		return
	}
	switch {
	case c.Outcome == model.OutcomeInsert:
		m.set(rec.Entity, rec.LegacyID, Scope{Pending: true})
	case c.Match.Live != nil && !hasDiff(c, model.FieldLegacyID):
		m.set(rec.Entity, rec.LegacyID, Scope{LiveID: c.Match.Live.ID})
	}
}

// Inserted turns a pending scope into a live one.
func (m *MatchMap) Inserted(entity model.Entity, legacyID string, liveID int64) {
	m.set(entity, legacyID, Scope{LiveID: liveID})
}

// Forget drops a scope, e.g. after its write failed.
func (m *MatchMap) Forget(entity model.Entity, legacyID string) {
	delete(m.scopes[entity], legacyID)
}

// ResolveScope implements ScopeResolver.
func (m *MatchMap) ResolveScope(entity model.Entity, legacyID string) (Scope, bool) {
	s, ok := m.scopes[entity][legacyID]
	return s, ok
}

func (m *MatchMap) set(entity model.Entity, legacyID string, s Scope) {
	if m.scopes[entity] == nil {
		m.scopes[entity] = make(map[string]Scope)
	}
	m.scopes[entity][legacyID] = s
}

func hasDiff(c model.Classification, field string) bool {
	for _, d := range c.Diffs {
		if d.Field == field {
			return true
		}
	}
	return false
}

// Matcher ties a legacy record to at most one live record: first by legacy id,
// then by the entity's natural key. There is no fuzzy matching.
type Matcher struct {
	store    service.LiveReader
	scope    ScopeResolver
	exported legacy.Indexes
}

// NewMatcher creates a matcher. scope may be nil, in which case parent
// references are resolved through the store only.
func NewMatcher(store service.LiveReader, scope ScopeResolver) *Matcher {
	return &Matcher{store: store, scope: scope}
}

// WithExport lets the matcher tell a parent missing everywhere from one that
// is in the export but not written by this run.
func (m *Matcher) WithExport(indexes legacy.Indexes) *Matcher {
	m.exported = indexes
	return m
}

// Match looks rec up in the live store. Incomplete records are never looked up.
// Errors are store failures; a record without a match is not an error.
func (m *Matcher) Match(ctx context.Context, rec model.LegacyRecord) (model.MatchResult, error) {
	result := model.MatchResult{Legacy: rec, Basis: model.MatchNone}
	if !rec.Complete {
		return result, nil
	}

	live, err := m.store.FindByLegacyID(ctx, rec.Entity, rec.LegacyID)
	switch {
	case err == nil:
		result.Live = live
		result.Basis = model.MatchByLegacyID
		return result, nil
	case !errors.Is(err, common.ErrNotFound):
		return result, fmt.Errorf("failed to look up %s %s by legacy id: %w", rec.Entity, rec.LegacyID, err)
	}

	key, unresolved, err := m.naturalKey(ctx, rec)
	if err != nil {
		return result, err
	}
	result.Unresolved = unresolved
	result.Withheld = m.withheld(rec, unresolved)
	if key == nil {
		return result, nil
	}
	result.Key = key

	candidates, err := m.store.FindByNaturalKey(ctx, *key)
	if err != nil {
		return result, fmt.Errorf("failed to look up %s %s by natural key: %w", rec.Entity, rec.LegacyID, err)
	}
	switch len(candidates) {
	case 0:
	case 1:
		result.Live = &candidates[0]
		result.Basis = model.MatchByNaturalKey
	default:
		result.Candidates = candidates
	}
	return result, nil
}

// naturalKey builds the lookup key of rec. It returns a nil key when the key
// cannot exist in the live store yet, i.e. its scoping parent is new in this
// run or cannot be found at all; the latter is reported in unresolved.
func (m *Matcher) naturalKey(ctx context.Context, rec model.LegacyRecord) (*model.NaturalKey, []string, error) {
	mapping, err := legacy.MappingFor(rec.Entity)
	if err != nil {
		return nil, nil, err
	}

	key := &model.NaturalKey{Entity: rec.Entity}
	var unresolved []string
	scoped := true
	for _, ref := range mapping.References() {
		legacyID := rec.Reference(ref.Canonical)
		if legacyID == "" {
			continue
		}
		scope, found, err := m.resolve(ctx, ref.RefersTo, legacyID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			if isRequired(mapping, ref.Canonical) {
				unresolved = append(unresolved, ref.Canonical)
			}
			if ref.Canonical == model.FieldCustomerRef {
				scoped = false
			}
			continue
		}
		if ref.Canonical == model.FieldCustomerRef {
			if scope.Pending {
				scoped = false
				continue
			}
			key.CustomerID = scope.LiveID
		}
	}

	switch rec.Entity {
	case model.EntityCustomer:
		key.Email = rec.Fields.Get(model.FieldEmail)
	case model.EntityVehicle:
		key.Plate = rec.Fields.Get(model.FieldPlate)
	case model.EntityProductApplication:
		key.BatchCode = rec.Fields.Get(model.FieldBatchCode)
		key.ProductRef = rec.Fields.Get(model.FieldProductRef)
	}

	if !scoped || key.Validate() != nil {
		return nil, unresolved, nil
	}
	return key, unresolved, nil
}

// resolve finds the live id of a parent record: first from the run's own
// decisions, then from records linked by an earlier run.
func (m *Matcher) resolve(ctx context.Context, entity model.Entity, legacyID string) (Scope, bool, error) {
	if m.scope != nil {
		if s, ok := m.scope.ResolveScope(entity, legacyID); ok {
			return s, true, nil
		}
	}
	live, err := m.store.FindByLegacyID(ctx, entity, legacyID)
	if errors.Is(err, common.ErrNotFound) {
		return Scope{}, false, nil
	}
	if err != nil {
		return Scope{}, false, fmt.Errorf("failed to resolve %s %s: %w", entity, legacyID, err)
	}
	return Scope{LiveID: live.ID}, true, nil
}

// withheld returns the unresolved reference fields whose target the export
// does contain.
func (m *Matcher) withheld(rec model.LegacyRecord, unresolved []string) []string {
	if m.exported == nil || len(unresolved) == 0 {
		return nil
	}
	mapping, err := legacy.MappingFor(rec.Entity)
	if err != nil {
		return nil
	}
	var out []string
	for _, ref := range mapping.References() {
		for _, field := range unresolved {
			if field == ref.Canonical && m.exported.HasReference(ref.RefersTo, rec.Reference(field)) {
				out = append(out, field)
			}
		}
	}
	return out
}

func isRequired(mapping legacy.EntityMapping, field string) bool {
	for _, r := range mapping.Required {
		if r == field {
			return true
		}
	}
	return false
}
