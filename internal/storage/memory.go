package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
)

// Operation names passed to MemoryStore fault hooks.
const (
	OpFind   = "find"
	OpInsert = "insert"
	OpUpdate = "update"
	OpLink   = "link"
	OpCommit = "commit"
)

// FaultFunc lets tests fail a store operation. legacyID is empty for
// operations addressed by live id.
type FaultFunc func(op string, entity model.Entity, legacyID string) error

// memoryData is the live state. Transactions work on a copy.
type memoryData struct {
	records map[model.Entity][]model.LiveRecord
	nextID  int64
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		records: make(map[model.Entity][]model.LiveRecord, len(d.records)),
		nextID:  d.nextID,
	}
	for entity, recs := range d.records {
		cp := make([]model.LiveRecord, len(recs))
		for i, r := range recs {
			r.Fields = r.Fields.Clone()
			cp[i] = r
		}
		out.records[entity] = cp
	}
	return out
}

// MemoryStore is an in-process service.Store for tests. It counts committed
// writes and can inject failures.
type MemoryStore struct {
	runs      map[string]*model.Run
	runErrors map[string][]model.RunError
	cursors   map[string]map[model.Entity]string
	data      *memoryData
	Fault     FaultFunc
	PingErr   error
	runOrder  []string
	writes    int
	mu        sync.Mutex
}

var _ service.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:      &memoryData{records: map[model.Entity][]model.LiveRecord{}, nextID: 1},
		runs:      map[string]*model.Run{},
		runErrors: map[string][]model.RunError{},
		cursors:   map[string]map[model.Entity]string{},
	}
}

// Seed inserts a live record directly, bypassing transactions and the write counter.
func (m *MemoryStore) Seed(entity model.Entity, legacyID string, fields model.Fields) model.LiveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.data.insert(entity, legacyID, fields)
	return *rec
}

// Writes returns the number of committed write operations.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// All returns a copy of every live record of entity in id order.
func (m *MemoryStore) All(entity model.Entity) []model.LiveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.clone().records[entity]
}

// Get returns the live record with the given id.
func (m *MemoryStore) Get(entity model.Entity, id int64) (model.LiveRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.data.records[entity] {
		if r.ID == id {
			r.Fields = r.Fields.Clone()
			return r, true
		}
	}
	return model.LiveRecord{}, false
}

func (m *MemoryStore) fault(op string, entity model.Entity, legacyID string) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, entity, legacyID)
}

// Ping returns PingErr.
func (m *MemoryStore) Ping(_ context.Context) error {
	if m.PingErr != nil {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, m.PingErr)
	}
	return nil
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// FindByLegacyID implements service.LiveReader.
func (m *MemoryStore) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	if err := m.fault(OpFind, entity, legacyID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.findByLegacyID(entity, legacyID)
}

// FindByNaturalKey implements service.LiveReader.
func (m *MemoryStore) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := m.fault(OpFind, key.Entity, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.findByNaturalKey(key), nil
}

// BeginTx starts a transaction over a private copy of the data.
func (m *MemoryStore) BeginTx(ctx context.Context) (service.LiveTx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memoryTx{store: m, data: m.data.clone()}, nil
}

type memoryTx struct {
	store  *MemoryStore
	data   *memoryData
	writes int
	done   bool
}

func (t *memoryTx) FindByLegacyID(ctx context.Context, entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return nil, err
	}
	if err := t.store.fault(OpFind, entity, legacyID); err != nil {
		return nil, err
	}
	return t.data.findByLegacyID(entity, legacyID)
}

func (t *memoryTx) FindByNaturalKey(ctx context.Context, key model.NaturalKey) ([]model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return t.data.findByNaturalKey(key), nil
}

func (t *memoryTx) Insert(ctx context.Context, entity model.Entity, legacyID string, fields model.Fields) (*model.LiveRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	if err := unknownColumns(entity, fields); err != nil {
		return nil, err
	}
	if err := t.store.fault(OpInsert, entity, legacyID); err != nil {
		return nil, err
	}
	if _, err := t.data.findByLegacyID(entity, legacyID); legacyID != "" && err == nil {
		return nil, fmt.Errorf("%w: %s legacy id %s", common.ErrDuplicateEntry, entity, legacyID)
	}
	t.writes++
	rec := t.data.insert(entity, legacyID, fields)
	out := *rec
	out.Fields = rec.Fields.Clone()
	return &out, nil
}

func (t *memoryTx) Update(ctx context.Context, entity model.Entity, id int64, fields model.Fields) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := unknownColumns(entity, fields); err != nil {
		return err
	}
	rec := t.data.byID(entity, id)
	if rec == nil {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	if err := t.store.fault(OpUpdate, entity, rec.LegacyID); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	t.writes++
	for k, v := range fields {
		if v == "" {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}
	return nil
}

func (t *memoryTx) LinkLegacyID(ctx context.Context, entity model.Entity, id int64, legacyID string) error {
	if err := validateLegacyLookup(ctx, entity, legacyID); err != nil {
		return err
	}
	rec := t.data.byID(entity, id)
	if rec == nil {
		return fmt.Errorf("%s %d: %w", entity, id, common.ErrNotFound)
	}
	if err := t.store.fault(OpLink, entity, legacyID); err != nil {
		return err
	}
	if rec.LegacyID == legacyID {
		return nil
	}
	if rec.LegacyID != "" {
		return fmt.Errorf("%w: %s %d has %s, refusing %s", common.ErrLegacyIDConflict, entity, id, rec.LegacyID, legacyID)
	}
	if other, err := t.data.findByLegacyID(entity, legacyID); err == nil && other.ID != id {
		return fmt.Errorf("%w: %s legacy id %s", common.ErrDuplicateEntry, entity, legacyID)
	}
	t.writes++
	rec.LegacyID = legacyID
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	if err := t.store.fault(OpCommit, "", ""); err != nil {
		return err
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data = t.data
	t.store.writes += t.writes
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	return nil
}

func (d *memoryData) insert(entity model.Entity, legacyID string, fields model.Fields) *model.LiveRecord {
	rec := model.LiveRecord{
		Entity:   entity,
		ID:       d.nextID,
		LegacyID: legacyID,
		Fields:   fields.Clone(),
	}
	d.nextID++
	d.records[entity] = append(d.records[entity], rec)
	recs := d.records[entity]
	return &recs[len(recs)-1]
}

func (d *memoryData) byID(entity model.Entity, id int64) *model.LiveRecord {
	recs := d.records[entity]
	for i := range recs {
		if recs[i].ID == id {
			return &recs[i]
		}
	}
	return nil
}

func (d *memoryData) findByLegacyID(entity model.Entity, legacyID string) (*model.LiveRecord, error) {
	for _, r := range d.records[entity] {
		if r.LegacyID == legacyID {
			r.Fields = r.Fields.Clone()
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%s with legacy id %s: %w", entity, legacyID, common.ErrNotFound)
}

func (d *memoryData) findByNaturalKey(key model.NaturalKey) []model.LiveRecord {
	var out []model.LiveRecord
	for _, r := range d.records[key.Entity] {
		if matchesKey(r, key) {
			r.Fields = r.Fields.Clone()
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// matchesKey mirrors the SQL natural-key predicates of the relational stores.
func matchesKey(r model.LiveRecord, key model.NaturalKey) bool {
	sameCustomer := r.Fields.Get(model.FieldCustomerID) == fmt.Sprint(key.CustomerID)
	switch key.Entity {
	case model.EntityCustomer:
		return strings.ToLower(strings.TrimSpace(r.Fields.Get(model.FieldEmail))) == strings.ToLower(key.Email)
	case model.EntityVehicle:
		plate := strings.NewReplacer(" ", "", "-", "").Replace(r.Fields.Get(model.FieldPlate))
		return sameCustomer && strings.ToUpper(plate) == key.Plate
	case model.EntityProductApplication:
		return sameCustomer &&
			strings.ToUpper(strings.TrimSpace(r.Fields.Get(model.FieldBatchCode))) == key.BatchCode &&
			strings.ToUpper(strings.TrimSpace(r.Fields.Get(model.FieldProductRef))) == key.ProductRef
	}
	return false
}

// StartRun implements service.RunLog.
func (m *MemoryStore) StartRun(_ context.Context, run *model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("%w: run %s", common.ErrDuplicateEntry, run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

// FinishRun implements service.RunLog.
func (m *MemoryStore) FinishRun(_ context.Context, run *model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		return fmt.Errorf("run %s: %w", run.ID, common.ErrNotFound)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// RecordError implements service.RunLog.
func (m *MemoryStore) RecordError(_ context.Context, runID string, runErr model.RunError) error {
	if err := validateRunError(runErr); err != nil {
		return err
	}
	if runErr.OccurredAt.IsZero() {
		runErr.OccurredAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runErrors[runID] = append(m.runErrors[runID], runErr)
	return nil
}

// SaveCursor implements service.RunLog.
func (m *MemoryStore) SaveCursor(_ context.Context, runID string, cursor model.Cursor) error {
	if err := validateCursor(cursor); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors[runID] == nil {
		m.cursors[runID] = map[model.Entity]string{}
	}
	m.cursors[runID][cursor.Entity] = cursor.LegacyID
	return nil
}

// GetCursors implements service.RunLog.
func (m *MemoryStore) GetCursors(_ context.Context, runID string) ([]model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Cursor
	for _, entity := range model.AllEntities() {
		if id, ok := m.cursors[runID][entity]; ok {
			out = append(out, model.Cursor{Entity: entity, LegacyID: id})
		}
	}
	return out, nil
}

// GetRun implements service.RunLog.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

// ListRuns implements service.RunLog.
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		out = append(out, *m.runs[m.runOrder[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListRunErrors implements service.RunLog.
func (m *MemoryStore) ListRunErrors(_ context.Context, runID string) ([]model.RunError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RunError(nil), m.runErrors[runID]...), nil
}
