package legacy

import (
	"context"
	"fmt"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// Index holds the extracted records of one entity in export order, with a
// lookup by legacy id. The first row of a duplicated id wins the lookup.
type Index struct {
	byID       map[string]int
	Entity     model.Entity
	records    []model.LegacyRecord
	Duplicates []string
}

// Len returns the number of records, duplicates and incomplete rows included.
func (i *Index) Len() int {
	return len(i.records)
}

// Records returns the records in export order.
func (i *Index) Records() []model.LegacyRecord {
	return i.records
}

// Lookup returns the record for a legacy id.
func (i *Index) Lookup(legacyID string) (model.LegacyRecord, bool) {
	pos, ok := i.byID[legacyID]
	if !ok {
		return model.LegacyRecord{}, false
	}
	return i.records[pos], true
}

// Complete counts the complete records.
func (i *Index) Complete() int {
	n := 0
	for _, r := range i.records {
		if r.Complete {
			n++
		}
	}
	return n
}

// Indexes maps each entity to its index.
type Indexes map[model.Entity]*Index

// BuildIndex extracts every requested entity once. With no entities given, all
// entities are indexed.
func BuildIndex(ctx context.Context, ex *Extractor, entities ...model.Entity) (Indexes, error) {
	if len(entities) == 0 {
		entities = model.AllEntities()
	}

	out := make(Indexes, len(entities))
	for _, entity := range entities {
		idx := &Index{
			Entity: entity,
			byID:   make(map[string]int),
		}
		for rec, err := range ex.Records(ctx, entity) {
			if err != nil {
				return nil, fmt.Errorf("failed to index %s records: %w", entity, err)
			}
			if rec.LegacyID != "" {
				if _, dup := idx.byID[rec.LegacyID]; dup {
					idx.Duplicates = append(idx.Duplicates, rec.LegacyID)
				} else {
					idx.byID[rec.LegacyID] = len(idx.records)
				}
			}
			idx.records = append(idx.records, rec)
		}
		out[entity] = idx
	}
	return out, nil
}

// HasReference reports whether the entity's index knows legacyID.
func (x Indexes) HasReference(entity model.Entity, legacyID string) bool {
	idx, ok := x[entity]
	if !ok {
		return false
	}
	_, found := idx.Lookup(legacyID)
	return found
}
