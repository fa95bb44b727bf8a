package model

import "sort"

// Fields maps canonical field names to their canonical string form.
// A field that is absent has no key; it is never stored as "".
type Fields map[string]string

// Get returns the value of name, or "" when absent.
func (f Fields) Get(name string) string {
	if f == nil {
		return ""
	}
	return f[name]
}

// Has reports whether name holds a non-empty value.
func (f Fields) Has(name string) bool {
	return f.Get(name) != ""
}

// Clone returns a copy that can be mutated independently.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LegacyRecord is one row of the legacy export after normalization.
// It is immutable once produced by the extractor.
type LegacyRecord struct {
	Fields   Fields
	Raw      map[string]string
	Entity   Entity
	LegacyID string
	Missing  []string
	Problems []string
	Row      int
	Complete bool
}

// Reference returns the legacy id this record points at for the given field
// (customer_ref, vehicle_ref), or "".
func (r LegacyRecord) Reference(field string) string {
	return r.Fields.Get(field)
}

// LiveRecord is a row of the live store.
type LiveRecord struct {
	Fields   Fields
	Entity   Entity
	LegacyID string
	ID       int64
}

// Linked reports whether the live record already carries a legacy id.
func (r LiveRecord) Linked() bool {
	return r.LegacyID != ""
}
