// Package precedence holds the per-field rules that decide which side wins
// when a legacy value and a live value disagree.
package precedence

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
)

// Comparator decides whether a live value already equals a canonical legacy value.
type Comparator string

// Comparators.
const (
	CompareText            Comparator = "text"
	CompareCaseInsensitive Comparator = "case-insensitive"
	CompareSecret          Comparator = "secret"
	ComparePhone           Comparator = "phone"
	ComparePlate           Comparator = "plate"
	CompareDate            Comparator = "date"
	CompareInteger         Comparator = "integer"
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case CompareText, CompareCaseInsensitive, CompareSecret, ComparePhone, ComparePlate, CompareDate, CompareInteger:
		return true
	}
	return false
}

// Rule is the precedence of one field.
type Rule struct {
	Field      string       `yaml:"field"`
	Policy     model.Policy `yaml:"policy"`
	Comparator Comparator   `yaml:"comparator"`
}

// Equal compares a canonical legacy value with a live value. The live side is
// normalized the same way the legacy side was before comparing.
func (r Rule) Equal(legacy, live string) bool {
	switch r.Comparator {
	case CompareSecret:
		return normalize.MatchesLegacyHash(live, legacy)
	case CompareCaseInsensitive:
		return strings.EqualFold(collapse(legacy), collapse(live))
	case ComparePhone:
		return sameNormalized(normalize.Phone, legacy, live)
	case ComparePlate:
		return sameNormalized(normalize.Plate, legacy, live)
	case CompareDate:
		return sameNormalized(normalize.Date, legacy, live)
	case CompareInteger:
		return sameNormalized(normalize.Integer, legacy, live)
	}
	return collapse(legacy) == collapse(live)
}

func sameNormalized(fn func(string) (string, bool), legacy, live string) bool {
	l, lok := fn(legacy)
	r, rok := fn(live)
	if !lok || !rok {
		return collapse(legacy) == collapse(live)
	}
	return l == r
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Table is the ordered rule set for every entity. Fields not in the table are
// never compared.
type Table struct {
	rules map[model.Entity][]Rule
}

// Default returns the built-in table.
func Default() *Table {
	return &Table{rules: map[model.Entity][]Rule{
		model.EntityCustomer: {
			{Field: model.FieldEmail, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareCaseInsensitive},
			{Field: model.FieldName, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
			{Field: model.FieldPhone, Policy: model.PolicyLiveWinsIfPresent, Comparator: ComparePhone},
			{Field: model.FieldAddress, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
			{Field: model.FieldCity, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
			{Field: model.FieldState, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareCaseInsensitive},
			{Field: model.FieldZip, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
			{Field: model.FieldSignupDate, Policy: model.PolicyLegacyWins, Comparator: CompareDate},
			{Field: model.FieldDealerCode, Policy: model.PolicyLegacyWins, Comparator: CompareCaseInsensitive},
			{Field: model.FieldPasswordHash, Policy: model.PolicyCoalesce, Comparator: CompareSecret},
		},
		model.EntityVehicle: {
			{Field: model.FieldPlate, Policy: model.PolicyLiveWinsIfPresent, Comparator: ComparePlate},
			{Field: model.FieldVIN, Policy: model.PolicyCoalesce, Comparator: CompareCaseInsensitive},
			{Field: model.FieldMake, Policy: model.PolicyCoalesce, Comparator: CompareText},
			{Field: model.FieldModel, Policy: model.PolicyCoalesce, Comparator: CompareText},
			{Field: model.FieldYear, Policy: model.PolicyCoalesce, Comparator: CompareInteger},
			{Field: model.FieldColor, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
		},
		model.EntityProductApplication: {
			{Field: model.FieldBatchCode, Policy: model.PolicyLegacyWins, Comparator: CompareCaseInsensitive},
			{Field: model.FieldProductRef, Policy: model.PolicyLegacyWins, Comparator: CompareCaseInsensitive},
			{Field: model.FieldAppliedOn, Policy: model.PolicyLegacyWins, Comparator: CompareDate},
			{Field: model.FieldWarrantyYears, Policy: model.PolicyLegacyWins, Comparator: CompareInteger},
			{Field: model.FieldInstaller, Policy: model.PolicyCoalesce, Comparator: CompareText},
			{Field: model.FieldNotes, Policy: model.PolicyLiveWinsIfPresent, Comparator: CompareText},
		},
	}}
}

// Rules returns the rules of entity in field order.
func (t *Table) Rules(entity model.Entity) []Rule {
	return t.rules[entity]
}

// Lookup returns the rule for one field.
func (t *Table) Lookup(entity model.Entity, field string) (Rule, bool) {
	for _, r := range t.rules[entity] {
		if r.Field == field {
			return r, true
		}
	}
	return Rule{}, false
}

// Override replaces the policy, and optionally the comparator, of a field
// already in the table.
func (t *Table) Override(entity model.Entity, field string, policy model.Policy, comparator Comparator) error {
	if !policy.Valid() {
		return fmt.Errorf("%s.%s: unknown policy %q", entity, field, policy)
	}
	if comparator != "" && !comparator.Valid() {
		return fmt.Errorf("%s.%s: unknown comparator %q", entity, field, comparator)
	}
	rules := t.rules[entity]
	for i := range rules {
		if rules[i].Field != field {
			continue
		}
		if rules[i].Comparator == CompareSecret && policy == model.PolicyLegacyWins {
			// a salted live hash never equals its legacy hash, so legacy-wins would rewrite it every run
			return fmt.Errorf("%s.%s: secret fields cannot be legacy-wins", entity, field)
		}
		rules[i].Policy = policy
		if comparator != "" {
			rules[i].Comparator = comparator
		}
		return nil
	}
	return fmt.Errorf("%s.%s: field has no precedence rule", entity, field)
}

// overrideFile is the YAML shape of a precedence override file:
//
//	overrides:
//	  - entity: customer
//	    field: name
//	    policy: legacy-wins
type overrideFile struct {
	Overrides []struct {
		Entity     string       `yaml:"entity"`
		Field      string       `yaml:"field"`
		Policy     model.Policy `yaml:"policy"`
		Comparator Comparator   `yaml:"comparator"`
	} `yaml:"overrides"`
}

// ApplyOverrides applies a YAML override document to the table.
func (t *Table) ApplyOverrides(data []byte) error {
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse precedence overrides: %w", err)
	}
	for i, o := range file.Overrides {
		entity, err := model.ParseEntity(o.Entity)
		if err != nil {
			return fmt.Errorf("override %d: %w", i+1, err)
		}
		if err := t.Override(entity, o.Field, o.Policy, o.Comparator); err != nil {
			return fmt.Errorf("override %d: %w", i+1, err)
		}
	}
	return nil
}

// Load returns the default table with the overrides in path applied. An empty
// path yields the default table.
func Load(path string) (*Table, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read precedence file: %w", err)
	}
	if err := t.ApplyOverrides(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
