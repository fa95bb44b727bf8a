package precedence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
)

func TestDefault_CoversEveryMappedField(t *testing.T) {
	table := Default()
	for _, entity := range model.AllEntities() {
		mapping, err := legacy.MappingFor(entity)
		require.NoError(t, err)

		for _, f := range mapping.Fields {
			rule, ok := table.Lookup(entity, f.Canonical)
			if f.Kind == legacy.KindReference {
				assert.False(t, ok, "%s.%s is a reference and must not be compared", entity, f.Canonical)
				continue
			}
			if assert.True(t, ok, "%s.%s has no rule", entity, f.Canonical) {
				assert.True(t, rule.Policy.Valid())
				assert.True(t, rule.Comparator.Valid())
				assert.True(t, entity.HasColumn(f.Canonical), "%s.%s has no live column", entity, f.Canonical)
			}
		}
	}
}

func TestDefault_Policies(t *testing.T) {
	table := Default()
	tests := []struct {
		entity model.Entity
		field  string
		want   model.Policy
	}{
		{model.EntityCustomer, model.FieldPhone, model.PolicyLiveWinsIfPresent},
		{model.EntityCustomer, model.FieldSignupDate, model.PolicyLegacyWins},
		{model.EntityCustomer, model.FieldPasswordHash, model.PolicyCoalesce},
		{model.EntityVehicle, model.FieldVIN, model.PolicyCoalesce},
		{model.EntityProductApplication, model.FieldBatchCode, model.PolicyLegacyWins},
	}
	for _, tt := range tests {
		rule, ok := table.Lookup(tt.entity, tt.field)
		require.True(t, ok)
		assert.Equal(t, tt.want, rule.Policy, "%s.%s", tt.entity, tt.field)
	}

	_, ok := table.Lookup(model.EntityVehicle, model.FieldCustomerRef)
	assert.False(t, ok)
}

func TestRule_Equal(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		legacy string
		live   string
		want   bool
	}{
		{"text same", Rule{Comparator: CompareText}, "Old Name", "Old  Name ", true},
		{"text case differs", Rule{Comparator: CompareText}, "Old Name", "old name", false},
		{"email case", Rule{Comparator: CompareCaseInsensitive}, "a@x.com", "A@X.COM", true},
		{"phone formatting", Rule{Comparator: ComparePhone}, "5551112222", "(555) 111-2222", true},
		{"phone differs", Rule{Comparator: ComparePhone}, "111", "222", false},
		{"plate", Rule{Comparator: ComparePlate}, "ABC123", "abc 123", true},
		{"date", Rule{Comparator: CompareDate}, "2017-08-25", "8/25/2017", true},
		{"integer", Rule{Comparator: CompareInteger}, "5", "5.0", true},
		{"unparseable live falls back to text", Rule{Comparator: CompareDate}, "2017-08-25", "soon", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Equal(tt.legacy, tt.live))
		})
	}
}

func TestRule_EqualSecret(t *testing.T) {
	live, err := normalize.NewPasswordHasher(bcrypt.MinCost).Rehash("legacyhash")
	require.NoError(t, err)

	rule := Rule{Comparator: CompareSecret}
	assert.True(t, rule.Equal("legacyhash", live))
	assert.False(t, rule.Equal("otherhash", live))
}

func TestOverride(t *testing.T) {
	table := Default()
	require.NoError(t, table.Override(model.EntityCustomer, model.FieldName, model.PolicyLegacyWins, ""))

	rule, _ := table.Lookup(model.EntityCustomer, model.FieldName)
	assert.Equal(t, model.PolicyLegacyWins, rule.Policy)
	assert.Equal(t, CompareText, rule.Comparator)

	assert.Error(t, table.Override(model.EntityCustomer, model.FieldName, "sometimes", ""))
	assert.Error(t, table.Override(model.EntityCustomer, model.FieldName, model.PolicyCoalesce, "fuzzy"))
	assert.Error(t, table.Override(model.EntityCustomer, "favourite_color", model.PolicyCoalesce, ""))
	assert.Error(t, table.Override(model.EntityCustomer, model.FieldPasswordHash, model.PolicyLegacyWins, ""))

	// the default table is not shared between calls
	rule, _ = Default().Lookup(model.EntityCustomer, model.FieldName)
	assert.Equal(t, model.PolicyLiveWinsIfPresent, rule.Policy)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "precedence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
overrides:
  - entity: customers
    field: phone
    policy: legacy-wins
  - entity: vehicle
    field: color
    policy: coalesce
    comparator: case-insensitive
`), 0600))

	table, err := Load(path)
	require.NoError(t, err)

	rule, _ := table.Lookup(model.EntityCustomer, model.FieldPhone)
	assert.Equal(t, model.PolicyLegacyWins, rule.Policy)
	assert.Equal(t, ComparePhone, rule.Comparator)

	rule, _ = table.Lookup(model.EntityVehicle, model.FieldColor)
	assert.Equal(t, model.PolicyCoalesce, rule.Policy)
	assert.Equal(t, CompareCaseInsensitive, rule.Comparator)
}

func TestLoad_Errors(t *testing.T) {
	table, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, table)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("overrides:\n  - entity: dealer\n    field: x\n    policy: coalesce\n"), 0600))
	_, err = Load(bad)
	assert.Error(t, err)

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("overrides: [\n"), 0600))
	_, err = Load(broken)
	assert.Error(t, err)
}
