package legacy

import (
	"fmt"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
)

// Kind names the normalizer applied to a legacy field.
type Kind string

// Normalizer kinds.
const (
	KindText      Kind = "text"
	KindUpper     Kind = "upper"
	KindEmail     Kind = "email"
	KindPhone     Kind = "phone"
	KindPlate     Kind = "plate"
	KindInteger   Kind = "integer"
	KindDate      Kind = "date"
	KindPassword  Kind = "password"
	KindReference Kind = "reference"
)

// FieldMapping maps one legacy column onto a canonical field.
type FieldMapping struct {
	Canonical string
	Legacy    string
	Kind      Kind
	// RefersTo is set for reference fields.
	RefersTo model.Entity
}

// EntityMapping describes how rows of one legacy table become LegacyRecords.
type EntityMapping struct {
	Entity   model.Entity
	Table    string
	IDField  string
	Fields   []FieldMapping
	Required []string
}

var mappings = map[model.Entity]EntityMapping{
	model.EntityCustomer: {
		Entity:  model.EntityCustomer,
		Table:   "Customers",
		IDField: "CustomerID",
		Fields: []FieldMapping{
			{Canonical: model.FieldEmail, Legacy: "Email", Kind: KindEmail},
			{Canonical: model.FieldName, Legacy: "Name", Kind: KindText},
			{Canonical: model.FieldPhone, Legacy: "Phone", Kind: KindPhone},
			{Canonical: model.FieldAddress, Legacy: "Address", Kind: KindText},
			{Canonical: model.FieldCity, Legacy: "City", Kind: KindText},
			{Canonical: model.FieldState, Legacy: "State", Kind: KindUpper},
			{Canonical: model.FieldZip, Legacy: "Zip", Kind: KindText},
			{Canonical: model.FieldSignupDate, Legacy: "DateCreated", Kind: KindDate},
			{Canonical: model.FieldDealerCode, Legacy: "DealerCode", Kind: KindUpper},
			{Canonical: model.FieldPasswordHash, Legacy: "Password", Kind: KindPassword},
		},
		Required: []string{model.FieldEmail},
	},
	model.EntityVehicle: {
		Entity:  model.EntityVehicle,
		Table:   "Vehicles",
		IDField: "VehicleID",
		Fields: []FieldMapping{
			{Canonical: model.FieldCustomerRef, Legacy: "CustomerID", Kind: KindReference, RefersTo: model.EntityCustomer},
			{Canonical: model.FieldPlate, Legacy: "Plate", Kind: KindPlate},
			{Canonical: model.FieldVIN, Legacy: "VIN", Kind: KindUpper},
			{Canonical: model.FieldMake, Legacy: "Make", Kind: KindText},
			{Canonical: model.FieldModel, Legacy: "Model", Kind: KindText},
			{Canonical: model.FieldYear, Legacy: "Year", Kind: KindInteger},
			{Canonical: model.FieldColor, Legacy: "Color", Kind: KindText},
		},
		Required: []string{model.FieldPlate, model.FieldCustomerRef},
	},
	model.EntityProductApplication: {
		Entity:  model.EntityProductApplication,
		Table:   "ProductApplications",
		IDField: "ApplicationID",
		Fields: []FieldMapping{
			{Canonical: model.FieldCustomerRef, Legacy: "CustomerID", Kind: KindReference, RefersTo: model.EntityCustomer},
			{Canonical: model.FieldVehicleRef, Legacy: "VehicleID", Kind: KindReference, RefersTo: model.EntityVehicle},
			{Canonical: model.FieldBatchCode, Legacy: "BatchCode", Kind: KindUpper},
			{Canonical: model.FieldProductRef, Legacy: "ProductCode", Kind: KindUpper},
			{Canonical: model.FieldAppliedOn, Legacy: "ApplicationDate", Kind: KindDate},
			{Canonical: model.FieldWarrantyYears, Legacy: "WarrantyYears", Kind: KindInteger},
			{Canonical: model.FieldInstaller, Legacy: "Installer", Kind: KindText},
			{Canonical: model.FieldNotes, Legacy: "Notes", Kind: KindText},
		},
		Required: []string{model.FieldBatchCode, model.FieldProductRef, model.FieldCustomerRef},
	},
}

// MappingFor returns the mapping of entity.
func MappingFor(entity model.Entity) (EntityMapping, error) {
	m, ok := mappings[entity]
	if !ok {
		return EntityMapping{}, fmt.Errorf("no legacy mapping for entity %q", entity)
	}
	return m, nil
}

// EntityForTable resolves a legacy table name, ignoring case.
func EntityForTable(table string) (model.Entity, bool) {
	for _, entity := range model.AllEntities() {
		if strings.EqualFold(mappings[entity].Table, table) {
			return entity, true
		}
	}
	return "", false
}

// References returns the reference fields of the mapping.
func (m EntityMapping) References() []FieldMapping {
	var out []FieldMapping
	for _, f := range m.Fields {
		if f.Kind == KindReference {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the mapping of a canonical field.
func (m EntityMapping) Field(canonical string) (FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.Canonical == canonical {
			return f, true
		}
	}
	return FieldMapping{}, false
}

// Normalize converts one raw row into a LegacyRecord. Legacy column names are
// matched case-insensitively. It never fails: bad values are dropped and noted.
func (m EntityMapping) Normalize(raw map[string]string, row int) model.LegacyRecord {
	lookup := make(map[string]string, len(raw))
	for k, v := range raw {
		lookup[strings.ToLower(k)] = v
	}

	rec := model.LegacyRecord{
		Entity: m.Entity,
		Row:    row,
		Raw:    raw,
		Fields: model.Fields{},
	}
	rec.LegacyID, _ = normalize.Text(normalize.RepairString(lookup[strings.ToLower(m.IDField)]))
	if rec.LegacyID == "" {
		rec.Missing = append(rec.Missing, model.FieldLegacyID)
	}

	for _, f := range m.Fields {
		value, present := lookup[strings.ToLower(f.Legacy)]
		if !present || strings.TrimSpace(value) == "" {
			continue
		}
		canonical, ok, problem := normalizeValue(f.Kind, normalize.RepairString(value))
		if problem != "" {
			rec.Problems = append(rec.Problems, f.Canonical+": "+problem)
		}
		if ok {
			rec.Fields[f.Canonical] = canonical
		}
	}

	for _, name := range m.Required {
		if !rec.Fields.Has(name) {
			rec.Missing = append(rec.Missing, name)
		}
	}
	rec.Complete = len(rec.Missing) == 0
	return rec
}

func normalizeValue(kind Kind, value string) (string, bool, string) {
	switch kind {
	case KindPassword:
		detail := normalize.DecodeLegacyPasswordDetail(value)
		hash := strings.TrimSpace(detail.Hash)
		if hash == "" {
			return "", false, "empty password hash"
		}
		if !detail.Decoded {
			return hash, true, "password not in encoded form, kept as-is"
		}
		return hash, true, ""
	case KindDate:
		out, ok := normalize.Date(value)
		if !ok {
			return "", false, fmt.Sprintf("unrecognized date %q", value)
		}
		return out, true, ""
	}

	fn := textNormalizers[kind]
	if fn == nil {
		fn = normalize.Text
	}
	out, ok := fn(value)
	if !ok {
		return "", false, fmt.Sprintf("invalid %s %q", kind, value)
	}
	return out, true, ""
}

var textNormalizers = map[Kind]func(string) (string, bool){
	KindText:      normalize.Text,
	KindUpper:     normalize.Upper,
	KindEmail:     normalize.Email,
	KindPhone:     normalize.Phone,
	KindPlate:     normalize.Plate,
	KindInteger:   normalize.Integer,
	KindReference: normalize.Text,
}
