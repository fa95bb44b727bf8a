package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Entity identifies one of the record types carried over from the legacy export.
type Entity string

// Entity constants, in the order a run must process them so references resolve.
const (
	EntityCustomer           Entity = "customer"
	EntityVehicle            Entity = "vehicle"
	EntityProductApplication Entity = "product_application"
)

// Canonical field names shared by the extractor, the precedence table and the live store.
const (
	FieldLegacyID      = "legacy_id"
	FieldEmail         = "email"
	FieldName          = "name"
	FieldPhone         = "phone"
	FieldAddress       = "address"
	FieldCity          = "city"
	FieldState         = "state"
	FieldZip           = "zip"
	FieldSignupDate    = "signup_date"
	FieldDealerCode    = "dealer_code"
	FieldPasswordHash  = "password_hash"
	FieldCustomerRef   = "customer_ref"
	FieldVehicleRef    = "vehicle_ref"
	FieldCustomerID    = "customer_id"
	FieldVehicleID     = "vehicle_id"
	FieldPlate         = "plate"
	FieldVIN           = "vin"
	FieldMake          = "make"
	FieldModel         = "model"
	FieldYear          = "year"
	FieldColor         = "color"
	FieldBatchCode     = "batch_code"
	FieldProductRef    = "product_ref"
	FieldAppliedOn     = "applied_on"
	FieldWarrantyYears = "warranty_years"
	FieldInstaller     = "installer"
	FieldNotes         = "notes"
)

// AllEntities returns every entity in dependency order.
func AllEntities() []Entity {
	return []Entity{EntityCustomer, EntityVehicle, EntityProductApplication}
}

// ParseEntity converts user input such as "customers" or "product-application" to an Entity.
func ParseEntity(s string) (Entity, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.TrimSuffix(norm, "s")
	switch Entity(norm) {
	case EntityCustomer, EntityVehicle, EntityProductApplication:
		return Entity(norm), nil
	}
	return "", fmt.Errorf("unknown entity %q", s)
}

// Valid reports whether e is a known entity.
func (e Entity) Valid() bool {
	switch e {
	case EntityCustomer, EntityVehicle, EntityProductApplication:
		return true
	}
	return false
}

// Table returns the live-store table holding this entity.
func (e Entity) Table() string {
	switch e {
	case EntityCustomer:
		return "customers"
	case EntityVehicle:
		return "vehicles"
	case EntityProductApplication:
		return "product_applications"
	}
	return ""
}

// Columns returns the live business columns of the entity, excluding id and legacy_id.
func (e Entity) Columns() []string {
	switch e {
	case EntityCustomer:
		return []string{
			FieldEmail, FieldName, FieldPhone, FieldAddress, FieldCity, FieldState,
			FieldZip, FieldSignupDate, FieldDealerCode, FieldPasswordHash,
		}
	case EntityVehicle:
		return []string{
			FieldCustomerID, FieldPlate, FieldVIN, FieldMake, FieldModel, FieldYear, FieldColor,
		}
	case EntityProductApplication:
		return []string{
			FieldCustomerID, FieldVehicleID, FieldBatchCode, FieldProductRef,
			FieldAppliedOn, FieldWarrantyYears, FieldInstaller, FieldNotes,
		}
	}
	return nil
}

// HasColumn reports whether column is one of the entity's live business columns.
func (e Entity) HasColumn(column string) bool {
	for _, c := range e.Columns() {
		if c == column {
			return true
		}
	}
	return false
}

// NaturalKeyField names the field reported when a natural-key lookup is ambiguous.
func (e Entity) NaturalKeyField() string {
	switch e {
	case EntityCustomer:
		return FieldEmail
	case EntityVehicle:
		return FieldPlate
	case EntityProductApplication:
		return FieldBatchCode
	}
	return ""
}

// NaturalKey is the business identifier used to find a live record that was
// never linked to the legacy export.
type NaturalKey struct {
	Entity     Entity
	Email      string
	Plate      string
	BatchCode  string
	ProductRef string
	CustomerID int64
}

// String renders the key for reports and logs.
func (k NaturalKey) String() string {
	switch k.Entity {
	case EntityCustomer:
		return "email=" + k.Email
	case EntityVehicle:
		return "customer_id=" + strconv.FormatInt(k.CustomerID, 10) + " plate=" + k.Plate
	case EntityProductApplication:
		return "customer_id=" + strconv.FormatInt(k.CustomerID, 10) +
			" batch_code=" + k.BatchCode + " product_ref=" + k.ProductRef
	}
	return string(k.Entity)
}

// Validate checks that every component the entity's key needs is present.
func (k NaturalKey) Validate() error {
	switch k.Entity {
	case EntityCustomer:
		if k.Email == "" {
			return fmt.Errorf("customer natural key: missing email")
		}
	case EntityVehicle:
		if k.Plate == "" || k.CustomerID == 0 {
			return fmt.Errorf("vehicle natural key: need plate and customer id")
		}
	case EntityProductApplication:
		if k.BatchCode == "" || k.ProductRef == "" || k.CustomerID == 0 {
			return fmt.Errorf("product application natural key: need customer id, batch code and product ref")
		}
	default:
		return fmt.Errorf("natural key: unknown entity %q", k.Entity)
	}
	return nil
}
