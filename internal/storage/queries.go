package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// dialect captures the SQL differences between the sqlite and postgres stores.
type dialect struct {
	bind func(n int) string
	// lower and upper name case-folding functions that agree with Go's
	// strings.ToLower and strings.ToUpper beyond ASCII.
	lower string
	upper string
}

var (
	sqliteDialect = dialect{
		bind:  func(int) string { return "?" },
		lower: sqliteLowerFunc,
		upper: sqliteUpperFunc,
	}
	postgresDialect = dialect{
		bind:  func(n int) string { return "$" + strconv.Itoa(n) },
		lower: "LOWER",
		upper: "UPPER",
	}
)

// integerColumns are foreign keys stored as INTEGER; every other business column is TEXT.
var integerColumns = map[string]bool{
	model.FieldCustomerID: true,
	model.FieldVehicleID:  true,
}

// selectList reads every column as text so one scanner serves both stores.
func selectList(entity model.Entity) string {
	cols := []string{"id", "COALESCE(legacy_id, '')"}
	for _, c := range entity.Columns() {
		cols = append(cols, "COALESCE(CAST("+c+" AS TEXT), '')")
	}
	return strings.Join(cols, ", ")
}

func (d dialect) findByLegacyID(entity model.Entity) string {
	return "SELECT " + selectList(entity) + " FROM " + entity.Table() + " WHERE legacy_id = " + d.bind(1)
}

func (d dialect) findByNaturalKey(key model.NaturalKey) (string, []any, error) {
	if err := key.Validate(); err != nil {
		return "", nil, err
	}

	base := "SELECT " + selectList(key.Entity) + " FROM " + key.Entity.Table() + " WHERE "
	switch key.Entity {
	case model.EntityCustomer:
		where := d.lower + "(TRIM(COALESCE(email, ''))) = " + d.lower + "(" + d.bind(1) + ")"
		return base + where + " ORDER BY id", []any{key.Email}, nil
	case model.EntityVehicle:
		where := "customer_id = " + d.bind(1) +
			" AND " + d.upper + "(REPLACE(REPLACE(COALESCE(plate, ''), ' ', ''), '-', '')) = " + d.bind(2)
		return base + where + " ORDER BY id", []any{key.CustomerID, key.Plate}, nil
	case model.EntityProductApplication:
		where := "customer_id = " + d.bind(1) +
			" AND " + d.upper + "(TRIM(COALESCE(batch_code, ''))) = " + d.bind(2) +
			" AND " + d.upper + "(TRIM(COALESCE(product_ref, ''))) = " + d.bind(3)
		return base + where + " ORDER BY id", []any{key.CustomerID, key.BatchCode, key.ProductRef}, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrInvalidEntity, key.Entity)
}

func (d dialect) insert(entity model.Entity, legacyID string, fields model.Fields) (string, []any, error) {
	cols := []string{"legacy_id"}
	args := []any{nullable(legacyID)}
	for _, c := range entity.Columns() {
		value, ok := fields[c]
		if !ok {
			continue
		}
		arg, err := columnValue(c, value)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, c)
		args = append(args, arg)
	}
	if err := unknownColumns(entity, fields); err != nil {
		return "", nil, err
	}

	binds := make([]string, len(cols))
	for i := range cols {
		binds[i] = d.bind(i + 1)
	}
	query := "INSERT INTO " + entity.Table() + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(binds, ", ") + ") RETURNING id"
	return query, args, nil
}

func (d dialect) update(entity model.Entity, id int64, fields model.Fields) (string, []any, error) {
	if err := unknownColumns(entity, fields); err != nil {
		return "", nil, err
	}

	var sets []string
	var args []any
	for _, c := range entity.Columns() {
		value, ok := fields[c]
		if !ok {
			continue
		}
		arg, err := columnValue(c, value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
		sets = append(sets, c+" = "+d.bind(len(args)))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	args = append(args, id)
	query := "UPDATE " + entity.Table() + " SET " + strings.Join(sets, ", ") + " WHERE id = " + d.bind(len(args))
	return query, args, nil
}

// link sets legacy_id only when the row has none or already has the same one.
func (d dialect) link(entity model.Entity) string {
	return "UPDATE " + entity.Table() + " SET legacy_id = " + d.bind(1) +
		" WHERE id = " + d.bind(2) + " AND (legacy_id IS NULL OR legacy_id = '' OR legacy_id = " + d.bind(3) + ")"
}

func (d dialect) legacyIDOf(entity model.Entity) string {
	return "SELECT COALESCE(legacy_id, '') FROM " + entity.Table() + " WHERE id = " + d.bind(1)
}

func columnValue(column, value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	if integerColumns[column] {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidFields, column, value)
		}
		return n, nil
	}
	return value, nil
}

func unknownColumns(entity model.Entity, fields model.Fields) error {
	for name := range fields {
		if !entity.HasColumn(name) {
			return fmt.Errorf("%w: %s has no column %q", ErrInvalidFields, entity, name)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLive(entity model.Entity, row scanner) (*model.LiveRecord, error) {
	cols := entity.Columns()
	values := make([]string, len(cols))
	rec := &model.LiveRecord{Entity: entity}

	dest := make([]any, 0, len(cols)+2)
	dest = append(dest, &rec.ID, &rec.LegacyID)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Fields = make(model.Fields, len(cols))
	for i, c := range cols {
		if values[i] != "" {
			rec.Fields[c] = values[i]
		}
	}
	return rec, nil
}
