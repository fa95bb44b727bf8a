// Package exports builds legacy XML exports for tests.
//
// Example usage:
//
//	data := exports.New().
//		Customer("5", exports.Row{"Email": "a@x.com", "Name": "Old Name"}).
//		Vehicle("9", "5", exports.Row{"Plate": "abc-123"}).
//		Bytes()
//
//	ex := legacy.NewExtractor(legacy.BytesSource{Data: data})
package exports

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

// Row is one exported row, legacy column name to text.
type Row map[string]string

type table struct {
	name string
	rows []Row
}

// Builder assembles an export document table by table.
type Builder struct {
	tables  []*table
	element string
	latin1  bool
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{element: "field"}
}

// Table makes sure a table exists, even without rows.
func (b *Builder) Table(name string) *Builder {
	b.table(name)
	return b
}

// Row appends a row to the named table.
func (b *Builder) Row(tableName string, row Row) *Builder {
	t := b.table(tableName)
	t.rows = append(t.rows, row)
	return b
}

// Customer appends a Customers row with the given legacy id.
func (b *Builder) Customer(id string, row Row) *Builder {
	return b.Row("Customers", with(row, Row{"CustomerID": id}))
}

// Vehicle appends a Vehicles row owned by customerID.
func (b *Builder) Vehicle(id, customerID string, row Row) *Builder {
	return b.Row("Vehicles", with(row, Row{"VehicleID": id, "CustomerID": customerID}))
}

// Application appends a ProductApplications row.
func (b *Builder) Application(id, customerID, vehicleID string, row Row) *Builder {
	return b.Row("ProductApplications", with(row, Row{
		"ApplicationID": id,
		"CustomerID":    customerID,
		"VehicleID":     vehicleID,
	}))
}

// UseColumnElements writes <column> instead of <field>.
func (b *Builder) UseColumnElements() *Builder {
	b.element = "column"
	return b
}

// Latin1 declares ISO-8859-1 and encodes the document in it.
func (b *Builder) Latin1() *Builder {
	b.latin1 = true
	return b
}

// Bytes renders the export.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	if b.latin1 {
		buf.WriteString(`<?xml version="1.0" encoding="ISO-8859-1"?>` + "\n")
	} else {
		buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	}
	buf.WriteString("<export>\n")
	for _, t := range b.tables {
		buf.WriteString(`  <table name="`)
		escape(&buf, t.name)
		buf.WriteString("\">\n")
		for _, row := range t.rows {
			buf.WriteString("    <row>\n")
			for _, name := range sortedKeys(row) {
				buf.WriteString("      <" + b.element + ` name="`)
				escape(&buf, name)
				buf.WriteString(`">`)
				escape(&buf, row[name])
				buf.WriteString("</" + b.element + ">\n")
			}
			buf.WriteString("    </row>\n")
		}
		buf.WriteString("  </table>\n")
	}
	buf.WriteString("</export>\n")

	if !b.latin1 {
		return buf.Bytes()
	}
	out, err := charmap.ISO8859_1.NewEncoder().Bytes(buf.Bytes())
	if err != nil {
		panic("exports: text not representable in ISO-8859-1: " + err.Error())
	}
	return out
}

// WriteFile writes the export into the test's temp dir and returns its path.
func (b *Builder) WriteFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.xml")
	if err := os.WriteFile(path, b.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write export: %v", err)
	}
	return path
}

func (b *Builder) table(name string) *table {
	for _, t := range b.tables {
		if t.name == name {
			return t
		}
	}
	t := &table{name: name}
	b.tables = append(b.tables, t)
	return t
}

func with(row, extra Row) Row {
	out := make(Row, len(row)+len(extra))
	for k, v := range row {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}
