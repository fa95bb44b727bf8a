package legacy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
	"github.com/Veraticus/legacy-reconcile/internal/testutil/exports"
)

func collect(t *testing.T, ex *Extractor, entity model.Entity) []model.LegacyRecord {
	t.Helper()
	var out []model.LegacyRecord
	for rec, err := range ex.Records(context.Background(), entity) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestExtractor_Records_Standard(t *testing.T) {
	ex := NewExtractor(BytesSource{Data: exports.Standard().Bytes()})

	customers := collect(t, ex, model.EntityCustomer)
	require.Len(t, customers, 1)
	c := customers[0]
	assert.Equal(t, "5", c.LegacyID)
	assert.True(t, c.Complete)
	assert.Equal(t, 1, c.Row)
	assert.Equal(t, "a@x.com", c.Fields.Get(model.FieldEmail))
	assert.Equal(t, "Old Name", c.Fields.Get(model.FieldName))
	assert.Equal(t, "5551110000", c.Fields.Get(model.FieldPhone))
	assert.Equal(t, "2017-08-25", c.Fields.Get(model.FieldSignupDate))
	assert.Equal(t, "DLR01", c.Fields.Get(model.FieldDealerCode))
	assert.Equal(t, exports.LegacyPasswordHash, c.Fields.Get(model.FieldPasswordHash))
	assert.Equal(t, "A@X.com", c.Raw["Email"])
	assert.Empty(t, c.Problems)

	vehicles := collect(t, ex, model.EntityVehicle)
	require.Len(t, vehicles, 1)
	assert.Equal(t, "ABC123", vehicles[0].Fields.Get(model.FieldPlate))
	assert.Equal(t, "5", vehicles[0].Reference(model.FieldCustomerRef))
	assert.Equal(t, "2003", vehicles[0].Fields.Get(model.FieldYear))

	apps := collect(t, ex, model.EntityProductApplication)
	require.Len(t, apps, 1)
	assert.Equal(t, "B-77", apps[0].Fields.Get(model.FieldBatchCode))
	assert.Equal(t, "9", apps[0].Reference(model.FieldVehicleRef))
	assert.True(t, apps[0].Complete)
}

func TestExtractor_IncompleteRecords(t *testing.T) {
	data := exports.New().
		Customer("1", exports.Row{"Email": "not-an-email", "Name": "Bad Email"}).
		Customer("", exports.Row{"Email": "noid@x.com"}).
		Customer("3", exports.Row{"Email": "ok@x.com", "DateCreated": "not-a-date"}).
		Bytes()
	ex := NewExtractor(BytesSource{Data: data})

	recs := collect(t, ex, model.EntityCustomer)
	require.Len(t, recs, 3)

	assert.False(t, recs[0].Complete)
	assert.Contains(t, recs[0].Missing, model.FieldEmail)
	assert.False(t, recs[0].Fields.Has(model.FieldEmail))
	assert.NotEmpty(t, recs[0].Problems)

	assert.False(t, recs[1].Complete)
	assert.Contains(t, recs[1].Missing, model.FieldLegacyID)

	assert.True(t, recs[2].Complete, "a bad optional field leaves the record complete")
	assert.False(t, recs[2].Fields.Has(model.FieldSignupDate))
	require.Len(t, recs[2].Problems, 1)
	assert.Contains(t, recs[2].Problems[0], model.FieldSignupDate)
}

func TestExtractor_DuplicateLegacyID(t *testing.T) {
	data := exports.New().
		Customer("7", exports.Row{"Email": "first@x.com"}).
		Customer("7", exports.Row{"Email": "second@x.com"}).
		Bytes()
	ex := NewExtractor(BytesSource{Data: data})

	recs := collect(t, ex, model.EntityCustomer)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Complete)
	assert.False(t, recs[1].Complete)
	assert.Contains(t, recs[1].Problems[0], ProblemDuplicateID)
}

func TestExtractor_GarbagePasswordKept(t *testing.T) {
	data := exports.New().
		Customer("1", exports.Row{"Email": "a@x.com", "Password": "plainmd5value"}).
		Bytes()
	recs := collect(t, NewExtractor(BytesSource{Data: data}), model.EntityCustomer)
	require.Len(t, recs, 1)
	assert.Equal(t, "plainmd5value", recs[0].Fields.Get(model.FieldPasswordHash))
	assert.True(t, recs[0].Complete)
}

func TestExtractor_ColumnElementsAndCase(t *testing.T) {
	data := exports.New().
		UseColumnElements().
		Row("customers", exports.Row{"customerid": "11", "EMAIL": "x@y.com"}).
		Bytes()
	recs := collect(t, NewExtractor(BytesSource{Data: data}), model.EntityCustomer)
	require.Len(t, recs, 1)
	assert.Equal(t, "11", recs[0].LegacyID)
	assert.Equal(t, "x@y.com", recs[0].Fields.Get(model.FieldEmail))
}

func TestExtractor_Latin1Export(t *testing.T) {
	data := exports.New().
		Latin1().
		Customer("1", exports.Row{"Email": "a@x.com", "Name": "José Müller"}).
		Bytes()
	recs := collect(t, NewExtractor(BytesSource{Data: data}), model.EntityCustomer)
	require.Len(t, recs, 1)
	assert.Equal(t, "José Müller", recs[0].Fields.Get(model.FieldName))
}

func TestExtractor_InvalidBytesInUTF8Export(t *testing.T) {
	data := []byte("<export><table name=\"Customers\"><row>" +
		"<field name=\"CustomerID\">1</field>" +
		"<field name=\"Email\">a@x.com</field>" +
		"<field name=\"Name\">Caf\xe9 \x01Owner</field>" +
		"</row></table></export>")
	recs := collect(t, NewExtractor(BytesSource{Data: data}), model.EntityCustomer)
	require.Len(t, recs, 1)
	assert.Equal(t, "Café �Owner", recs[0].Fields.Get(model.FieldName))
}

func TestExtractor_RowAttributes(t *testing.T) {
	data := []byte(`<export><table name="Vehicles"><row VehicleID="3" CustomerID="1" Plate="xy 9"/></table></export>`)
	recs := collect(t, NewExtractor(BytesSource{Data: data}), model.EntityVehicle)
	require.Len(t, recs, 1)
	assert.Equal(t, "XY9", recs[0].Fields.Get(model.FieldPlate))
	assert.True(t, recs[0].Complete)
}

func TestExtractor_Unreadable(t *testing.T) {
	tests := []struct {
		source Source
		name   string
	}{
		{name: "missing file", source: FileSource{Path: "/nonexistent/export.xml"}},
		{name: "empty", source: BytesSource{Data: nil}},
		{name: "malformed", source: BytesSource{Data: []byte("<export><table name=\"Customers\"><row>")}},
		{name: "unknown charset", source: BytesSource{Data: []byte(`<?xml version="1.0" encoding="EBCDIC"?><export/>`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewExtractor(tt.source)
			err := ex.Check(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrExportUnreadable), "got %v", err)

			var gotErr error
			for _, err := range ex.Records(context.Background(), model.EntityCustomer) {
				gotErr = err
			}
			assert.ErrorIs(t, gotErr, common.ErrExportUnreadable)
		})
	}
}

func TestExtractor_StopEarly(t *testing.T) {
	b := exports.New()
	for _, id := range []string{"1", "2", "3"} {
		b.Customer(id, exports.Row{"Email": id + "@x.com"})
	}
	ex := NewExtractor(BytesSource{Data: b.Bytes()})

	var seen []string
	for rec, err := range ex.Records(context.Background(), model.EntityCustomer) {
		require.NoError(t, err)
		seen = append(seen, rec.LegacyID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"1", "2"}, seen)

	// the source is re-opened, so a second pass sees every row again
	assert.Len(t, collect(t, ex, model.EntityCustomer), 3)
}

func TestExtractor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := NewExtractor(BytesSource{Data: exports.Standard().Bytes()})
	var gotErr error
	for _, err := range ex.Records(ctx, model.EntityCustomer) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestExtractor_Tables(t *testing.T) {
	data := exports.Standard().
		Customer("6", exports.Row{"Email": "b@x.com"}).
		Table("Dealers").
		Bytes()
	tables, err := NewExtractor(BytesSource{Data: data}).Tables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 4)

	assert.Equal(t, TableInfo{Name: "Customers", Entity: model.EntityCustomer, Rows: 2, Known: true}, tables[0])
	assert.Equal(t, 1, tables[1].Rows)
	assert.Equal(t, model.EntityProductApplication, tables[2].Entity)
	assert.Equal(t, TableInfo{Name: "Dealers"}, tables[3])
}

func TestFileSource(t *testing.T) {
	path := exports.Standard().WriteFile(t)
	recs := collect(t, NewExtractor(FileSource{Path: path}), model.EntityCustomer)
	require.Len(t, recs, 1)
	assert.Equal(t, path, FileSource{Path: path}.Name())
}

func TestMapping_PasswordDecodeNote(t *testing.T) {
	m, err := MappingFor(model.EntityCustomer)
	require.NoError(t, err)

	rec := m.Normalize(map[string]string{
		"CustomerID": "1",
		"Email":      "a@x.com",
		"Password":   normalize.EncodeLegacyPassword("sha1", "abc"),
	}, 1)
	assert.Equal(t, "abc", rec.Fields.Get(model.FieldPasswordHash))
	assert.Empty(t, rec.Problems)

	_, err = MappingFor(model.Entity("dealer"))
	assert.Error(t, err)
}

func TestEntityForTable(t *testing.T) {
	entity, ok := EntityForTable("productapplications")
	assert.True(t, ok)
	assert.Equal(t, model.EntityProductApplication, entity)

	_, ok = EntityForTable("Invoices")
	assert.False(t, ok)
}
