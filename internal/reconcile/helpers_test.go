package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
	"github.com/Veraticus/legacy-reconcile/internal/testutil/exports"
)

func testHasher() *normalize.PasswordHasher {
	return normalize.NewPasswordHasher(bcrypt.MinCost)
}

func extractorFor(b *exports.Builder) *legacy.Extractor {
	return legacy.NewExtractor(legacy.BytesSource{Label: "export.xml", Data: b.Bytes()})
}

func newTestEngine(store Store, opts ...Option) *Engine {
	return New(store, nil, append([]Option{WithPasswordHasher(testHasher())}, opts...)...)
}

// record normalizes one raw legacy row the way the extractor does.
func record(t *testing.T, entity model.Entity, row exports.Row) model.LegacyRecord {
	t.Helper()
	mapping, err := legacy.MappingFor(entity)
	require.NoError(t, err)
	return mapping.Normalize(map[string]string(row), 1)
}

func customerRow(id string, row exports.Row) exports.Row {
	row["CustomerID"] = id
	return row
}

func vehicleRow(id, customerID string, row exports.Row) exports.Row {
	row["VehicleID"] = id
	row["CustomerID"] = customerID
	return row
}

// countingProgress records progress calls and can cancel the run on the
// first advance.
type countingProgress struct {
	cancel   context.CancelFunc
	label    string
	total    int
	advanced int
	finished bool
}

func (p *countingProgress) Start(label string, total int) {
	p.label = label
	p.total = total
}

func (p *countingProgress) Advance() {
	p.advanced++
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *countingProgress) Finish() {
	p.finished = true
}
