package legacy

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
)

// ProblemDuplicateID is noted on every row after the first that reuses a legacy id.
const ProblemDuplicateID = "duplicate legacy id"

// TableInfo summarizes one table of the export.
type TableInfo struct {
	Name   string
	Entity model.Entity
	Rows   int
	Known  bool
}

// Extractor streams legacy records out of an export.
type Extractor struct {
	source Source
	logger *slog.Logger
}

// NewExtractor creates an extractor over source.
func NewExtractor(source Source) *Extractor {
	return &Extractor{
		source: source,
		logger: slog.Default(),
	}
}

// Source returns the export the extractor reads.
func (e *Extractor) Source() Source {
	return e.source
}

// Check opens the export and walks it once so an unreadable file fails
// before any record is processed.
func (e *Extractor) Check(ctx context.Context) error {
	_, err := e.Tables(ctx)
	return err
}

// Tables lists every table in the export with its row count.
func (e *Extractor) Tables(ctx context.Context) ([]TableInfo, error) {
	var tables []TableInfo
	err := e.scan(ctx, func(table string) bool {
		entity, known := EntityForTable(table)
		tables = append(tables, TableInfo{Name: table, Entity: entity, Known: known})
		return true
	}, func(string, map[string]string, int) bool {
		tables[len(tables)-1].Rows++
		return true
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// Records yields the normalized rows of entity in export order. Rows are read
// lazily; stopping the iteration closes the export. A read error is yielded
// once and ends the sequence.
func (e *Extractor) Records(ctx context.Context, entity model.Entity) iter.Seq2[model.LegacyRecord, error] {
	return func(yield func(model.LegacyRecord, error) bool) {
		mapping, err := MappingFor(entity)
		if err != nil {
			yield(model.LegacyRecord{}, err)
			return
		}

		seen := make(map[string]int)
		match := func(table string) bool { return strings.EqualFold(table, mapping.Table) }
		stopped := false

		err = e.scan(ctx, match, func(_ string, raw map[string]string, row int) bool {
			rec := mapping.Normalize(raw, row)
			if rec.LegacyID != "" {
				if first, dup := seen[rec.LegacyID]; dup {
					rec.Complete = false
					rec.Problems = append(rec.Problems, fmt.Sprintf("%s (first seen in row %d)", ProblemDuplicateID, first))
					e.logger.Warn("Duplicate legacy id in export",
						"entity", entity,
						"legacy_id", rec.LegacyID,
						"row", row)
				} else {
					seen[rec.LegacyID] = row
				}
			}
			if !yield(rec, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(model.LegacyRecord{}, err)
		}
	}
}

// scan walks the export. onTable is called when a table starts and decides
// whether its rows are wanted. onRow is called for every wanted row with its
// 1-based position inside the table; returning false stops the walk.
func (e *Extractor) scan(
	ctx context.Context,
	onTable func(table string) bool,
	onRow func(table string, raw map[string]string, row int) bool,
) error {
	rc, err := e.source.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrExportUnreadable, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			e.logger.Warn("Failed to close export", "source", e.source.Name(), "error", closeErr)
		}
	}()

	dec := xml.NewDecoder(normalize.NewRepairReader(rc))
	dec.CharsetReader = charsetReader

	var (
		table   string
		inTable bool
		wanted  bool
		sawRoot bool
		row     int
		current map[string]string
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", common.ErrExportUnreadable, e.source.Name(), err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			switch strings.ToLower(t.Name.Local) {
			case "table":
				inTable = true
				table = attr(t, "name")
				wanted = onTable(table)
				row = 0
			case "row":
				if !inTable {
					continue
				}
				current = make(map[string]string)
				for _, a := range t.Attr {
					current[a.Name.Local] = a.Value
				}
			case "field", "column":
				if current == nil {
					if err := dec.Skip(); err != nil {
						return fmt.Errorf("%w: %s: %w", common.ErrExportUnreadable, e.source.Name(), err)
					}
					continue
				}
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return fmt.Errorf("%w: %s: %w", common.ErrExportUnreadable, e.source.Name(), err)
				}
				if name := attr(t, "name"); name != "" {
					current[name] = text
				}
			}
		case xml.EndElement:
			switch strings.ToLower(t.Name.Local) {
			case "row":
				if current == nil {
					continue
				}
				row++
				if wanted && !onRow(table, current, row) {
					return nil
				}
				current = nil
			case "table":
				inTable = false
				wanted = false
			}
		}
	}

	if !sawRoot {
		return fmt.Errorf("%w: %s: no elements found", common.ErrExportUnreadable, e.source.Name())
	}
	return nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}
