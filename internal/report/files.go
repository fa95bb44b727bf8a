package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// WriteFile saves the report in the format implied by the path's extension:
// .json or .xlsx.
func WriteFile(path string, r AuditReport) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		f, err := os.Create(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		if err := WriteJSON(f, r); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	case ".xlsx":
		return WriteXLSX(path, r)
	}
	return fmt.Errorf("unsupported report format %q (use .json or .xlsx)", filepath.Ext(path))
}

// WriteJSON encodes the report as indented JSON.
func WriteJSON(w io.Writer, r AuditReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

const (
	summarySheet = "Summary"
	diffsSheet   = "Discrepancies"
	errorsSheet  = "Errors"
)

// WriteXLSX saves the report as a workbook with a summary sheet, one row per
// example diff, and the error log.
func WriteXLSX(path string, r AuditReport) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}

	header := []any{"entity"}
	for _, outcome := range model.AllOutcomes() {
		header = append(header, string(outcome))
	}
	rows := [][]any{header}
	for _, entity := range model.AllEntities() {
		counts, ok := r.ByEntity[entity]
		if !ok {
			continue
		}
		rows = append(rows, countCells(string(entity), counts))
	}
	rows = append(rows, countCells("total", r.Totals))
	if err := writeRows(f, summarySheet, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(diffsSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	rows = [][]any{{"outcome", "entity", "legacy_id", "row", "live_id", "field", "legacy", "live", "action", "reasons"}}
	for _, ex := range append(append([]Example(nil), r.Conflicts...), r.Skipped...) {
		reasons := strings.Join(ex.Reasons, "; ")
		if len(ex.Diffs) == 0 {
			rows = append(rows, []any{string(ex.Outcome), string(ex.Entity), ex.LegacyID, ex.Row, ex.LiveID, "", "", "", "", reasons})
			continue
		}
		for _, d := range ex.Diffs {
			rows = append(rows, []any{
				string(ex.Outcome), string(ex.Entity), ex.LegacyID, ex.Row, ex.LiveID,
				d.Field, d.Legacy, d.Live, string(d.Action), reasons,
			})
		}
	}
	if err := writeRows(f, diffsSheet, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(errorsSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	rows = [][]any{{"entity", "legacy_id", "outcome", "message", "occurred_at"}}
	for _, e := range r.Errors {
		rows = append(rows, []any{string(e.Entity), e.LegacyID, string(e.Outcome), e.Message, e.OccurredAt.Format(time.RFC3339)})
	}
	if err := writeRows(f, errorsSheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func countCells(label string, counts map[model.Outcome]int) []any {
	cells := []any{label}
	for _, outcome := range model.AllOutcomes() {
		cells = append(cells, counts[outcome])
	}
	return cells
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
