package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Veraticus/legacy-reconcile/internal/cli"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// RenderConsole writes a human-readable report: totals per entity, then the
// example conflicts and skipped records, then per-record errors.
func RenderConsole(w io.Writer, r AuditReport) error {
	title := "Dry run"
	if r.Mode == model.ModeApply {
		title = "Apply"
	}
	if r.RunID != "" {
		title += " " + r.RunID
	}
	if _, err := fmt.Fprintln(w, cli.FormatTitle(title)); err != nil {
		return err
	}
	if r.Source != "" {
		if _, err := fmt.Fprintln(w, cli.SubtleStyle.Render("export: "+r.Source)); err != nil {
			return err
		}
	}

	if err := renderTotals(w, r); err != nil {
		return err
	}

	if len(r.Applied) > 0 {
		if _, err := fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Applied %d inserts and %d updates",
			r.Applied[model.OutcomeInsert], r.Applied[model.OutcomeUpdate]))); err != nil {
			return err
		}
	}

	if err := renderExamples(w, "Conflicts", r.Conflicts, r.Omitted[model.OutcomeConflict]); err != nil {
		return err
	}
	if err := renderExamples(w, "Skipped records", r.Skipped, r.Omitted[model.OutcomeSkipInvalid]); err != nil {
		return err
	}
	return renderErrors(w, r.Errors)
}

func renderTotals(w io.Writer, r AuditReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	header := []string{cli.TableHeaderStyle.Render("ENTITY")}
	for _, outcome := range model.AllOutcomes() {
		header = append(header, cli.TableHeaderStyle.Render(string(outcome)))
	}
	if _, err := fmt.Fprintln(tw, strings.Join(header, "\t")); err != nil {
		return err
	}

	for _, entity := range model.AllEntities() {
		counts, ok := r.ByEntity[entity]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(tw, countRow(string(entity), counts)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(tw, countRow(cli.BoldStyle.Render("total"), r.Totals)); err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func countRow(label string, counts map[model.Outcome]int) string {
	cells := []string{label}
	for _, outcome := range model.AllOutcomes() {
		n := counts[outcome]
		cell := fmt.Sprint(n)
		if n > 0 {
			cell = cli.OutcomeStyle(string(outcome)).Render(cell)
		}
		cells = append(cells, cell)
	}
	return strings.Join(cells, "\t")
}

func renderExamples(w io.Writer, title string, examples []Example, omitted int) error {
	if len(examples) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, cli.TitleStyle.Render(title)); err != nil {
		return err
	}

	for _, ex := range examples {
		heading := fmt.Sprintf("%s %s (row %d)", ex.Entity, ex.LegacyID, ex.Row)
		if ex.LiveID != 0 {
			heading += fmt.Sprintf(" -> live %d", ex.LiveID)
		}
		if _, err := fmt.Fprintln(w, cli.BoldStyle.Render(heading)); err != nil {
			return err
		}
		for _, reason := range ex.Reasons {
			if _, err := fmt.Fprintf(w, "  - %s\n", reason); err != nil {
				return err
			}
		}
		if len(ex.Diffs) > 0 {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			if _, err := fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n",
				cli.TableHeaderStyle.Render("FIELD"),
				cli.TableHeaderStyle.Render("LEGACY"),
				cli.TableHeaderStyle.Render("LIVE"),
				cli.TableHeaderStyle.Render("ACTION")); err != nil {
				return err
			}
			for _, d := range ex.Diffs {
				if _, err := fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", d.Field, d.Legacy, d.Live, d.Action); err != nil {
					return err
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}

	if omitted > 0 {
		if _, err := fmt.Fprintln(w, cli.SubtleStyle.Render(fmt.Sprintf("... and %d more", omitted))); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func renderErrors(w io.Writer, errs []model.RunError) error {
	if len(errs) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, cli.FormatError(fmt.Sprintf("%d records failed", len(errs)))); err != nil {
		return err
	}
	for _, e := range errs {
		if _, err := fmt.Fprintf(w, "  %s %s: %s\n", e.Entity, e.LegacyID, e.Message); err != nil {
			return err
		}
	}
	return nil
}
