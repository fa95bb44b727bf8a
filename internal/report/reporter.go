// Package report accumulates classifications into an audit report and renders
// it for the console, as JSON, or as an XLSX workbook.
package report

import (
	"strings"
	"time"

	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

// DefaultExamples bounds the example lists of an audit report.
const DefaultExamples = 20

const redacted = "[redacted]"

// Example is one CONFLICT or SKIP_INVALID record with everything an operator
// needs to resolve it by hand.
type Example struct {
	Raw        map[string]string `json:"raw,omitempty"`
	Normalized model.Fields      `json:"normalized,omitempty"`
	Entity     model.Entity      `json:"entity"`
	LegacyID   string            `json:"legacy_id"`
	Outcome    model.Outcome     `json:"outcome"`
	Basis      model.MatchBasis  `json:"basis"`
	Diffs      []model.FieldDiff `json:"diffs,omitempty"`
	Reasons    []string          `json:"reasons,omitempty"`
	Candidates []int64           `json:"candidates,omitempty"`
	LiveID     int64             `json:"live_id,omitempty"`
	Row        int               `json:"row"`
}

// AuditReport is the read-only summary of a run.
type AuditReport struct {
	GeneratedAt time.Time                              `json:"generated_at"`
	Totals      map[model.Outcome]int                  `json:"totals"`
	ByEntity    map[model.Entity]map[model.Outcome]int `json:"by_entity"`
	Applied     map[model.Outcome]int                  `json:"applied,omitempty"`
	Omitted     map[model.Outcome]int                  `json:"omitted,omitempty"`
	RunID       string                                 `json:"run_id,omitempty"`
	Mode        model.RunMode                          `json:"mode"`
	Source      string                                 `json:"source,omitempty"`
	Conflicts   []Example                              `json:"conflicts"`
	Skipped     []Example                              `json:"skipped"`
	Errors      []model.RunError                       `json:"errors"`
	Records     int                                    `json:"records"`
}

// Count returns the total for one outcome.
func (r AuditReport) Count(outcome model.Outcome) int {
	return r.Totals[outcome]
}

// Reporter accumulates classifications. It only reads what it is given.
type Reporter struct {
	report   AuditReport
	examples int
	now      func() time.Time
}

// NewReporter creates a reporter keeping at most examples records per example
// list. A value below 1 uses DefaultExamples.
func NewReporter(runID string, mode model.RunMode, source string, examples int) *Reporter {
	if examples < 1 {
		examples = DefaultExamples
	}
	return &Reporter{
		examples: examples,
		now:      time.Now,
		report: AuditReport{
			RunID:    runID,
			Mode:     mode,
			Source:   source,
			Totals:   make(map[model.Outcome]int),
			ByEntity: make(map[model.Entity]map[model.Outcome]int),
			Applied:  make(map[model.Outcome]int),
			Omitted:  make(map[model.Outcome]int),
		},
	}
}

// Add counts one classification and keeps it as an example when it needs
// operator attention.
func (r *Reporter) Add(c model.Classification) {
	r.report.Records++
	r.report.Totals[c.Outcome]++
	entity := c.Entity()
	if r.report.ByEntity[entity] == nil {
		r.report.ByEntity[entity] = make(map[model.Outcome]int)
	}
	r.report.ByEntity[entity][c.Outcome]++

	switch c.Outcome {
	case model.OutcomeConflict:
		r.report.Conflicts = r.keep(r.report.Conflicts, c)
	case model.OutcomeSkipInvalid:
		r.report.Skipped = r.keep(r.report.Skipped, c)
	}
}

// MarkApplied counts a committed write.
func (r *Reporter) MarkApplied(outcome model.Outcome) {
	r.report.Applied[outcome]++
}

// AddError records a per-record failure.
func (r *Reporter) AddError(runErr model.RunError) {
	r.report.Errors = append(r.report.Errors, runErr)
}

// Report returns a snapshot of the accumulated report.
func (r *Reporter) Report() AuditReport {
	out := r.report
	out.GeneratedAt = r.now()
	out.Totals = cloneCounts(r.report.Totals)
	out.Applied = cloneCounts(r.report.Applied)
	out.Omitted = cloneCounts(r.report.Omitted)
	out.ByEntity = make(map[model.Entity]map[model.Outcome]int, len(r.report.ByEntity))
	for entity, counts := range r.report.ByEntity {
		out.ByEntity[entity] = cloneCounts(counts)
	}
	out.Conflicts = append([]Example(nil), r.report.Conflicts...)
	out.Skipped = append([]Example(nil), r.report.Skipped...)
	out.Errors = append([]model.RunError(nil), r.report.Errors...)
	return out
}

func (r *Reporter) keep(list []Example, c model.Classification) []Example {
	if len(list) >= r.examples {
		r.report.Omitted[c.Outcome]++
		return list
	}
	return append(list, exampleFor(c))
}

func exampleFor(c model.Classification) Example {
	rec := c.Match.Legacy
	ex := Example{
		Entity:     rec.Entity,
		LegacyID:   rec.LegacyID,
		Row:        rec.Row,
		Outcome:    c.Outcome,
		Basis:      c.Match.Basis,
		Diffs:      append([]model.FieldDiff(nil), c.Diffs...),
		Reasons:    append([]string(nil), c.Reasons...),
		Candidates: c.Match.CandidateIDs(),
		Normalized: rec.Fields.Clone(),
		Raw:        make(map[string]string, len(rec.Raw)),
	}
	if c.Match.Live != nil {
		ex.LiveID = c.Match.Live.ID
	}
	if len(ex.Candidates) == 0 {
		ex.Candidates = nil
	}
	for k, v := range rec.Raw {
		ex.Raw[k] = v
	}

	mapping, err := legacy.MappingFor(rec.Entity)
	if err != nil {
		return ex
	}
	for _, f := range mapping.Fields {
		if f.Kind != legacy.KindPassword {
			continue
		}
		if _, ok := ex.Normalized[f.Canonical]; ok {
			ex.Normalized[f.Canonical] = redacted
		}
		for k := range ex.Raw {
			if strings.EqualFold(k, f.Legacy) {
				ex.Raw[k] = redacted
			}
		}
	}
	return ex
}

func cloneCounts(in map[model.Outcome]int) map[model.Outcome]int {
	out := make(map[model.Outcome]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
