package reconcile

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/precedence"
)

// RedactedValue replaces secret values in diffs.
const RedactedValue = "[redacted]"

// Classifier turns a match into exactly one outcome. It never touches the
// store and never fails.
type Classifier struct {
	table *precedence.Table
}

// NewClassifier creates a classifier. A nil table means precedence.Default().
func NewClassifier(table *precedence.Table) *Classifier {
	if table == nil {
		table = precedence.Default()
	}
	return &Classifier{table: table}
}

// Classify decides the outcome of one matched legacy record.
func (c *Classifier) Classify(match model.MatchResult) model.Classification {
	rec := match.Legacy
	out := model.Classification{Match: match}

	if !rec.Complete {
		out.Outcome = model.OutcomeSkipInvalid
		for _, field := range rec.Missing {
			out.Reasons = append(out.Reasons, "missing required field "+field)
		}
		out.Reasons = append(out.Reasons, rec.Problems...)
		return out
	}

	if match.Ambiguous() {
		field := rec.Entity.NaturalKeyField()
		out.Outcome = model.OutcomeConflict
		out.Diffs = []model.FieldDiff{{
			Field:  field,
			Legacy: rec.Fields.Get(field),
			Live:   "candidates " + joinIDs(match.CandidateIDs()),
			Action: model.ActionConflict,
		}}
		out.Reasons = []string{fmt.Sprintf("natural key matches %d live records", len(match.Candidates))}
		return out
	}

	if match.Live == nil {
		if len(match.Unresolved) > 0 {
			out.Outcome = model.OutcomeSkipInvalid
			for _, field := range match.Unresolved {
				format := "%s %s is neither in the live store nor imported by this run"
				if slices.Contains(match.Withheld, field) {
					format = "%s %s is in the export but is not imported by this run"
				}
				out.Reasons = append(out.Reasons, fmt.Sprintf(format, field, rec.Reference(field)))
			}
			return out
		}
		out.Outcome = model.OutcomeInsert
		return out
	}

	live := match.Live
	if live.Linked() && live.LegacyID != rec.LegacyID {
		out.Outcome = model.OutcomeConflict
		out.Diffs = []model.FieldDiff{{
			Field:  model.FieldLegacyID,
			Legacy: rec.LegacyID,
			Live:   live.LegacyID,
			Action: model.ActionConflict,
		}}
		out.Reasons = []string{"live record is already linked to another legacy id"}
		return out
	}

	out.Diffs = c.diff(rec, *live)

	conflicts, applies := 0, 0
	for _, d := range out.Diffs {
		switch d.Action {
		case model.ActionConflict:
			conflicts++
			out.Reasons = append(out.Reasons, d.Field+": live value differs and live wins")
		case model.ActionApply:
			applies++
		}
	}

	switch {
	case conflicts > 0:
		out.Outcome = model.OutcomeConflict
	case applies > 0 || !live.Linked():
		out.Outcome = model.OutcomeUpdate
		if !live.Linked() {
			out.Reasons = append(out.Reasons, "link legacy id")
		}
	default:
		out.Outcome = model.OutcomeNoChange
	}
	return out
}

// diff compares every field of the precedence table in field order. Fields
// absent on the legacy side never produce a diff.
func (c *Classifier) diff(rec model.LegacyRecord, live model.LiveRecord) []model.FieldDiff {
	var diffs []model.FieldDiff
	for _, rule := range c.table.Rules(rec.Entity) {
		legacyValue := rec.Fields.Get(rule.Field)
		if legacyValue == "" {
			continue
		}
		liveValue := live.Fields.Get(rule.Field)
		liveEmpty := strings.TrimSpace(liveValue) == ""
		if !liveEmpty && rule.Equal(legacyValue, liveValue) {
			continue
		}

		d := model.FieldDiff{
			Field:  rule.Field,
			Legacy: legacyValue,
			Live:   liveValue,
			Policy: rule.Policy,
		}
		switch rule.Policy {
		case model.PolicyLegacyWins:
			d.Action = model.ActionApply
		case model.PolicyCoalesce:
			d.Action = model.ActionKeepLive
			if liveEmpty {
				d.Action = model.ActionApply
			}
		default:
			d.Action = model.ActionConflict
			if liveEmpty {
				d.Action = model.ActionApply
			}
		}
		if rule.Comparator == precedence.CompareSecret {
			d.Legacy = RedactedValue
			if !liveEmpty {
				d.Live = RedactedValue
			}
		}
		diffs = append(diffs, d)
	}
	return diffs
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
