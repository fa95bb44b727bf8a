// Package model defines the core domain types of a reconciliation run.
package model

import (
	"errors"
	"fmt"
)

// MatchBasis records how a legacy record was tied to a live record.
type MatchBasis string

// Match basis constants.
const (
	MatchByLegacyID   MatchBasis = "legacy_id"
	MatchByNaturalKey MatchBasis = "natural_key"
	MatchNone         MatchBasis = "none"
)

// Outcome is the terminal decision for one legacy record.
type Outcome string

// Outcome constants.
const (
	OutcomeInsert      Outcome = "INSERT"
	OutcomeUpdate      Outcome = "UPDATE"
	OutcomeNoChange    Outcome = "NO_CHANGE"
	OutcomeConflict    Outcome = "CONFLICT"
	OutcomeSkipInvalid Outcome = "SKIP_INVALID"
)

// AllOutcomes returns the outcomes in report order.
func AllOutcomes() []Outcome {
	return []Outcome{OutcomeInsert, OutcomeUpdate, OutcomeNoChange, OutcomeConflict, OutcomeSkipInvalid}
}

// Writes reports whether the outcome causes the merge executor to touch the store.
func (o Outcome) Writes() bool {
	return o == OutcomeInsert || o == OutcomeUpdate
}

// Policy decides which side wins when a field differs.
type Policy string

// Field precedence policies.
const (
	PolicyLegacyWins        Policy = "legacy-wins"
	PolicyLiveWinsIfPresent Policy = "live-wins-if-present"
	PolicyCoalesce          Policy = "coalesce"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLegacyWins, PolicyLiveWinsIfPresent, PolicyCoalesce:
		return true
	}
	return false
}

// DiffAction is what the executor will do with a single differing field.
type DiffAction string

// Diff actions.
const (
	ActionApply    DiffAction = "apply"
	ActionKeepLive DiffAction = "keep_live"
	ActionConflict DiffAction = "conflict"
)

// FieldDiff is one field whose legacy and live values differ.
type FieldDiff struct {
	Field  string     `json:"field"`
	Legacy string     `json:"legacy"`
	Live   string     `json:"live"`
	Policy Policy     `json:"policy,omitempty"`
	Action DiffAction `json:"action"`
}

// MatchResult ties a legacy record to at most one live record.
type MatchResult struct {
	Live       *LiveRecord
	Key        *NaturalKey
	Basis      MatchBasis
	Candidates []LiveRecord
	// Unresolved lists required reference fields whose target is neither in
	// the live store nor going to be written by this run.
	Unresolved []string
	// Withheld is the part of Unresolved whose target is in the export but
	// is not written by this run, e.g. a conflicting parent.
	Withheld []string
	Legacy   LegacyRecord
}

// Ambiguous reports whether the natural key hit more than one live record.
func (m MatchResult) Ambiguous() bool {
	return m.Basis == MatchNone && len(m.Candidates) > 1
}

// CandidateIDs returns the live ids of an ambiguous match.
func (m MatchResult) CandidateIDs() []int64 {
	ids := make([]int64, 0, len(m.Candidates))
	for _, c := range m.Candidates {
		ids = append(ids, c.ID)
	}
	return ids
}

// Classification is the decision for one legacy record.
type Classification struct {
	Outcome Outcome
	Diffs   []FieldDiff
	Reasons []string
	Match   MatchResult
}

// ErrConflictWithoutDiff flags a classifier bug: a conflict must always explain itself.
var ErrConflictWithoutDiff = errors.New("conflict classification carries no field diff")

// Validate checks the structural invariants of a classification.
func (c Classification) Validate() error {
	switch c.Outcome {
	case OutcomeInsert, OutcomeUpdate, OutcomeNoChange, OutcomeSkipInvalid:
	case OutcomeConflict:
		for _, d := range c.Diffs {
			if d.Field != "" {
				return nil
			}
		}
		return fmt.Errorf("%w: %s %s", ErrConflictWithoutDiff, c.Match.Legacy.Entity, c.Match.Legacy.LegacyID)
	default:
		return fmt.Errorf("unknown outcome %q", c.Outcome)
	}
	return nil
}

// AppliedDiffs returns the diffs the executor should write.
func (c Classification) AppliedDiffs() []FieldDiff {
	var out []FieldDiff
	for _, d := range c.Diffs {
		if d.Action == ActionApply {
			out = append(out, d)
		}
	}
	return out
}

// Entity is shorthand for the classified record's entity.
func (c Classification) Entity() Entity {
	return c.Match.Legacy.Entity
}

// LegacyID is shorthand for the classified record's legacy id.
func (c Classification) LegacyID() string {
	return c.Match.Legacy.LegacyID
}
