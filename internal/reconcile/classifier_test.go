package reconcile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/precedence"
	"github.com/Veraticus/legacy-reconcile/internal/testutil/exports"
)

func legacyCustomer(fields model.Fields) model.LegacyRecord {
	return model.LegacyRecord{
		Entity:   model.EntityCustomer,
		LegacyID: "5",
		Row:      1,
		Fields:   fields,
		Complete: true,
	}
}

func liveCustomer(legacyID string, fields model.Fields) *model.LiveRecord {
	return &model.LiveRecord{ID: 1, Entity: model.EntityCustomer, LegacyID: legacyID, Fields: fields}
}

func byLegacyID(rec model.LegacyRecord, live *model.LiveRecord) model.MatchResult {
	return model.MatchResult{Legacy: rec, Live: live, Basis: model.MatchByLegacyID}
}

func TestClassifier_Outcomes(t *testing.T) {
	base := model.Fields{model.FieldEmail: "a@x.com", model.FieldName: "Old Name", model.FieldPhone: "5551110000"}

	tests := []struct {
		name    string
		match   model.MatchResult
		outcome model.Outcome
		diffs   []model.FieldDiff
		reasons []string
	}{
		{
			name: "incomplete record",
			match: model.MatchResult{Basis: model.MatchNone, Legacy: model.LegacyRecord{
				Entity:   model.EntityCustomer,
				LegacyID: "5",
				Missing:  []string{model.FieldEmail},
				Problems: []string{"email: not an email address"},
			}},
			outcome: model.OutcomeSkipInvalid,
			reasons: []string{"missing required field email", "email: not an email address"},
		},
		{
			name: "ambiguous natural key",
			match: model.MatchResult{
				Basis:  model.MatchNone,
				Legacy: legacyCustomer(base),
				Candidates: []model.LiveRecord{
					{ID: 12, Entity: model.EntityCustomer},
					{ID: 15, Entity: model.EntityCustomer},
				},
			},
			outcome: model.OutcomeConflict,
			diffs: []model.FieldDiff{{
				Field: model.FieldEmail, Legacy: "a@x.com", Live: "candidates 12, 15", Action: model.ActionConflict,
			}},
			reasons: []string{"natural key matches 2 live records"},
		},
		{
			name:    "no match",
			match:   model.MatchResult{Basis: model.MatchNone, Legacy: legacyCustomer(base)},
			outcome: model.OutcomeInsert,
		},
		{
			name: "dangling required reference",
			match: model.MatchResult{
				Basis: model.MatchNone,
				Legacy: model.LegacyRecord{
					Entity:   model.EntityVehicle,
					LegacyID: "9",
					Complete: true,
					Fields:   model.Fields{model.FieldPlate: "ABC123", model.FieldCustomerRef: "77"},
				},
				Unresolved: []string{model.FieldCustomerRef},
			},
			outcome: model.OutcomeSkipInvalid,
			reasons: []string{"customer_ref 77 is neither in the live store nor imported by this run"},
		},
		{
			name: "required reference withheld by this run",
			match: model.MatchResult{
				Basis: model.MatchNone,
				Legacy: model.LegacyRecord{
					Entity:   model.EntityVehicle,
					LegacyID: "9",
					Complete: true,
					Fields:   model.Fields{model.FieldPlate: "ABC123", model.FieldCustomerRef: "5"},
				},
				Unresolved: []string{model.FieldCustomerRef},
				Withheld:   []string{model.FieldCustomerRef},
			},
			outcome: model.OutcomeSkipInvalid,
			reasons: []string{"customer_ref 5 is in the export but is not imported by this run"},
		},
		{
			name:    "live linked to another legacy id",
			match:   model.MatchResult{Basis: model.MatchByNaturalKey, Legacy: legacyCustomer(base), Live: liveCustomer("8", base.Clone())},
			outcome: model.OutcomeConflict,
			diffs: []model.FieldDiff{{
				Field: model.FieldLegacyID, Legacy: "5", Live: "8", Action: model.ActionConflict,
			}},
			reasons: []string{"live record is already linked to another legacy id"},
		},
		{
			name:    "identical and linked",
			match:   byLegacyID(legacyCustomer(base), liveCustomer("5", base.Clone())),
			outcome: model.OutcomeNoChange,
		},
		{
			name: "identical after live normalization",
			match: byLegacyID(legacyCustomer(base), liveCustomer("5", model.Fields{
				model.FieldEmail: " A@X.com", model.FieldName: "Old  Name", model.FieldPhone: "(555) 111-0000",
			})),
			outcome: model.OutcomeNoChange,
		},
		{
			name:    "identical but unlinked",
			match:   model.MatchResult{Basis: model.MatchByNaturalKey, Legacy: legacyCustomer(base), Live: liveCustomer("", base.Clone())},
			outcome: model.OutcomeUpdate,
			reasons: []string{"link legacy id"},
		},
		{
			name: "live-wins field differs",
			match: byLegacyID(legacyCustomer(base), liveCustomer("5", model.Fields{
				model.FieldEmail: "a@x.com", model.FieldName: "Old Name", model.FieldPhone: "5552220000",
			})),
			outcome: model.OutcomeConflict,
			diffs: []model.FieldDiff{{
				Field: model.FieldPhone, Legacy: "5551110000", Live: "5552220000",
				Policy: model.PolicyLiveWinsIfPresent, Action: model.ActionConflict,
			}},
			reasons: []string{"phone: live value differs and live wins"},
		},
		{
			name: "live-wins field empty on live side",
			match: byLegacyID(legacyCustomer(base), liveCustomer("5", model.Fields{
				model.FieldEmail: "a@x.com", model.FieldName: "Old Name",
			})),
			outcome: model.OutcomeUpdate,
			diffs: []model.FieldDiff{{
				Field: model.FieldPhone, Legacy: "5551110000",
				Policy: model.PolicyLiveWinsIfPresent, Action: model.ActionApply,
			}},
		},
		{
			name: "legacy-wins field differs",
			match: byLegacyID(
				legacyCustomer(model.Fields{model.FieldEmail: "a@x.com", model.FieldDealerCode: "DLR01"}),
				liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com", model.FieldDealerCode: "DLR02"}),
			),
			outcome: model.OutcomeUpdate,
			diffs: []model.FieldDiff{{
				Field: model.FieldDealerCode, Legacy: "DLR01", Live: "DLR02",
				Policy: model.PolicyLegacyWins, Action: model.ActionApply,
			}},
		},
		{
			name: "absent legacy value never diffs",
			match: byLegacyID(
				legacyCustomer(model.Fields{model.FieldEmail: "a@x.com"}),
				liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com", model.FieldAddress: "1 Main St"}),
			),
			outcome: model.OutcomeNoChange,
		},
		{
			name: "secret filled when live is empty",
			match: byLegacyID(
				legacyCustomer(model.Fields{model.FieldEmail: "a@x.com", model.FieldPasswordHash: exports.LegacyPasswordHash}),
				liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com"}),
			),
			outcome: model.OutcomeUpdate,
			diffs: []model.FieldDiff{{
				Field: model.FieldPasswordHash, Legacy: RedactedValue,
				Policy: model.PolicyCoalesce, Action: model.ActionApply,
			}},
		},
		{
			name: "secret kept when live differs",
			match: byLegacyID(
				legacyCustomer(model.Fields{model.FieldEmail: "a@x.com", model.FieldPasswordHash: exports.LegacyPasswordHash}),
				liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com", model.FieldPasswordHash: "$2a$10$somethingelse"}),
			),
			outcome: model.OutcomeNoChange,
			diffs: []model.FieldDiff{{
				Field: model.FieldPasswordHash, Legacy: RedactedValue, Live: RedactedValue,
				Policy: model.PolicyCoalesce, Action: model.ActionKeepLive,
			}},
		},
	}

	classifier := NewClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.match)
			require.NoError(t, got.Validate())
			assert.Equal(t, tt.outcome, got.Outcome)
			assert.Equal(t, tt.diffs, got.Diffs)
			assert.Equal(t, tt.reasons, got.Reasons)
			assert.Equal(t, tt.match, got.Match)
		})
	}
}

func TestClassifier_RehashedPasswordIsUnchanged(t *testing.T) {
	live, err := testHasher().Rehash(exports.LegacyPasswordHash)
	require.NoError(t, err)

	got := NewClassifier(nil).Classify(byLegacyID(
		legacyCustomer(model.Fields{model.FieldEmail: "a@x.com", model.FieldPasswordHash: exports.LegacyPasswordHash}),
		liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com", model.FieldPasswordHash: live}),
	))
	assert.Equal(t, model.OutcomeNoChange, got.Outcome)
	assert.Empty(t, got.Diffs)
}

func TestClassifier_DiffsFollowFieldOrder(t *testing.T) {
	got := NewClassifier(nil).Classify(byLegacyID(
		legacyCustomer(model.Fields{
			model.FieldEmail:      "a@x.com",
			model.FieldDealerCode: "DLR01",
			model.FieldName:       "Old Name",
			model.FieldPhone:      "5551110000",
			model.FieldCity:       "Springfield",
		}),
		liveCustomer("5", model.Fields{
			model.FieldEmail:      "a@x.com",
			model.FieldDealerCode: "DLR02",
			model.FieldName:       "New Name",
			model.FieldPhone:      "5552220000",
		}),
	))

	require.Len(t, got.Diffs, 4)
	var fields []string
	for _, d := range got.Diffs {
		fields = append(fields, d.Field)
	}
	assert.Equal(t, []string{model.FieldName, model.FieldPhone, model.FieldCity, model.FieldDealerCode}, fields)
	assert.Equal(t, model.OutcomeConflict, got.Outcome, "a single conflicting field makes the whole record a conflict")
	assert.Len(t, got.AppliedDiffs(), 2)
	assert.Equal(t, []string{
		"name: live value differs and live wins",
		"phone: live value differs and live wins",
	}, got.Reasons)
}

func TestClassifier_Coalesce(t *testing.T) {
	rec := model.LegacyRecord{
		Entity:   model.EntityVehicle,
		LegacyID: "9",
		Complete: true,
		Fields: model.Fields{
			model.FieldCustomerRef: "5",
			model.FieldPlate:       "ABC123",
			model.FieldMake:        "Honda",
			model.FieldYear:        "2003",
		},
	}
	live := &model.LiveRecord{ID: 2, Entity: model.EntityVehicle, LegacyID: "9", Fields: model.Fields{
		model.FieldCustomerID: "1",
		model.FieldPlate:      "abc 123",
		model.FieldMake:       "Toyota",
	}}

	got := NewClassifier(nil).Classify(byLegacyID(rec, live))
	assert.Equal(t, model.OutcomeUpdate, got.Outcome)
	assert.Equal(t, []model.FieldDiff{
		{Field: model.FieldMake, Legacy: "Honda", Live: "Toyota", Policy: model.PolicyCoalesce, Action: model.ActionKeepLive},
		{Field: model.FieldYear, Legacy: "2003", Policy: model.PolicyCoalesce, Action: model.ActionApply},
	}, got.Diffs)
}

func TestClassifier_OverriddenPolicy(t *testing.T) {
	table := precedence.Default()
	require.NoError(t, table.Override(model.EntityCustomer, model.FieldPhone, model.PolicyLegacyWins, ""))

	got := NewClassifier(table).Classify(byLegacyID(
		legacyCustomer(model.Fields{model.FieldEmail: "a@x.com", model.FieldPhone: "5551110000"}),
		liveCustomer("5", model.Fields{model.FieldEmail: "a@x.com", model.FieldPhone: "5552220000"}),
	))
	assert.Equal(t, model.OutcomeUpdate, got.Outcome)
	require.Len(t, got.Diffs, 1)
	assert.Equal(t, model.ActionApply, got.Diffs[0].Action)
}

// TestClassifier_EveryRule drives every field of the default table through
// every match basis and diff state, one field at a time.
func TestClassifier_EveryRule(t *testing.T) {
	const (
		legacyValue = "legacy-value"
		otherValue  = "other-value"
	)
	type diffState string
	const (
		stateEqual     diffState = "equal"
		stateDiffers   diffState = "differs"
		stateLiveEmpty diffState = "live empty"
	)
	bases := []string{"legacy_id", "natural_key", "none", "ambiguous"}

	classifier := NewClassifier(nil)
	for _, entity := range model.AllEntities() {
		rules := precedence.Default().Rules(entity)
		require.NotEmpty(t, rules, entity)
		for _, rule := range rules {
			for _, state := range []diffState{stateEqual, stateDiffers, stateLiveEmpty} {
				for _, basis := range bases {
					for _, complete := range []bool{true, false} {
						name := fmt.Sprintf("%s/%s/%s/%s/complete=%t", entity, rule.Field, state, basis, complete)
						t.Run(name, func(t *testing.T) {
							rec := model.LegacyRecord{
								Entity:   entity,
								LegacyID: "5",
								Row:      1,
								Fields:   model.Fields{rule.Field: legacyValue},
								Complete: complete,
							}
							if !complete {
								rec.Missing = []string{entity.NaturalKeyField()}
							}

							liveFields := model.Fields{}
							switch state {
							case stateEqual:
								liveFields[rule.Field] = legacyValue
							case stateDiffers:
								liveFields[rule.Field] = otherValue
							}

							match := model.MatchResult{Legacy: rec, Basis: model.MatchNone}
							switch basis {
							case "legacy_id":
								match.Basis = model.MatchByLegacyID
								match.Live = &model.LiveRecord{ID: 1, Entity: entity, LegacyID: "5", Fields: liveFields}
							case "natural_key":
								match.Basis = model.MatchByNaturalKey
								match.Live = &model.LiveRecord{ID: 1, Entity: entity, Fields: liveFields}
							case "ambiguous":
								match.Candidates = []model.LiveRecord{{ID: 1, Entity: entity}, {ID: 2, Entity: entity}}
							}

							got := classifier.Classify(match)
							require.NoError(t, got.Validate())
							assert.Contains(t, model.AllOutcomes(), got.Outcome)

							var want model.Outcome
							switch {
							case !complete:
								want = model.OutcomeSkipInvalid
							case basis == "ambiguous":
								want = model.OutcomeConflict
							case basis == "none":
								want = model.OutcomeInsert
							case state == stateLiveEmpty:
								want = model.OutcomeUpdate
							case state == stateDiffers && rule.Policy == model.PolicyLiveWinsIfPresent:
								want = model.OutcomeConflict
							case state == stateDiffers && rule.Policy == model.PolicyLegacyWins:
								want = model.OutcomeUpdate
							case basis == "natural_key":
								want = model.OutcomeUpdate
							default:
								want = model.OutcomeNoChange
							}
							assert.Equal(t, want, got.Outcome)

							if want == model.OutcomeConflict && basis != "ambiguous" {
								require.Len(t, got.Diffs, 1)
								assert.Equal(t, rule.Field, got.Diffs[0].Field)
								assert.Equal(t, model.ActionConflict, got.Diffs[0].Action)
							}
							if rule.Comparator == precedence.CompareSecret {
								for _, d := range got.Diffs {
									assert.NotEqual(t, legacyValue, d.Legacy)
									assert.NotEqual(t, otherValue, d.Live)
								}
							}
						})
					}
				}
			}
		}
	}
}
