package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

func cand(id int) models.TokenCandidate {
	return models.TokenCandidate{ID: id}
}

func filtering(index, step int, before, after []models.TokenCandidate, rejected int) models.Event {
	return models.Event{
		Index: index,
		Step:  step,
		Kind:  models.KindFiltering,
		Filtering: &models.FilteringEvent{
			Step:             step,
			CandidatesBefore: before,
			CandidatesAfter:  after,
			RejectedCount:    rejected,
		},
	}
}

func accepted(index, step, id int) models.Event {
	return models.Event{
		Index:    index,
		Step:     step,
		Kind:     models.KindAccepted,
		Accepted: &models.AcceptanceEvent{Step: step, TokenID: id},
	}
}

func codes(ws []models.Warning) []models.WarningCode {
	var out []models.WarningCode
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

func TestValidateCleanSlice(t *testing.T) {
	events := []models.Event{
		filtering(0, 0, []models.TokenCandidate{cand(1), cand(2)}, []models.TokenCandidate{cand(2)}, 1),
		accepted(1, 0, 2),
		filtering(2, 1, []models.TokenCandidate{cand(3)}, []models.TokenCandidate{cand(3)}, 0),
		accepted(3, 1, 3),
	}
	assert.Empty(t, Validate(events))
}

func TestCheckSteps(t *testing.T) {
	events := []models.Event{
		accepted(0, 1, 1),
		accepted(1, 2, 1),
		accepted(2, 5, 1),
		accepted(3, 3, 1),
		accepted(4, 0, 1),
	}
	ws := CheckSteps(events)
	assert.Equal(t, []models.WarningCode{
		models.WarnStepStart,
		models.WarnStepGap,
		models.WarnStepRegression,
		models.WarnStepReset,
	}, codes(ws))
	for _, w := range ws {
		assert.True(t, w.Code.Matching(), "%s must be a matching warning", w.Code)
	}
	assert.Equal(t, 2, ws[1].Index)
	assert.Equal(t, 5, ws[1].Step)
}

func TestCheckStepsAllowsRepeatedStep(t *testing.T) {
	events := []models.Event{
		filtering(0, 0, nil, nil, 0),
		filtering(1, 0, nil, nil, 0),
		accepted(2, 0, 1),
		accepted(3, 1, 1),
	}
	assert.Empty(t, CheckSteps(events))
}

func TestCheckStepsSparseRejectionRecords(t *testing.T) {
	rejection := func(index, step int) models.Event {
		return models.Event{
			Index:     index,
			Step:      step,
			Kind:      models.KindRejection,
			Rejection: &models.RejectionSamplingRecord{WasRejected: true, Resampled: cand(step)},
		}
	}

	assert.Empty(t, CheckSteps([]models.Event{rejection(0, 2), rejection(1, 5)}))
	assert.Equal(t, []models.WarningCode{models.WarnStepRegression},
		codes(CheckSteps([]models.Event{rejection(0, 2), rejection(1, 5), rejection(2, 3)})))
}

func TestCheckRejectedCounts(t *testing.T) {
	events := []models.Event{
		filtering(0, 0, []models.TokenCandidate{cand(1), cand(2), cand(3)}, []models.TokenCandidate{cand(3)}, 1),
		// partial list logged: not checked
		filtering(1, 1, []models.TokenCandidate{cand(1)}, nil, 5),
	}
	ws := CheckRejectedCounts(events)
	require.Len(t, ws, 1)
	assert.Equal(t, models.WarnRejectedCountMismatch, ws[0].Code)
	assert.Equal(t, 0, ws[0].Index)
	assert.False(t, ws[0].Code.Matching())
}

func TestCheckAcceptanceUsesLastFilteringEvent(t *testing.T) {
	events := []models.Event{
		filtering(0, 0, []models.TokenCandidate{cand(1), cand(2)}, []models.TokenCandidate{cand(1)}, 1),
		filtering(1, 0, []models.TokenCandidate{cand(1), cand(2)}, []models.TokenCandidate{cand(2)}, 1),
		accepted(2, 0, 1),
		accepted(3, 1, 7),
	}
	ws := CheckAcceptance(events)
	assert.Equal(t, []models.WarningCode{models.WarnAcceptedNotInAfter, models.WarnAcceptedNoFiltering}, codes(ws))
}

func TestCheckAcceptanceSkipsRejectionProducers(t *testing.T) {
	events := []models.Event{
		{Index: 0, Step: 0, Kind: models.KindRejection, Rejection: &models.RejectionSamplingRecord{WasRejected: true}},
		accepted(1, 1, 4),
	}
	assert.Empty(t, CheckAcceptance(events))
}

func TestCheckDuplicates(t *testing.T) {
	rej := func(index, step int) models.Event {
		return models.Event{Index: index, Step: step, Kind: models.KindRejection, Rejection: &models.RejectionSamplingRecord{}}
	}
	events := []models.Event{
		accepted(0, 0, 1),
		accepted(1, 0, 2),
		rej(2, 1),
		rej(3, 1),
	}
	ws := CheckDuplicates(events)
	assert.Equal(t, []models.WarningCode{models.WarnDuplicateAcceptance, models.WarnDuplicateRejection}, codes(ws))
	assert.Contains(t, ws[0].Message, "keeping event 0")
	assert.Equal(t, 1, ws[0].Index)
}

func TestValidateOrder(t *testing.T) {
	events := []models.Event{
		accepted(0, 0, 9),
		accepted(1, 0, 9),
		filtering(2, 0, []models.TokenCandidate{cand(1), cand(2)}, []models.TokenCandidate{cand(1)}, 0),
		accepted(3, 3, 1),
	}
	assert.Equal(t, []models.WarningCode{
		models.WarnStepGap,
		models.WarnRejectedCountMismatch,
		models.WarnAcceptedNotInAfter,
		models.WarnAcceptedNotInAfter,
		models.WarnAcceptedNoFiltering,
		models.WarnDuplicateAcceptance,
	}, codes(Validate(events)))
}
