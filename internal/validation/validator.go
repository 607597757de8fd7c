// Package validation checks cross-event invariants of a parsed event log.
// It never rejects input: every anomaly becomes a models.Warning and the
// pipeline carries on with the data as logged.
package validation

import (
	"github.com/aigoflow/grammar-tracer/internal/models"
)

// Validate runs every check over one request slice, in order: step
// monotonicity, filtering count consistency, acceptance membership, then
// duplicates.
func Validate(events []models.Event) []models.Warning {
	var warnings []models.Warning
	warnings = append(warnings, CheckSteps(events)...)
	warnings = append(warnings, CheckRejectedCounts(events)...)
	warnings = append(warnings, CheckAcceptance(events)...)
	warnings = append(warnings, CheckDuplicates(events)...)
	return warnings
}

// CheckSteps reports regressions, resets and gaps in the step sequence.
// These point at a request-matching error rather than bad data. The
// rejection-sampling producer logs only steps it rejected at, so its slices
// are checked for order but not for density.
func CheckSteps(events []models.Event) []models.Warning {
	var warnings []models.Warning
	dense := models.DetectFormat(events) != models.FormatRejection
	prev := -1
	for i, e := range events {
		if i == 0 {
			if dense && e.Step != 0 {
				warnings = append(warnings, models.Warnf(models.WarnStepStart, e,
					"slice starts at step %d instead of 0", e.Step))
			}
			prev = e.Step
			continue
		}
		switch {
		case e.Step < prev && e.Step == 0:
			warnings = append(warnings, models.Warnf(models.WarnStepReset, e,
				"step reset to 0 after step %d", prev))
		case e.Step < prev:
			warnings = append(warnings, models.Warnf(models.WarnStepRegression, e,
				"step %d follows step %d", e.Step, prev))
		case dense && e.Step > prev+1:
			warnings = append(warnings, models.Warnf(models.WarnStepGap, e,
				"steps %d..%d missing", prev+1, e.Step-1))
		}
		prev = e.Step
	}
	return warnings
}

// CheckRejectedCounts verifies rejected_count == |before| - |after| for
// filtering events that logged both lists.
func CheckRejectedCounts(events []models.Event) []models.Warning {
	var warnings []models.Warning
	for _, e := range events {
		f := e.Filtering
		if f == nil || len(f.CandidatesBefore) == 0 || f.CandidatesAfter == nil {
			continue
		}
		want := len(f.CandidatesBefore) - len(f.CandidatesAfter)
		if f.RejectedCount != want {
			warnings = append(warnings, models.Warnf(models.WarnRejectedCountMismatch, e,
				"rejected_count %d but %d before and %d after", f.RejectedCount, len(f.CandidatesBefore), len(f.CandidatesAfter)))
		}
	}
	return warnings
}

// CheckAcceptance verifies that each accepted token survived the last
// filtering pass of its step. Multi-pass filtering is a legitimate cause of
// a miss, so it stays a warning.
func CheckAcceptance(events []models.Event) []models.Warning {
	lastFiltering := make(map[int]*models.FilteringEvent)
	anyFiltering := false
	for _, e := range events {
		if e.Filtering != nil {
			lastFiltering[e.Step] = e.Filtering
			anyFiltering = true
		}
	}

	var warnings []models.Warning
	for _, e := range events {
		a := e.Accepted
		if a == nil {
			continue
		}
		f, ok := lastFiltering[e.Step]
		if !ok {
			// Merged logs and rejection-only producers carry no filtering events.
			if anyFiltering && e.Embedded == nil {
				warnings = append(warnings, models.Warnf(models.WarnAcceptedNoFiltering, e,
					"token %d accepted without a token_filtering event", a.TokenID))
			}
			continue
		}
		if !containsID(f.CandidatesAfter, a.TokenID) {
			warnings = append(warnings, models.Warnf(models.WarnAcceptedNotInAfter, e,
				"accepted token %d not found in candidates_after", a.TokenID))
		}
	}
	return warnings
}

// CheckDuplicates flags a second acceptance (the first one is kept) and a
// second rejection record (the last one is kept, being the final resample)
// for the same step.
func CheckDuplicates(events []models.Event) []models.Warning {
	accepted := make(map[int]int)
	rejections := make(map[int]int)

	var warnings []models.Warning
	for _, e := range events {
		switch {
		case e.Accepted != nil:
			if first, seen := accepted[e.Step]; seen {
				warnings = append(warnings, models.Warnf(models.WarnDuplicateAcceptance, e,
					"duplicate token_accepted; keeping event %d", first))
				continue
			}
			accepted[e.Step] = e.Index
		case e.Rejection != nil:
			if prev, seen := rejections[e.Step]; seen {
				warnings = append(warnings, models.Warnf(models.WarnDuplicateRejection, e,
					"rejection record supersedes event %d", prev))
			}
			rejections[e.Step] = e.Index
		}
	}
	return warnings
}

func containsID(cands []models.TokenCandidate, id int) bool {
	for _, c := range cands {
		if c.ID == id {
			return true
		}
	}
	return false
}
