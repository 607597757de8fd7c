package models

import "fmt"

// WarningCode is the machine-readable identifier of a non-fatal anomaly.
type WarningCode string

// Matching codes point at a request-slicing problem rather than bad data.
const (
	WarnStepRegression WarningCode = "step_regression"
	WarnStepReset      WarningCode = "step_reset"
	WarnStepGap        WarningCode = "step_gap"
	WarnStepStart      WarningCode = "step_start"
	WarnMultipleTasks  WarningCode = "multiple_tasks_in_slice"
	WarnSliceTruncated WarningCode = "slice_truncated"
)

// Data codes.
const (
	WarnRejectedCountMismatch  WarningCode = "rejected_count_mismatch"
	WarnAcceptedNotInAfter     WarningCode = "accepted_not_in_candidates"
	WarnAcceptedNoFiltering    WarningCode = "accepted_without_filtering"
	WarnDuplicateAcceptance    WarningCode = "duplicate_acceptance"
	WarnDuplicateRejection     WarningCode = "duplicate_rejection_record"
	WarnOrphanEventStep        WarningCode = "orphan_event_step"
	WarnUnknownEvent           WarningCode = "unknown_event"
	WarnMissingEvents          WarningCode = "missing_events"
	WarnMissingVersion         WarningCode = "missing_version"
	WarnLogTruncated           WarningCode = "log_truncated"
	WarnLogUnterminated        WarningCode = "log_unterminated"
	WarnSentinelNormalized     WarningCode = "sentinel_normalized"
	WarnTokenIDBackfilled      WarningCode = "token_id_backfilled"
	WarnTokenMismatch          WarningCode = "token_mismatch"
)

// Matching reports whether the code signals a request-matching error.
func (c WarningCode) Matching() bool {
	switch c {
	case WarnStepRegression, WarnStepReset, WarnStepGap, WarnStepStart, WarnMultipleTasks, WarnSliceTruncated:
		return true
	}
	return false
}

// NoEvent is the Warning.Index of anomalies not tied to a single event.
const NoEvent = -1

// Warning is a recorded, never-fatal deviation found while reading,
// validating or merging a log.
type Warning struct {
	Code    WarningCode `json:"code"`
	Index   int         `json:"index"`
	Step    int         `json:"step"`
	Offset  int64       `json:"offset,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	scope := "log"
	if w.Index != NoEvent {
		scope = fmt.Sprintf("event %d step %d", w.Index, w.Step)
	}
	return fmt.Sprintf("[%s] %s: %s", w.Code, scope, w.Message)
}

// Warnf builds a Warning tied to an event.
func Warnf(code WarningCode, e Event, format string, args ...any) Warning {
	return Warning{
		Code:    code,
		Index:   e.Index,
		Step:    e.Step,
		Offset:  e.Offset,
		Message: fmt.Sprintf(format, args...),
	}
}
