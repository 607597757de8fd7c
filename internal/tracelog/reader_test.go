package tracelog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

func filteringEvent(step int) string {
	return fmt.Sprintf(`{"step": %d, "type": "token_filtering", "data": {"candidates_before": [{"token": 1, "str": "a", "p": 0.6, "logit": -inf}, {"token": 2, "str": "b", "p": 0.4, "logit": 0.5}], "candidates_after": [{"token": 2, "str": "b", "p": 0.4, "logit": 0.5}], "rejected_count": 1}}`, step)
}

func acceptedEvent(step int) string {
	return fmt.Sprintf(`{"step": %d, "type": "token_accepted", "data": {"token": 2, "token_str": "b"}}`, step)
}

func filteringLog(steps int) string {
	var parts []string
	for i := 0; i < steps; i++ {
		parts = append(parts, filteringEvent(i), acceptedEvent(i))
	}
	return `{"trace_version": "1.0", "events": [` + "\n" + strings.Join(parts, ",\n") + "\n]}"
}

func TestParseWellFormedIsUnchanged(t *testing.T) {
	doc := strings.ReplaceAll(filteringLog(3), "-inf", "-1.5")
	log, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.False(t, log.Repair.Changed)
	assert.Equal(t, doc, string(log.Repair.Data))
	assert.Equal(t, "1.0", log.Version)
	assert.Equal(t, models.FormatFiltering, log.Format)
	require.Len(t, log.Events, 6)
	assert.Empty(t, log.Warnings)

	for i, e := range log.Events {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, i/2, e.Step)
		assert.Equal(t, byte('{'), doc[e.Offset], "offset of event %d must point at its opening brace", i)
	}
}

func TestParseNormalizesSentinel(t *testing.T) {
	log, err := Parse([]byte(filteringLog(2)))
	require.NoError(t, err)

	assert.True(t, log.Repair.Changed)
	assert.Equal(t, 2, log.Repair.SentinelsReplaced)
	require.NotEmpty(t, log.Events)
	f := log.Events[0].Filtering
	require.NotNil(t, f)
	assert.Nil(t, f.CandidatesBefore[0].Logit)
	require.NotNil(t, f.CandidatesBefore[0].Probability)
	assert.InDelta(t, 0.6, *f.CandidatesBefore[0].Probability, 1e-9)
	assert.Equal(t, models.WarnSentinelNormalized, log.Warnings[0].Code)
}

func TestSentinelInsideStringIsKept(t *testing.T) {
	doc := `{"trace_version": "1", "events": [{"step": 0, "type": "token_accepted", "data": {"token": 5, "token_str": "-inf"}}, {"step": 0, "type": "token_filtering", "data": {"candidates_before": [{"token": 5, "logit": -inf}], "candidates_after": [], "rejected_count": 1}}]}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, log.Repair.SentinelsReplaced)
	assert.Equal(t, "-inf", log.Events[0].Accepted.TokenText)
}

func TestRepairTruncatedMidObject(t *testing.T) {
	full := filteringLog(5)
	doc := strings.TrimSuffix(full, "\n]}") + `,` + "\n" + `{"step": 5, "typ`

	log, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Len(t, log.Events, 10)
	assert.Equal(t, 4, log.Events[len(log.Events)-1].Step)

	var truncation *models.Warning
	for i := range log.Warnings {
		if log.Warnings[i].Code == models.WarnLogTruncated {
			truncation = &log.Warnings[i]
		}
	}
	require.NotNil(t, truncation, "truncation must be recorded")
	cut := strings.LastIndex(doc, "}},") + 2
	assert.Equal(t, int64(cut), truncation.Offset)
	assert.Contains(t, truncation.Message, fmt.Sprintf("byte offset %d", cut))
	assert.Equal(t, "]}", log.Repair.Closers)
}

func TestRepairUnterminatedLiveWriter(t *testing.T) {
	doc := strings.TrimSuffix(filteringLog(2), "\n]}") + ",\n"
	log, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Len(t, log.Events, 4)
	assert.Equal(t, int64(-1), log.Repair.CutOffset)
	codes := warningCodes(log.Warnings)
	assert.Contains(t, codes, models.WarnLogUnterminated)
	assert.NotContains(t, codes, models.WarnLogTruncated)
}

func TestRepairTruncatedInsideFirstEvent(t *testing.T) {
	doc := `{"trace_version": "1", "events": [{"step": 0, "type": "token_filtering", "data": {"candidates_before": [{"token": 1`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, log.Events)
	assert.Contains(t, warningCodes(log.Warnings), models.WarnLogTruncated)
}

func TestRepairIsIdempotent(t *testing.T) {
	inputs := []string{
		filteringLog(3),
		strings.TrimSuffix(filteringLog(3), "\n]}") + `, {"step": 3, "type": "tok`,
		strings.TrimSuffix(filteringLog(1), "]}"),
	}
	for _, in := range inputs {
		first, err := Repair([]byte(in))
		require.NoError(t, err)

		second, err := Repair(first.Data)
		require.NoError(t, err)
		assert.False(t, second.Changed, "repaired output must already parse")
		assert.Equal(t, string(first.Data), string(second.Data))

		a, err := Parse([]byte(in))
		require.NoError(t, err)
		b, err := Parse(first.Data)
		require.NoError(t, err)
		assert.Equal(t, a.Events, b.Events)
	}
}

func TestRepairRejectsMidFileDamage(t *testing.T) {
	doc := `{"events": [{"step": 0, "type": "token_accepted", "data": {"token": tru}}, {"step": 1, "type": "token_accepted", "data": {"token": 2}}]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)

	var repairErr *RepairError
	require.True(t, errors.As(err, &repairErr))
	assert.Greater(t, repairErr.Offset, int64(0))
	assert.Less(t, repairErr.Offset, int64(len(doc)))
}

func TestReadSetsPathOnRepairError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rejection_log.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events": ]`), 0o644))

	_, err := Read(path)
	var repairErr *RepairError
	require.ErrorAs(t, err, &repairErr)
	assert.Equal(t, path, repairErr.Path)
	assert.Contains(t, err.Error(), path)
}

func TestReadDoesNotModifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rejection_log.json")
	doc := strings.TrimSuffix(filteringLog(2), "\n]}") + `, {"step"`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	log, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, path, log.Path)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc, string(after))
}

func TestParseBareArrayAndUnknownEvents(t *testing.T) {
	doc := `[{"step": 0, "type": "token_accepted", "data": {"token": 3, "token_str": "x"}}, {"step": 1, "type": "mystery"}, {"type": "token_accepted"}]`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Len(t, log.Events, 1)
	assert.Equal(t, 3, log.Events[0].Accepted.TokenID)
	codes := warningCodes(log.Warnings)
	assert.Equal(t, []models.WarningCode{models.WarnUnknownEvent, models.WarnUnknownEvent}, codes)
	assert.Equal(t, 1, log.Warnings[0].Index)
	assert.Equal(t, 2, log.Warnings[1].Index)
}

func TestParseRejectionFormat(t *testing.T) {
	doc := `{"log_version": "2", "timestamp": "2025-01-01T00:00:00", "events": [
  {"step": 0, "task_id": 17, "slot_id": 0,
   "rejected": {"id": 10, "piece": "x", "p": 0.7},
   "pre_masking": [{"id": 10, "piece": "x", "p": 0.7}, {"id": 11, "piece": "{", "p": 0.2}, {"id": 12, "piece": "y", "p": 0.1}],
   "post_grammar": [{"id": 11, "piece": "{", "p": 1.0}],
   "post_chain": [{"id": 11, "piece": "{", "p": 1.0}],
   "resampled": {"id": 11, "piece": "{", "p": 0.2}}
]}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, models.FormatRejection, log.Format)
	assert.Equal(t, "2", log.Version)
	assert.Equal(t, "2025-01-01T00:00:00", log.Timestamp)
	require.Len(t, log.Events, 1)

	e := log.Events[0]
	assert.Equal(t, models.KindRejection, e.Kind)
	assert.Equal(t, "17", e.TaskID)
	require.NotNil(t, e.Rejection)
	assert.True(t, e.Rejection.WasRejected)
	assert.Equal(t, 2, e.Rejection.RejectionCount)
	assert.Equal(t, 11, e.Rejection.Resampled.ID)
	require.NotNil(t, e.Rejection.RejectedCandidate)
	assert.Equal(t, 10, e.Rejection.RejectedCandidate.ID)
	assert.Equal(t, "17", e.Rejection.TaskID)
}

func TestParseCombinedFormat(t *testing.T) {
	doc := `{"steps_version": "x", "events": [
  {"step": 0, "token": {"id": 5, "text": "{"}, "api_top_logprobs": [{"id": 5, "token": "{", "logprob": -0.1}], "rejection_sampling": {"was_rejected": false, "note": "ok"}},
  {"step": 1, "token": {"id": 6, "text": "}"}, "api_top_logprobs": [], "rejection_sampling": {"was_rejected": true, "task_id": 3, "pre_masking": [{"id": 9, "p": 0.5}], "resampled": {"id": 6, "p": 0.3}}}
]}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, log.Events, 2)

	assert.Equal(t, models.KindAccepted, log.Events[0].Kind)
	require.NotNil(t, log.Events[0].Embedded)
	assert.Equal(t, 5, log.Events[0].Embedded.Token.ID)

	assert.Equal(t, models.KindRejection, log.Events[1].Kind)
	assert.Equal(t, "3", log.Events[1].TaskID)
	assert.Equal(t, 6, log.Events[1].Rejection.Resampled.ID)
	assert.Equal(t, models.FormatMixed, log.Format)
	assert.Contains(t, warningCodes(log.Warnings), models.WarnMissingVersion)
}

func TestParseMissingEvents(t *testing.T) {
	log, err := Parse([]byte(`{"trace_version": "1"}`))
	require.NoError(t, err)
	assert.Empty(t, log.Events)
	assert.Equal(t, []models.WarningCode{models.WarnMissingEvents}, warningCodes(log.Warnings))
	assert.Equal(t, models.FormatEmpty, log.Format)
}

func TestLogSlice(t *testing.T) {
	doc := filteringLog(3)
	log, err := Parse([]byte(strings.ReplaceAll(doc, "-inf", "-1.0")))
	require.NoError(t, err)

	mid := log.Events[2].Offset
	left := log.Slice(0, mid)
	right := log.Slice(mid, int64(len(doc)))
	assert.Len(t, left, 2)
	assert.Len(t, right, 4)
}

func warningCodes(ws []models.Warning) []models.WarningCode {
	var codes []models.WarningCode
	for _, w := range ws {
		codes = append(codes, w.Code)
	}
	return codes
}

func TestParseCombinedStepWithoutRecord(t *testing.T) {
	doc := `{"trace_version": "1.0", "events": [{"step": 0, "token": {"id": 5, "text": "a"}, "api_top_logprobs": [], "filtering_events": 0}]}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, log.Events, 1)
	e := log.Events[0]
	assert.Equal(t, models.KindAccepted, e.Kind)
	assert.Equal(t, 5, e.Accepted.TokenID)
	require.NotNil(t, e.Embedded)
	assert.Empty(t, log.Warnings)
}

func TestParseMergedStepsArray(t *testing.T) {
	doc := `{"metadata": {"request_id": "chatcmpl-1", "rejection_log_version": "1.0", "rejection_log_timestamp": "2026-10-15T09:00:00"}, "steps": [
  {"step": 0, "token": {"id": 5, "text": "{"}, "api_top_logprobs": [], "rejection_sampling": {"was_rejected": false, "note": "grammar-valid"}},
  {"step": 1, "token": {"id": 6, "text": "}"}, "api_top_logprobs": [], "rejection_sampling": {"was_rejected": true, "pre_masking": [{"id": 9, "p": 0.5}], "resampled": {"id": 6, "p": 0.3}}}
], "summary": {"total_steps": 2}}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, log.Events, 2)
	assert.Equal(t, "1.0", log.Version)
	assert.Equal(t, "2026-10-15T09:00:00", log.Timestamp)
	assert.Empty(t, log.Warnings)
	assert.Equal(t, models.KindRejection, log.Events[1].Kind)
	assert.Equal(t, 6, log.Events[1].Rejection.Resampled.ID)
}

func TestParseCombinedKeepsWrittenCounts(t *testing.T) {
	doc := `{"trace_version": "combined-1", "events": [{"step": 0, "token": {"id": 1, "text": "{"}, "api_top_logprobs": [],
  "rejection_sampling": {"was_rejected": true, "pre_masking": [{"id": 2, "p": 0.6}, {"id": 1, "p": 0.4}], "post_grammar": [{"id": 1, "p": 1}],
  "resampled": {"id": 1, "p": 0.4}, "rejection_count": 4, "pass_rejections": [1, 4, 1], "source": "token_filtering"}}]}`
	log, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, log.Events, 1)

	rec := log.Events[0].Rejection
	require.NotNil(t, rec)
	assert.Equal(t, 4, rec.RejectionCount)
	assert.Equal(t, []int{1, 4, 1}, rec.PassRejections)
	assert.Equal(t, models.KindFiltering, rec.Source)
}
