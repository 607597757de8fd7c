package stats

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

func tc(id int, text string, p float64) models.TokenCandidate {
	return models.TokenCandidate{ID: id, Text: text, Probability: models.Float(p)}
}

func rec(rejected bool, count int) *models.RejectionSamplingRecord {
	return &models.RejectionSamplingRecord{WasRejected: rejected, RejectionCount: count}
}

func TestSummarize(t *testing.T) {
	trace := &models.Trace{Steps: []models.MergedStep{
		{Step: 0, RejectionSampling: rec(true, 2)},
		{Step: 1},
		{Step: 2, RejectionSampling: rec(false, 0)},
		{Step: 3, RejectionSampling: rec(true, 3)},
	}}
	s := Summarize(trace)
	assert.Equal(t, models.Summary{
		TotalSteps:           4,
		RejectedSteps:        2,
		RejectionRate:        0.5,
		TotalRejections:      5,
		AvgRejectionsPerStep: 5.0 / 3.0,
		MaxRejectionsInStep:  3,
	}, s)
}

func TestSummarizeCountsFilteringPasses(t *testing.T) {
	multi := rec(true, 2)
	multi.PassRejections = []int{2, 1, 1}
	trace := &models.Trace{Steps: []models.MergedStep{
		{Step: 0, RejectionSampling: multi},
		{Step: 1},
		{Step: 2, RejectionSampling: rec(true, 1)},
	}}
	s := Summarize(trace)
	assert.Equal(t, 2, s.RejectedSteps)
	assert.Equal(t, 5, s.TotalRejections)
	assert.InDelta(t, 1.25, s.AvgRejectionsPerStep, 1e-9)
	assert.Equal(t, 2, s.MaxRejectionsInStep)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, models.Summary{}, Summarize(&models.Trace{}))
}

func TestProbabilityShift(t *testing.T) {
	cases := []struct {
		name  string
		rec   *models.RejectionSamplingRecord
		shift float64
		ok    bool
	}{
		{
			name:  "resampled carries probability",
			rec:   &models.RejectionSamplingRecord{PreMasking: []models.TokenCandidate{tc(1, "a", 0.8)}, Resampled: tc(2, "b", 0.3)},
			shift: 0.5,
			ok:    true,
		},
		{
			name: "resampled resolved from pre-masking",
			rec: &models.RejectionSamplingRecord{
				PreMasking: []models.TokenCandidate{tc(1, "a", 0.8), tc(2, "b", 0.1)},
				Resampled:  models.TokenCandidate{ID: 2},
			},
			shift: 0.7,
			ok:    true,
		},
		{
			name:  "floored at zero",
			rec:   &models.RejectionSamplingRecord{PreMasking: []models.TokenCandidate{tc(1, "a", 0.2)}, Resampled: tc(2, "b", 0.6)},
			shift: 0,
			ok:    true,
		},
		{
			name: "no probability data",
			rec: &models.RejectionSamplingRecord{
				PreMasking: []models.TokenCandidate{{ID: 1, Logit: models.Float(2)}},
				Resampled:  models.TokenCandidate{ID: 1},
			},
		},
		{name: "nil record"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			shift, ok := ProbabilityShift(c.rec)
			assert.Equal(t, c.ok, ok)
			assert.InDelta(t, c.shift, shift, 1e-9)
		})
	}
}

func TestSoftmax(t *testing.T) {
	out := Softmax([]models.TokenCandidate{
		{ID: 1, Logit: models.Float(2)},
		{ID: 2, Logit: models.Float(1)},
		{ID: 3},
	})
	require.Len(t, out, 3)
	want := 1 / (1 + math.Exp(-1))
	assert.InDelta(t, want, out[0].Prob(), 1e-9)
	assert.InDelta(t, 1-want, out[1].Prob(), 1e-9)
	assert.Equal(t, 0.0, out[2].Prob())

	scored := []models.TokenCandidate{tc(1, "a", 0.4), {ID: 2, Logit: models.Float(5)}}
	assert.Nil(t, Softmax(scored)[1].Probability)
}

func exportTrace() *models.Trace {
	trace := &models.Trace{
		Format: models.FormatFiltering,
		Steps: []models.MergedStep{
			{
				Step:  0,
				Token: models.TokenCandidate{ID: 1, Text: "a"},
				RejectionSampling: &models.RejectionSamplingRecord{
					WasRejected:    true,
					PreMasking:     []models.TokenCandidate{tc(2, "b", 0.7), tc(1, "a", 0.2), tc(3, "c", 0.1)},
					PostGrammar:    []models.TokenCandidate{tc(1, "a", 0.2)},
					Resampled:      models.TokenCandidate{ID: 1, Text: "a"},
					RejectionCount: 2,
					Source:         models.KindFiltering,
				},
				FilteringEvents: 1,
			},
			{Step: 1, Token: tc(4, "c", 0.9), APITopLogprobs: []models.TokenCandidate{tc(4, "c", 0.9)}},
			{
				Step:  2,
				Token: models.TokenCandidate{ID: 5, Text: "d"},
				RejectionSampling: &models.RejectionSamplingRecord{
					PreMasking: []models.TokenCandidate{{ID: 5, Text: "d", Logit: models.Float(3)}, {ID: 6, Text: "e", Logit: models.Float(1)}},
					Resampled:  models.TokenCandidate{ID: 6, Text: "e"},
					Source:     models.KindFiltering,
				},
				FilteringEvents: 1,
			},
		},
		TotalFilteringEvents: 2,
		Warnings:             []models.Warning{{Code: models.WarnStepGap, Index: 3, Step: 4, Message: "gap"}},
		Source:               models.TraceSource{LogVersion: "2.0", TraceID: "01TRACE"},
	}
	trace.Summary = Summarize(trace)
	return trace
}

func TestExport(t *testing.T) {
	doc := Export(exportTrace(), ExportOptions{})

	assert.Equal(t, "2.0", doc.Metadata.TraceVersion)
	assert.Equal(t, 3, doc.Metadata.GenerationSteps)
	assert.Equal(t, 3, doc.Metadata.TotalTokens)
	assert.Equal(t, 2, doc.Metadata.TotalRejections)
	assert.Equal(t, 2, doc.Statistics.TotalFilteringEvents)
	assert.Equal(t, 1, doc.Statistics.HighImpactSteps)
	assert.InDelta(t, 0.5, doc.Statistics.AvgProbShift, 1e-9)
	assert.InDelta(t, 0.5, doc.Statistics.MaxProbShift, 1e-9)
	assert.Equal(t, "acd", doc.GeneratedText)

	require.Len(t, doc.Timeline, 3)
	first := doc.Timeline[0]
	require.NotNil(t, first.ProbShift)
	assert.InDelta(t, 0.5, *first.ProbShift, 1e-9)
	assert.True(t, first.HighImpact)
	assert.Len(t, first.CandidatesBefore, 3)
	assert.Equal(t, 2, first.CandidatesBefore[0].TokenID)

	assert.False(t, doc.Timeline[1].Intervened)
	assert.Nil(t, doc.Timeline[1].ProbShift)
	assert.Nil(t, doc.Timeline[2].ProbShift, "logit-only step has no shift without normalization")

	require.Len(t, doc.DecisionPoints, 1)
	dp := doc.DecisionPoints[0]
	assert.Equal(t, 0, dp.Step)
	assert.Equal(t, 2, dp.Rejections)
	require.Len(t, dp.TopRejected, 2)
	assert.Equal(t, "b", dp.TopRejected[0].Token)
	assert.Equal(t, "c", dp.TopRejected[1].Token)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NoError(t, ValidateDocument(raw))
}

func TestExportNormalizeLogits(t *testing.T) {
	doc := Export(exportTrace(), ExportOptions{NormalizeLogits: true})
	step := doc.Timeline[2]
	require.NotNil(t, step.ProbShift)
	top := 1 / (1 + math.Exp(-2))
	assert.InDelta(t, top-(1-top), *step.ProbShift, 1e-9)
	assert.True(t, step.HighImpact)
	assert.Equal(t, 2, doc.Statistics.HighImpactSteps)
}

func TestExportLimitsCandidates(t *testing.T) {
	doc := Export(exportTrace(), ExportOptions{TimelineCandidates: 1, DecisionCandidates: 1})
	assert.Len(t, doc.Timeline[0].CandidatesBefore, 1)
	assert.Len(t, doc.DecisionPoints[0].TopRejected, 1)
}

func TestExportEmptyTraceIsValid(t *testing.T) {
	raw, err := json.Marshal(Export(&models.Trace{Format: models.FormatEmpty}, ExportOptions{}))
	require.NoError(t, err)
	assert.NoError(t, ValidateDocument(raw))
}

func TestValidateDocumentRejectsDrift(t *testing.T) {
	err := ValidateDocument([]byte(`{"metadata": {}, "timeline": "nope"}`))
	require.Error(t, err)
}

func TestWriteDocument(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	path := filepath.Join(dir, "trace.json")
	require.NoError(t, WriteDocument(path, Export(exportTrace(), ExportOptions{})))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var back DashboardDocument
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "acd", back.GeneratedText)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestStructured(t *testing.T) {
	trace := &models.Trace{Steps: []models.MergedStep{
		{
			Step:           0,
			Token:          tc(1, "a", 0.123456),
			APITopLogprobs: []models.TokenCandidate{tc(2, "b", 0.2), tc(1, "a", 0.123456), tc(3, "c", 0.5)},
		},
		{
			Step:  1,
			Token: models.TokenCandidate{ID: 7, Text: "x"},
			RejectionSampling: &models.RejectionSamplingRecord{
				PostGrammar: []models.TokenCandidate{tc(7, "x", 0.66666)},
			},
		},
	}}

	out := Structured(trace, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].AcceptedToken)
	require.NotNil(t, out[0].AcceptedProbability)
	assert.Equal(t, 0.1235, *out[0].AcceptedProbability)
	require.Len(t, out[0].AllTokens, 2)
	assert.Equal(t, "c", out[0].AllTokens[0].Token)
	assert.Equal(t, "b", out[0].AllTokens[1].Token)

	require.NotNil(t, out[1].AcceptedProbability)
	assert.Equal(t, 0.6667, *out[1].AcceptedProbability)
}
