// Package stats derives rejection and probability-shift metrics from a
// merged trace and serializes the dashboard document.
package stats

import (
	"math"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// HighImpactThreshold is the probability shift above which a step counts as
// a high-impact grammar intervention.
const HighImpactThreshold = 0.30

// Summarize aggregates rejection counts over the trace steps. Rejection
// totals are counted per filtering pass: a step filtered three times
// contributes three passes. A record without pass counts is one pass.
func Summarize(trace *models.Trace) models.Summary {
	var s models.Summary
	var passes int
	s.TotalSteps = len(trace.Steps)
	for _, step := range trace.Steps {
		rec := step.RejectionSampling
		if rec == nil {
			continue
		}
		if rec.WasRejected {
			s.RejectedSteps++
		}
		counts := rec.PassRejections
		if len(counts) == 0 {
			counts = []int{rec.RejectionCount}
		}
		for _, n := range counts {
			passes++
			s.TotalRejections += n
			if n > s.MaxRejectionsInStep {
				s.MaxRejectionsInStep = n
			}
		}
	}
	if s.TotalSteps > 0 {
		s.RejectionRate = math.Min(1, float64(s.RejectedSteps)/float64(s.TotalSteps))
	}
	if passes > 0 {
		s.AvgRejectionsPerStep = float64(s.TotalRejections) / float64(passes)
	}
	return s
}

// ProbabilityShift is the gap between the model's top unconstrained choice and
// the token it was made to emit, floored at zero. It reports false when the
// record lacks the probability data to compute it.
func ProbabilityShift(rec *models.RejectionSamplingRecord) (float64, bool) {
	if rec == nil || len(rec.PreMasking) == 0 {
		return 0, false
	}
	top := rec.PreMasking[0]
	if !top.HasProbability() {
		return 0, false
	}

	resampled := rec.Resampled
	if !resampled.HasProbability() {
		found := false
		for _, c := range rec.PreMasking {
			if c.ID == resampled.ID && c.HasProbability() {
				resampled, found = c, true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return math.Max(0, top.Prob()-resampled.Prob()), true
}

// HighImpact reports whether a shift crosses HighImpactThreshold.
func HighImpact(shift float64) bool {
	return shift > HighImpactThreshold
}

// Softmax returns a copy of cands with probabilities computed from logits.
// Lists that already carry probabilities, or carry no logits, are returned
// as copies unchanged. Candidates without a logit get probability 0.
func Softmax(cands []models.TokenCandidate) []models.TokenCandidate {
	out := make([]models.TokenCandidate, len(cands))
	copy(out, cands)

	maxLogit := math.Inf(-1)
	for _, c := range cands {
		if c.HasProbability() {
			return out
		}
		if c.Logit != nil && *c.Logit > maxLogit {
			maxLogit = *c.Logit
		}
	}
	if math.IsInf(maxLogit, -1) {
		return out
	}

	var sum float64
	weights := make([]float64, len(cands))
	for i, c := range cands {
		if c.Logit == nil {
			continue
		}
		weights[i] = math.Exp(*c.Logit - maxLogit)
		sum += weights[i]
	}
	for i := range out {
		out[i].Probability = models.Float(weights[i] / sum)
	}
	return out
}

// normalizeRecord softmaxes every candidate list of a record. The resampled
// token keeps its own scoring; ProbabilityShift resolves it against the
// normalized pre-masking list.
func normalizeRecord(rec *models.RejectionSamplingRecord) *models.RejectionSamplingRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.PreMasking = Softmax(rec.PreMasking)
	out.PostGrammar = Softmax(rec.PostGrammar)
	out.PostChain = Softmax(rec.PostChain)
	return &out
}

func findID(cands []models.TokenCandidate, id int) (models.TokenCandidate, bool) {
	for _, c := range cands {
		if c.ID == id {
			return c, true
		}
	}
	return models.TokenCandidate{}, false
}
