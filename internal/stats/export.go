package stats

import (
	"sort"
	"time"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

const (
	defaultTimelineCandidates = 20
	defaultDecisionCandidates = 5
)

// ExportOptions tunes Export. Zero values pick the defaults.
type ExportOptions struct {
	// NormalizeLogits softmaxes candidate lists that carry logits only.
	NormalizeLogits bool
	// TimelineCandidates caps candidates_before/after per timeline step.
	TimelineCandidates int
	// DecisionCandidates caps top_rejected per decision point.
	DecisionCandidates int
}

// DashboardDocument is the artifact consumed by the visualization layer. Its
// JSON shape is fixed by dashboard.schema.json.
type DashboardDocument struct {
	Metadata       Metadata         `json:"metadata"`
	Statistics     Statistics       `json:"statistics"`
	DecisionPoints []DecisionPoint  `json:"decision_points"`
	Timeline       []TimelineStep   `json:"timeline"`
	GeneratedText  string           `json:"generated_text"`
	Warnings       []models.Warning `json:"warnings"`
}

type Metadata struct {
	TraceVersion    string           `json:"trace_version,omitempty"`
	TraceID         string           `json:"trace_id,omitempty"`
	RequestID       string           `json:"request_id,omitempty"`
	Model           string           `json:"model,omitempty"`
	LogPath         string           `json:"log_path,omitempty"`
	LogTimestamp    string           `json:"log_timestamp,omitempty"`
	GeneratedAt     string           `json:"generated_at,omitempty"`
	Format          models.LogFormat `json:"format"`
	GenerationSteps int              `json:"generation_steps"`
	TotalTokens     int              `json:"total_tokens"`
	TotalRejections int              `json:"total_rejections"`
}

type Statistics struct {
	TotalFilteringEvents int     `json:"total_filtering_events"`
	RejectedSteps        int     `json:"rejected_steps"`
	RejectionRate        float64 `json:"rejection_rate"`
	AvgRejectionsPerStep float64 `json:"avg_rejections_per_step"`
	MaxRejectionsInStep  int     `json:"max_rejections_in_step"`
	AvgProbShift         float64 `json:"avg_prob_shift"`
	MaxProbShift         float64 `json:"max_prob_shift"`
	HighImpactSteps      int     `json:"high_impact_steps"`
	WarningCount         int     `json:"warning_count"`
}

// CandidateView is a candidate as the dashboard renders it.
type CandidateView struct {
	TokenID     int      `json:"token_id"`
	Token       string   `json:"token"`
	Probability *float64 `json:"probability"`
	Logit       *float64 `json:"logit,omitempty"`
}

// DecisionPoint is a high-impact step with the strongest candidates the
// grammar took away.
type DecisionPoint struct {
	Step        int             `json:"step"`
	Token       string          `json:"token"`
	ProbShift   float64         `json:"prob_shift"`
	Rejections  int             `json:"rejections"`
	TopRejected []CandidateView `json:"top_rejected"`
}

// TimelineStep is the flattened view of one merged step.
type TimelineStep struct {
	Step             int             `json:"step"`
	Token            string          `json:"token"`
	TokenID          int             `json:"token_id"`
	Probability      *float64        `json:"probability"`
	Intervened       bool            `json:"intervened"`
	WasRejected      bool            `json:"was_rejected"`
	RejectedToken    *CandidateView  `json:"rejected_token,omitempty"`
	CandidatesBefore []CandidateView `json:"candidates_before"`
	CandidatesAfter  []CandidateView `json:"candidates_after"`
	RejectedCount    int             `json:"rejected_count"`
	ProbShift        *float64        `json:"prob_shift"`
	HighImpact       bool            `json:"high_impact"`
	APITopLogprobs   []CandidateView `json:"api_top_logprobs"`
}

// Export flattens a trace into the dashboard document. Steps without
// probability data get a null prob_shift and stay out of the shift statistics.
func Export(trace *models.Trace, opts ExportOptions) *DashboardDocument {
	if opts.TimelineCandidates <= 0 {
		opts.TimelineCandidates = defaultTimelineCandidates
	}
	if opts.DecisionCandidates <= 0 {
		opts.DecisionCandidates = defaultDecisionCandidates
	}

	summary := Summarize(trace)
	doc := &DashboardDocument{
		Metadata: Metadata{
			TraceVersion:    trace.Source.LogVersion,
			TraceID:         trace.Source.TraceID,
			RequestID:       trace.Source.RequestID,
			Model:           trace.Source.Model,
			LogPath:         trace.Source.LogPath,
			LogTimestamp:    trace.Source.LogTimestamp,
			Format:          trace.Format,
			GenerationSteps: summary.TotalSteps,
			TotalRejections: summary.TotalRejections,
		},
		Statistics: Statistics{
			TotalFilteringEvents: trace.TotalFilteringEvents,
			RejectedSteps:        summary.RejectedSteps,
			RejectionRate:        summary.RejectionRate,
			AvgRejectionsPerStep: summary.AvgRejectionsPerStep,
			MaxRejectionsInStep:  summary.MaxRejectionsInStep,
			WarningCount:         len(trace.Warnings),
		},
		DecisionPoints: []DecisionPoint{},
		Timeline:       make([]TimelineStep, 0, len(trace.Steps)),
		GeneratedText:  trace.GeneratedText(),
		Warnings:       trace.Warnings,
	}
	if !trace.Source.GeneratedAt.IsZero() {
		doc.Metadata.GeneratedAt = trace.Source.GeneratedAt.UTC().Format(time.RFC3339Nano)
	}
	if doc.Warnings == nil {
		doc.Warnings = []models.Warning{}
	}

	var shiftSum float64
	var shifted int
	for _, step := range trace.Steps {
		if step.Token.ID != models.UnknownTokenID || step.Token.Text != "" {
			doc.Metadata.TotalTokens++
		}

		rec := step.RejectionSampling
		if opts.NormalizeLogits {
			rec = normalizeRecord(rec)
		}
		ts := TimelineStep{
			Step:             step.Step,
			Token:            step.Token.Text,
			TokenID:          step.Token.ID,
			Probability:      step.Token.Probability,
			CandidatesBefore: []CandidateView{},
			CandidatesAfter:  []CandidateView{},
			APITopLogprobs:   views(step.APITopLogprobs, 0),
		}
		if rec != nil {
			ts.Intervened = true
			ts.WasRejected = rec.WasRejected
			ts.RejectedCount = rec.RejectionCount
			ts.CandidatesBefore = views(ranked(rec.PreMasking), opts.TimelineCandidates)
			ts.CandidatesAfter = views(ranked(rec.PostGrammar), opts.TimelineCandidates)
			if rec.RejectedCandidate != nil {
				v := view(*rec.RejectedCandidate)
				ts.RejectedToken = &v
			}
			if shift, ok := ProbabilityShift(rec); ok {
				ts.ProbShift = models.Float(shift)
				ts.HighImpact = HighImpact(shift)
				shiftSum += shift
				shifted++
				if shift > doc.Statistics.MaxProbShift {
					doc.Statistics.MaxProbShift = shift
				}
				if ts.HighImpact {
					doc.Statistics.HighImpactSteps++
					doc.DecisionPoints = append(doc.DecisionPoints, DecisionPoint{
						Step:        step.Step,
						Token:       step.Token.DisplayText(),
						ProbShift:   shift,
						Rejections:  rec.RejectionCount,
						TopRejected: views(ranked(removed(rec)), opts.DecisionCandidates),
					})
				}
			}
		}
		doc.Timeline = append(doc.Timeline, ts)
	}
	if shifted > 0 {
		doc.Statistics.AvgProbShift = shiftSum / float64(shifted)
	}
	return doc
}

// removed returns the pre-masking candidates missing from the post-grammar list.
func removed(rec *models.RejectionSamplingRecord) []models.TokenCandidate {
	kept := make(map[int]bool, len(rec.PostGrammar))
	for _, c := range rec.PostGrammar {
		kept[c.ID] = true
	}
	var out []models.TokenCandidate
	for _, c := range rec.PreMasking {
		if !kept[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// ranked orders candidates by descending probability; candidates without a
// probability keep their logged order after the scored ones.
func ranked(cands []models.TokenCandidate) []models.TokenCandidate {
	out := make([]models.TokenCandidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].HasProbability(), out[j].HasProbability()
		if pi != pj {
			return pi
		}
		return pi && out[i].Prob() > out[j].Prob()
	})
	return out
}

func view(c models.TokenCandidate) CandidateView {
	return CandidateView{
		TokenID:     c.ID,
		Token:       c.DisplayText(),
		Probability: c.Probability,
		Logit:       c.Logit,
	}
}

// views converts at most limit candidates; limit <= 0 means all.
func views(cands []models.TokenCandidate, limit int) []CandidateView {
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]CandidateView, 0, len(cands))
	for _, c := range cands {
		out = append(out, view(c))
	}
	return out
}
