package models

import "time"

// ApiLogprobStep is one token of the API response's logprobs stream.
type ApiLogprobStep struct {
	Step        int              `json:"step"`
	ChosenToken TokenCandidate   `json:"token"`
	TopLogprobs []TokenCandidate `json:"top_logprobs"`
}

// MergedStep joins one API step with the rejection record of the same step.
// RejectionSampling is nil when the grammar and sampler did not intervene.
type MergedStep struct {
	Step              int                      `json:"step"`
	Token             TokenCandidate           `json:"token"`
	APITopLogprobs    []TokenCandidate         `json:"api_top_logprobs"`
	RejectionSampling *RejectionSamplingRecord `json:"rejection_sampling,omitempty"`
	// FilteringEvents counts the source events folded into this step.
	FilteringEvents int `json:"filtering_events"`
}

// Summary aggregates rejection counts over a trace.
type Summary struct {
	TotalSteps           int     `json:"total_steps"`
	RejectedSteps        int     `json:"rejected_steps"`
	RejectionRate        float64 `json:"rejection_rate"`
	TotalRejections      int     `json:"total_rejections"`
	AvgRejectionsPerStep float64 `json:"avg_rejections_per_step"`
	MaxRejectionsInStep  int     `json:"max_rejections_in_step"`
}

// TraceSource describes where the two inputs of a trace came from.
type TraceSource struct {
	TraceID        string    `json:"trace_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	Created        int64     `json:"created,omitempty"`
	LogPath        string    `json:"log_path,omitempty"`
	LogVersion     string    `json:"log_version,omitempty"`
	LogTimestamp   string    `json:"log_timestamp,omitempty"`
	LogOffsetStart int64     `json:"log_offset_start"`
	LogOffsetEnd   int64     `json:"log_offset_end"`
	FinalOutput    string    `json:"final_output,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Trace is the ordered, merged per-step record of one generation run.
// It is built once by the correlator and not mutated afterwards.
type Trace struct {
	Steps    []MergedStep `json:"steps"`
	Summary  Summary      `json:"summary"`
	Warnings []Warning    `json:"warnings"`
	Format   LogFormat    `json:"format"`
	// TotalFilteringEvents counts filtering and rejection events that matched an API step.
	TotalFilteringEvents int         `json:"total_filtering_events"`
	Source               TraceSource `json:"source"`
}

// GeneratedText concatenates the emitted tokens in step order.
func (t *Trace) GeneratedText() string {
	var n int
	for _, s := range t.Steps {
		n += len(s.Token.Text)
	}
	buf := make([]byte, 0, n)
	for _, s := range t.Steps {
		buf = append(buf, s.Token.Text...)
	}
	return string(buf)
}

// MatchingWarnings returns the warnings that signal a slicing problem.
func (t *Trace) MatchingWarnings() []Warning {
	var out []Warning
	for _, w := range t.Warnings {
		if w.Code.Matching() {
			out = append(out, w)
		}
	}
	return out
}
