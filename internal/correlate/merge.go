// Package correlate joins the API logprob stream with the event log into
// one per-step trace.
package correlate

import (
	"fmt"
	"sort"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/stats"
	"github.com/aigoflow/grammar-tracer/internal/validation"
)

// stepGroup collects the events logged for one step.
type stepGroup struct {
	step       int
	firstIndex int
	filtering  []*models.FilteringEvent
	accepted   *models.AcceptanceEvent
	rejection  *models.RejectionSamplingRecord
	embedded   *models.EmbeddedAPIData
	sources    int
}

func groupEvents(events []models.Event) (map[int]*stepGroup, []int) {
	groups := make(map[int]*stepGroup)
	var steps []int
	for _, e := range events {
		g, ok := groups[e.Step]
		if !ok {
			g = &stepGroup{step: e.Step, firstIndex: e.Index}
			groups[e.Step] = g
			steps = append(steps, e.Step)
		}
		if e.Embedded != nil && g.embedded == nil {
			g.embedded = e.Embedded
		}
		switch {
		case e.Filtering != nil:
			g.filtering = append(g.filtering, e.Filtering)
			g.sources++
		case e.Accepted != nil:
			if g.accepted == nil {
				g.accepted = e.Accepted
			}
		case e.Rejection != nil:
			// The last record of a step is the final resample.
			g.rejection = e.Rejection
			g.sources++
		}
	}
	sort.Ints(steps)
	return groups, steps
}

// record assembles the rejection-sampling view of a step. Rejection-style
// producers carry it directly; filtering producers are folded into one.
// A step with neither yields nil: the grammar did not intervene.
func (g *stepGroup) record() *models.RejectionSamplingRecord {
	if g.rejection != nil {
		return cloneRecord(g.rejection)
	}
	if len(g.filtering) == 0 {
		return nil
	}

	last := g.filtering[len(g.filtering)-1]
	rec := &models.RejectionSamplingRecord{
		PreMasking:  cloneCandidates(last.CandidatesBefore),
		PostGrammar: cloneCandidates(last.CandidatesAfter),
		Resampled:   models.TokenCandidate{ID: models.UnknownTokenID},
		Source:      models.KindFiltering,
	}
	rec.PassRejections = make([]int, 0, len(g.filtering))
	for _, f := range g.filtering {
		removed := f.RejectedCount
		if f.CandidatesAfter != nil && len(f.CandidatesBefore)-len(f.CandidatesAfter) > removed {
			removed = len(f.CandidatesBefore) - len(f.CandidatesAfter)
		}
		rec.PassRejections = append(rec.PassRejections, removed)
		if removed > rec.RejectionCount {
			rec.RejectionCount = removed
		}
	}
	rec.WasRejected = rec.RejectionCount > 0
	rec.RejectedCandidate = topRejected(last)

	switch {
	case g.accepted != nil:
		rec.Resampled = lookup(g.accepted.TokenID, g.accepted.TokenText, last.CandidatesAfter, last.CandidatesBefore)
	case len(last.CandidatesAfter) > 0:
		rec.Resampled = best(last.CandidatesAfter)
	}
	return rec
}

// Merge joins API steps with the events of the same request slice. The API
// response is authoritative for which steps exist: event steps it does not
// contain are dropped with a warning. Merge is a pure function of its inputs.
func Merge(apiSteps []models.ApiLogprobStep, events []models.Event) *models.Trace {
	trace := &models.Trace{
		Format:   models.DetectFormat(events),
		Warnings: validation.Validate(events),
	}

	groups, eventSteps := groupEvents(events)

	ordered := make([]models.ApiLogprobStep, len(apiSteps))
	copy(ordered, apiSteps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Step < ordered[j].Step })

	seen := make(map[int]bool, len(ordered))
	trace.Steps = make([]models.MergedStep, 0, len(ordered))
	for _, api := range ordered {
		seen[api.Step] = true
		ms := models.MergedStep{
			Step:           api.Step,
			Token:          cloneCandidate(api.ChosenToken),
			APITopLogprobs: cloneCandidates(api.TopLogprobs),
		}
		if g, ok := groups[api.Step]; ok {
			ms.RejectionSampling = g.record()
			ms.FilteringEvents = g.sources
			trace.TotalFilteringEvents += g.sources
			if w := reconcileToken(&ms, g); w != nil {
				trace.Warnings = append(trace.Warnings, *w)
			}
		}
		trace.Steps = append(trace.Steps, ms)
	}

	for _, step := range eventSteps {
		if seen[step] {
			continue
		}
		g := groups[step]
		trace.Warnings = append(trace.Warnings, models.Warning{
			Code:    models.WarnOrphanEventStep,
			Index:   g.firstIndex,
			Step:    step,
			Message: fmt.Sprintf("events for step %d have no API step and were dropped", step),
		})
	}

	trace.Summary = stats.Summarize(trace)
	return trace
}

// reconcileToken fills an API token id the response omitted and flags a
// disagreement between the API token and the logged acceptance.
func reconcileToken(ms *models.MergedStep, g *stepGroup) *models.Warning {
	logged := models.UnknownTokenID
	switch {
	case g.accepted != nil:
		logged = g.accepted.TokenID
	case ms.RejectionSampling != nil:
		logged = ms.RejectionSampling.Resampled.ID
	case g.embedded != nil:
		logged = g.embedded.Token.ID
	}
	if logged == models.UnknownTokenID {
		return nil
	}

	if ms.Token.ID == models.UnknownTokenID {
		ms.Token.ID = logged
		return &models.Warning{
			Code:    models.WarnTokenIDBackfilled,
			Index:   g.firstIndex,
			Step:    ms.Step,
			Message: fmt.Sprintf("API token %q had no id; using logged id %d", ms.Token.Text, logged),
		}
	}
	if ms.Token.ID != logged {
		return &models.Warning{
			Code:    models.WarnTokenMismatch,
			Index:   g.firstIndex,
			Step:    ms.Step,
			Message: fmt.Sprintf("API token id %d differs from logged token id %d", ms.Token.ID, logged),
		}
	}
	return nil
}

// StepsFromEvents derives API steps from the log itself, for logs analyzed
// without a saved API response. Merged logs carry the API token; filtering
// logs carry the accepted token.
func StepsFromEvents(events []models.Event) []models.ApiLogprobStep {
	groups, steps := groupEvents(events)
	out := make([]models.ApiLogprobStep, 0, len(steps))
	for _, step := range steps {
		g := groups[step]
		api := models.ApiLogprobStep{Step: step}
		switch {
		case g.embedded != nil:
			api.ChosenToken = cloneCandidate(g.embedded.Token)
			api.TopLogprobs = cloneCandidates(g.embedded.APITopLogprobs)
		case g.accepted != nil:
			var pool []models.TokenCandidate
			if n := len(g.filtering); n > 0 {
				pool = g.filtering[n-1].CandidatesAfter
			}
			api.ChosenToken = lookup(g.accepted.TokenID, g.accepted.TokenText, pool)
		default:
			if rec := g.record(); rec != nil {
				api.ChosenToken = rec.Resampled
			} else {
				api.ChosenToken = models.TokenCandidate{ID: models.UnknownTokenID}
			}
		}
		out = append(out, api)
	}
	return out
}

// lookup returns the candidate with id from the first pool that has it, or a
// bare candidate when none does.
func lookup(id int, text string, pools ...[]models.TokenCandidate) models.TokenCandidate {
	for _, pool := range pools {
		for _, c := range pool {
			if c.ID == id {
				out := cloneCandidate(c)
				if out.Text == "" {
					out.Text = text
				}
				return out
			}
		}
	}
	return models.TokenCandidate{ID: id, Text: text}
}

// best returns the most probable candidate, or the first when none carries
// a probability.
func best(cands []models.TokenCandidate) models.TokenCandidate {
	idx := 0
	for i, c := range cands {
		if c.HasProbability() && (!cands[idx].HasProbability() || c.Prob() > cands[idx].Prob()) {
			idx = i
		}
	}
	return cloneCandidate(cands[idx])
}

// topRejected returns the most probable candidate the mask removed.
func topRejected(f *models.FilteringEvent) *models.TokenCandidate {
	kept := make(map[int]bool, len(f.CandidatesAfter))
	for _, c := range f.CandidatesAfter {
		kept[c.ID] = true
	}
	var removed []models.TokenCandidate
	for _, c := range f.CandidatesBefore {
		if !kept[c.ID] {
			removed = append(removed, c)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	c := best(removed)
	return &c
}

func cloneCandidate(c models.TokenCandidate) models.TokenCandidate {
	out := c
	if c.Logit != nil {
		out.Logit = models.Float(*c.Logit)
	}
	if c.Probability != nil {
		out.Probability = models.Float(*c.Probability)
	}
	if c.Logprob != nil {
		out.Logprob = models.Float(*c.Logprob)
	}
	return out
}

func cloneCandidates(in []models.TokenCandidate) []models.TokenCandidate {
	if in == nil {
		return nil
	}
	out := make([]models.TokenCandidate, len(in))
	for i, c := range in {
		out[i] = cloneCandidate(c)
	}
	return out
}

func cloneRecord(r *models.RejectionSamplingRecord) *models.RejectionSamplingRecord {
	out := *r
	out.PreMasking = cloneCandidates(r.PreMasking)
	out.PostGrammar = cloneCandidates(r.PostGrammar)
	out.PostChain = cloneCandidates(r.PostChain)
	out.Resampled = cloneCandidate(r.Resampled)
	if r.PassRejections != nil {
		out.PassRejections = append([]int(nil), r.PassRejections...)
	}
	if r.RejectedCandidate != nil {
		c := cloneCandidate(*r.RejectedCandidate)
		out.RejectedCandidate = &c
	}
	if r.SlotID != nil {
		slot := *r.SlotID
		out.SlotID = &slot
	}
	return &out
}
