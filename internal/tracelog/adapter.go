package tracelog

import (
	"encoding/json"
	"strings"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// wireEvent is the union of every producer's element shape.
type wireEvent struct {
	Step   *float64        `json:"step"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	TaskID json.RawMessage `json:"task_id"`
	SlotID *int            `json:"slot_id"`

	// rejection-sampling producer, flat
	Rejected    json.RawMessage         `json:"rejected"`
	PreMasking  []models.TokenCandidate `json:"pre_masking"`
	PostGrammar []models.TokenCandidate `json:"post_grammar"`
	PostChain   []models.TokenCandidate `json:"post_chain"`
	Resampled   json.RawMessage         `json:"resampled"`

	// already merged ("combined") logs
	Token             json.RawMessage         `json:"token"`
	APITopLogprobs    []models.TokenCandidate `json:"api_top_logprobs"`
	RejectionSampling json.RawMessage         `json:"rejection_sampling"`
}

type wireFiltering struct {
	CandidatesBefore []models.TokenCandidate `json:"candidates_before"`
	CandidatesAfter  []models.TokenCandidate `json:"candidates_after"`
	RejectedCount    *int                    `json:"rejected_count"`
}

type wireRejection struct {
	WasRejected *bool                   `json:"was_rejected"`
	TaskID      json.RawMessage         `json:"task_id"`
	SlotID      *int                    `json:"slot_id"`
	Rejected    json.RawMessage         `json:"rejected"`
	PreMasking  []models.TokenCandidate `json:"pre_masking"`
	PostGrammar []models.TokenCandidate `json:"post_grammar"`
	PostChain   []models.TokenCandidate `json:"post_chain"`
	Resampled   json.RawMessage         `json:"resampled"`

	// written back by our own combined files
	RejectionCount *int             `json:"rejection_count"`
	PassRejections []int            `json:"pass_rejections"`
	Source         models.EventKind `json:"source"`
}

// adaptEvent normalizes one array element. Elements it cannot place are
// reported through the returned warning instead of being dropped silently.
func adaptEvent(raw json.RawMessage, index int, offset int64) (models.Event, *models.Warning) {
	unknown := func(msg string) (models.Event, *models.Warning) {
		return models.Event{}, &models.Warning{
			Code:    models.WarnUnknownEvent,
			Index:   index,
			Step:    -1,
			Offset:  offset,
			Message: msg,
		}
	}

	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return unknown("undecodable event: " + err.Error())
	}
	if w.Step == nil {
		return unknown("event has no step")
	}
	if *w.Step < 0 {
		return unknown("event has a negative step")
	}

	e := models.Event{
		Index:  index,
		Offset: offset,
		Step:   int(*w.Step),
		TaskID: idString(w.TaskID),
		SlotID: w.SlotID,
	}

	switch {
	case w.Type == string(models.KindFiltering):
		var f wireFiltering
		if len(w.Data) > 0 {
			if err := json.Unmarshal(w.Data, &f); err != nil {
				return unknown("undecodable token_filtering data: " + err.Error())
			}
		}
		e.Kind = models.KindFiltering
		e.Filtering = &models.FilteringEvent{
			Step:             e.Step,
			CandidatesBefore: f.CandidatesBefore,
			CandidatesAfter:  f.CandidatesAfter,
		}
		if f.RejectedCount != nil {
			e.Filtering.RejectedCount = *f.RejectedCount
		} else if len(f.CandidatesBefore) > 0 {
			e.Filtering.RejectedCount = len(f.CandidatesBefore) - len(f.CandidatesAfter)
		}
		return e, nil

	case w.Type == string(models.KindAccepted):
		var tok models.TokenCandidate
		if len(w.Data) == 0 {
			return unknown("token_accepted event has no data")
		}
		if err := json.Unmarshal(w.Data, &tok); err != nil {
			return unknown("undecodable token_accepted data: " + err.Error())
		}
		e.Kind = models.KindAccepted
		e.Accepted = &models.AcceptanceEvent{Step: e.Step, TokenID: tok.ID, TokenText: tok.Text}
		return e, nil

	case w.Type == string(models.KindRejection) || (w.Type == "" && w.hasChainFields()):
		e.Kind = models.KindRejection
		e.Rejection = buildRejection(wireRejection{
			Rejected:    w.Rejected,
			PreMasking:  w.PreMasking,
			PostGrammar: w.PostGrammar,
			PostChain:   w.PostChain,
			Resampled:   w.Resampled,
		})
		e.Rejection.TaskID = e.TaskID
		e.Rejection.SlotID = e.SlotID
		return e, nil

	case w.Type == "" && (len(w.RejectionSampling) > 0 || len(w.Token) > 0):
		return adaptCombined(e, w)
	}

	if w.Type != "" {
		return unknown("unknown event type " + w.Type)
	}
	return unknown("event matches no known producer format")
}

func (w wireEvent) hasChainFields() bool {
	return len(w.Rejected) > 0 || len(w.Resampled) > 0 || w.PreMasking != nil || w.PostGrammar != nil || w.PostChain != nil
}

// adaptCombined reads an element of an already merged log. Steps where the
// sampler did not reject, or that carry no rejection record at all, become
// acceptance events carrying the API data.
func adaptCombined(e models.Event, w wireEvent) (models.Event, *models.Warning) {
	var rs wireRejection
	noRecord := len(w.RejectionSampling) == 0 || strings.TrimSpace(string(w.RejectionSampling)) == "null"
	if noRecord {
		rs.WasRejected = new(bool)
	} else if err := json.Unmarshal(w.RejectionSampling, &rs); err != nil {
		return models.Event{}, &models.Warning{
			Code:    models.WarnUnknownEvent,
			Index:   e.Index,
			Step:    e.Step,
			Offset:  e.Offset,
			Message: "undecodable rejection_sampling: " + err.Error(),
		}
	}

	embedded := &models.EmbeddedAPIData{APITopLogprobs: w.APITopLogprobs}
	embedded.Token = models.TokenCandidate{ID: models.UnknownTokenID}
	if len(w.Token) > 0 {
		_ = json.Unmarshal(w.Token, &embedded.Token)
	}
	e.Embedded = embedded

	if e.TaskID == "" {
		e.TaskID = idString(rs.TaskID)
	}
	if e.SlotID == nil {
		e.SlotID = rs.SlotID
	}

	if rs.WasRejected != nil && !*rs.WasRejected {
		e.Kind = models.KindAccepted
		e.Accepted = &models.AcceptanceEvent{Step: e.Step, TokenID: embedded.Token.ID, TokenText: embedded.Token.Text}
		return e, nil
	}

	e.Kind = models.KindRejection
	e.Rejection = buildRejection(rs)
	e.Rejection.TaskID = e.TaskID
	e.Rejection.SlotID = e.SlotID
	return e, nil
}

func buildRejection(rs wireRejection) *models.RejectionSamplingRecord {
	rec := &models.RejectionSamplingRecord{
		WasRejected: true,
		PreMasking:  rs.PreMasking,
		PostGrammar: rs.PostGrammar,
		PostChain:   rs.PostChain,
		Resampled:   models.TokenCandidate{ID: models.UnknownTokenID},
		Source:      models.KindRejection,
	}
	if c, ok := candidate(rs.Rejected); ok {
		rec.RejectedCandidate = &c
	}
	if c, ok := candidate(rs.Resampled); ok {
		rec.Resampled = c
	}

	switch rs.Source {
	case models.KindFiltering, models.KindRejection:
		rec.Source = rs.Source
	}
	if len(rs.PassRejections) > 0 {
		rec.PassRejections = append([]int(nil), rs.PassRejections...)
	}

	switch {
	case rs.RejectionCount != nil:
		rec.RejectionCount = *rs.RejectionCount
	case len(rs.PreMasking) > 0 && len(rs.PostGrammar) > 0 && len(rs.PreMasking) > len(rs.PostGrammar):
		rec.RejectionCount = len(rs.PreMasking) - len(rs.PostGrammar)
	case rec.RejectedCandidate != nil:
		rec.RejectionCount = 1
	}
	return rec
}

// candidate decodes an object-shaped candidate; null, booleans and other
// scalars are treated as absent.
func candidate(raw json.RawMessage) (models.TokenCandidate, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed[0] != '{' {
		return models.TokenCandidate{}, false
	}
	var c models.TokenCandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.TokenCandidate{}, false
	}
	return c, true
}

// idString renders a numeric or string identifier; null yields "".
func idString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return trimmed
}
