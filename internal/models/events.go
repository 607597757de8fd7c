package models

// EventKind tags which variant an Event carries.
type EventKind string

const (
	KindFiltering EventKind = "token_filtering"
	KindAccepted  EventKind = "token_accepted"
	KindRejection EventKind = "rejection_sampling"
)

// LogFormat is the producer format detected for a whole log or slice.
type LogFormat string

const (
	FormatEmpty     LogFormat = "empty"
	FormatFiltering LogFormat = "filtering"
	FormatRejection LogFormat = "rejection"
	FormatMixed     LogFormat = "mixed"
)

// FilteringEvent records one pass of the grammar mask over the candidate list.
type FilteringEvent struct {
	Step             int              `json:"step"`
	CandidatesBefore []TokenCandidate `json:"candidates_before"`
	CandidatesAfter  []TokenCandidate `json:"candidates_after"`
	RejectedCount    int              `json:"rejected_count"`
}

// AcceptanceEvent records the token the sampler finally accepted for a step.
type AcceptanceEvent struct {
	Step      int    `json:"step"`
	TokenID   int    `json:"token_id"`
	TokenText string `json:"token_text"`
}

// RejectionSamplingRecord is the full chain for one step: the model's raw
// choice, the grammar mask, the sampler chain and the final resample.
type RejectionSamplingRecord struct {
	WasRejected       bool             `json:"was_rejected"`
	RejectedCandidate *TokenCandidate  `json:"rejected,omitempty"`
	PreMasking        []TokenCandidate `json:"pre_masking"`
	PostGrammar       []TokenCandidate `json:"post_grammar"`
	PostChain         []TokenCandidate `json:"post_chain"`
	Resampled         TokenCandidate   `json:"resampled"`
	// RejectionCount is the number of candidates the grammar removed at this step.
	RejectionCount int `json:"rejection_count"`
	// PassRejections holds the removed count of every filtering pass folded
	// into this record, in log order. Nil for single-record producers.
	PassRejections []int     `json:"pass_rejections,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	SlotID         *int      `json:"slot_id,omitempty"`
	Source         EventKind `json:"source"`
}

// EmbeddedAPIData is API-side data found inside already-merged logs.
type EmbeddedAPIData struct {
	Token          TokenCandidate   `json:"token"`
	APITopLogprobs []TokenCandidate `json:"api_top_logprobs"`
}

// Event is the superset representation every producer format normalizes
// into. Exactly one of Filtering, Accepted or Rejection is set, matching Kind.
type Event struct {
	// Index is the position of the element in the log's event array.
	Index int `json:"index"`
	// Offset is the byte offset of the element in the source file.
	Offset int64     `json:"offset"`
	Step   int       `json:"step"`
	Kind   EventKind `json:"kind"`
	TaskID string    `json:"task_id,omitempty"`
	SlotID *int      `json:"slot_id,omitempty"`

	Filtering *FilteringEvent          `json:"filtering,omitempty"`
	Accepted  *AcceptanceEvent         `json:"accepted,omitempty"`
	Rejection *RejectionSamplingRecord `json:"rejection,omitempty"`
	Embedded  *EmbeddedAPIData         `json:"embedded,omitempty"`
}

// DetectFormat reports which producer format a sequence of events came from.
func DetectFormat(events []Event) LogFormat {
	var filtering, rejection bool
	for _, e := range events {
		switch e.Kind {
		case KindFiltering, KindAccepted:
			filtering = true
		case KindRejection:
			rejection = true
		}
	}
	switch {
	case filtering && rejection:
		return FormatMixed
	case rejection:
		return FormatRejection
	case filtering:
		return FormatFiltering
	default:
		return FormatEmpty
	}
}

// TaskIDs returns the distinct task ids in first-seen order.
func TaskIDs(events []Event) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range events {
		if e.TaskID == "" || seen[e.TaskID] {
			continue
		}
		seen[e.TaskID] = true
		ids = append(ids, e.TaskID)
	}
	return ids
}
