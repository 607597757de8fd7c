package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// UnknownTokenID marks a candidate whose producer did not emit a token id.
const UnknownTokenID = -1

// TokenCandidate is a single token with whatever scoring the producer emitted.
// Only ID is guaranteed; Logit, Probability and Logprob are nil when absent or
// when the producer wrote the -inf sentinel.
type TokenCandidate struct {
	ID          int      `json:"id"`
	Text        string   `json:"text"`
	Logit       *float64 `json:"logit,omitempty"`
	Probability *float64 `json:"probability,omitempty"`
	Logprob     *float64 `json:"logprob,omitempty"`
}

// HasProbability reports whether the candidate carries usable probability data.
func (c TokenCandidate) HasProbability() bool {
	return c.Probability != nil && !math.IsNaN(*c.Probability)
}

// Prob returns the probability or 0 when absent.
func (c TokenCandidate) Prob() float64 {
	if !c.HasProbability() {
		return 0
	}
	return *c.Probability
}

// DisplayText returns the token text, falling back to a placeholder built
// from the id when the producer omitted it.
func (c TokenCandidate) DisplayText() string {
	if c.Text != "" {
		return c.Text
	}
	return fmt.Sprintf("<token_%d>", c.ID)
}

// Float returns a pointer to v, for building candidates in code and tests.
func Float(v float64) *float64 {
	return &v
}

// UnmarshalJSON accepts the candidate shapes of every producer we read:
//
//	filtering log:  {"token": 42, "str": "a", "p": 0.5, "logit": 1.2}
//	rejection log:  {"id": 42, "piece": "a", "prob": 0.5, "logit": 1.2}
//	API response:   {"id": 42, "token": "a", "logprob": -0.69}
//	our own output: {"id": 42, "text": "a", "probability": 0.5}
func (c *TokenCandidate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// A bare number is a token id without scoring.
		var id int
		if idErr := json.Unmarshal(data, &id); idErr == nil {
			*c = TokenCandidate{ID: id}
			return nil
		}
		return fmt.Errorf("decode token candidate: %w", err)
	}

	out := TokenCandidate{ID: UnknownTokenID}

	if v, ok := raw["id"]; ok {
		if id, ok := decodeInt(v); ok {
			out.ID = id
		}
	}
	if v, ok := raw["token"]; ok {
		if id, ok := decodeInt(v); ok {
			if out.ID == UnknownTokenID {
				out.ID = id
			}
		} else if s, ok := decodeString(v); ok {
			out.Text = s
		}
	}
	for _, key := range []string{"text", "str", "piece", "token_str"} {
		if v, ok := raw[key]; ok {
			if s, ok := decodeString(v); ok && s != "" {
				out.Text = s
				break
			}
		}
	}

	out.Logit = decodeFloat(raw["logit"])
	out.Logprob = decodeFloat(raw["logprob"])
	for _, key := range []string{"probability", "p", "prob"} {
		if p := decodeFloat(raw[key]); p != nil {
			out.Probability = p
			break
		}
	}
	if out.Probability == nil && out.Logprob != nil {
		p := math.Exp(*out.Logprob)
		out.Probability = &p
	}

	*c = out
	return nil
}

func decodeInt(v json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func decodeString(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeFloat returns nil for missing, null or non-numeric values.
func decodeFloat(v json.RawMessage) *float64 {
	if len(v) == 0 {
		return nil
	}
	var f *float64
	if err := json.Unmarshal(v, &f); err != nil {
		return nil
	}
	return f
}
