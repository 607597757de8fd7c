package stats

import (
	"math"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// StructuredStep is the simplified per-step export: the accepted token and
// the alternatives the model weighed against it.
type StructuredStep struct {
	Step                int               `json:"step"`
	AcceptedToken       string            `json:"accepted_token"`
	AcceptedTokenID     int               `json:"accepted_token_id"`
	AcceptedProbability *float64          `json:"accepted_probability"`
	AllTokens           []StructuredToken `json:"all_tokens"`
}

type StructuredToken struct {
	Token       string   `json:"token"`
	Probability *float64 `json:"probability"`
}

// Structured builds the simplified export with up to topK alternatives per
// step. Alternatives come from the API top logprobs, falling back to the
// grammar survivors and then the unconstrained candidates.
func Structured(trace *models.Trace, topK int) []StructuredStep {
	out := make([]StructuredStep, 0, len(trace.Steps))
	for _, step := range trace.Steps {
		pool := step.APITopLogprobs
		if rec := step.RejectionSampling; len(pool) == 0 && rec != nil {
			pool = rec.PostGrammar
			if len(pool) == 0 {
				pool = rec.PreMasking
			}
		}
		pool = ranked(pool)
		if topK > 0 && len(pool) > topK {
			pool = pool[:topK]
		}

		s := StructuredStep{
			Step:            step.Step,
			AcceptedToken:   step.Token.DisplayText(),
			AcceptedTokenID: step.Token.ID,
			AllTokens:       make([]StructuredToken, 0, len(pool)),
		}
		accepted := step.Token
		if !accepted.HasProbability() {
			if c, ok := findID(pool, accepted.ID); ok {
				accepted = c
			}
		}
		if accepted.HasProbability() {
			s.AcceptedProbability = models.Float(round4(accepted.Prob()))
		}
		for _, c := range pool {
			t := StructuredToken{Token: c.DisplayText()}
			if c.HasProbability() {
				t.Probability = models.Float(round4(c.Prob()))
			}
			s.AllTokens = append(s.AllTokens, t)
		}
		out = append(out, s)
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
