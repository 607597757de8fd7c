package tracelog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// Response is the part of an OpenAI-shaped chat completion we correlate.
type Response struct {
	ID      string
	Model   string
	Created int64
	Content string
	Steps   []models.ApiLogprobStep
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text     string `json:"text"`
		Logprobs *struct {
			Content []json.RawMessage `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

type wireTopLogprobs struct {
	TopLogprobs []models.TokenCandidate `json:"top_logprobs"`
}

// ReadResponse loads an API response saved to disk.
func ReadResponse(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	resp, err := ParseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("parse response %s: %w", path, err)
	}
	return resp, nil
}

// ParseResponse decodes choices[0].logprobs.content into API steps, one per
// emitted token in order. A response without logprobs yields no steps.
func ParseResponse(data []byte) (*Response, error) {
	data, _ = NormalizeSentinels(data)

	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := &Response{ID: w.ID, Model: w.Model, Created: w.Created}
	if len(w.Choices) == 0 {
		return resp, nil
	}
	choice := w.Choices[0]
	resp.Content = choice.Message.Content
	if resp.Content == "" {
		resp.Content = choice.Text
	}
	if choice.Logprobs == nil {
		return resp, nil
	}

	resp.Steps = make([]models.ApiLogprobStep, 0, len(choice.Logprobs.Content))
	for i, item := range choice.Logprobs.Content {
		var chosen models.TokenCandidate
		if err := json.Unmarshal(item, &chosen); err != nil {
			return nil, fmt.Errorf("decode logprobs.content[%d]: %w", i, err)
		}
		var top wireTopLogprobs
		if err := json.Unmarshal(item, &top); err != nil {
			return nil, fmt.Errorf("decode logprobs.content[%d].top_logprobs: %w", i, err)
		}
		resp.Steps = append(resp.Steps, models.ApiLogprobStep{
			Step:        i,
			ChosenToken: chosen,
			TopLogprobs: top.TopLogprobs,
		})
	}
	return resp, nil
}
