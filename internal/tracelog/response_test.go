package tracelog

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatResponse = `{
  "id": "chatcmpl-123",
  "object": "chat.completion",
  "created": 1735689600,
  "model": "qwen2.5-coder",
  "choices": [{
    "index": 0,
    "message": {"role": "assistant", "content": "{}"},
    "logprobs": {"content": [
      {"id": 90, "token": "{", "logprob": -0.1053605156578263, "bytes": [123],
       "top_logprobs": [{"id": 90, "token": "{", "logprob": -0.1053605156578263}, {"id": 91, "token": "[", "logprob": -2.3}]},
      {"token": "}", "logprob": -inf, "top_logprobs": []}
    ]},
    "finish_reason": "stop"
  }]
}`

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte(chatResponse))
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, "qwen2.5-coder", resp.Model)
	assert.Equal(t, int64(1735689600), resp.Created)
	assert.Equal(t, "{}", resp.Content)
	require.Len(t, resp.Steps, 2)

	first := resp.Steps[0]
	assert.Equal(t, 0, first.Step)
	assert.Equal(t, 90, first.ChosenToken.ID)
	assert.Equal(t, "{", first.ChosenToken.Text)
	require.NotNil(t, first.ChosenToken.Probability)
	assert.InDelta(t, 0.9, *first.ChosenToken.Probability, 1e-9)
	require.Len(t, first.TopLogprobs, 2)
	assert.Equal(t, 91, first.TopLogprobs[1].ID)
	assert.InDelta(t, math.Exp(-2.3), first.TopLogprobs[1].Prob(), 1e-9)

	second := resp.Steps[1]
	assert.Equal(t, 1, second.Step)
	assert.Equal(t, -1, second.ChosenToken.ID)
	assert.Nil(t, second.ChosenToken.Logprob)
	assert.Nil(t, second.ChosenToken.Probability)
}

func TestParseResponseWithoutLogprobs(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"id": "x", "choices": [{"message": {"content": "hi"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Empty(t, resp.Steps)
}

func TestReadResponseErrors(t *testing.T) {
	_, err := ReadResponse(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"choices": [`), 0o644))
	_, err = ReadResponse(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
