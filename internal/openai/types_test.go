package openai

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentString(t *testing.T) {
	var msg Message
	require.NoError(t, jsoniter.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	assert.False(t, msg.Content.IsParts)
	assert.Equal(t, "hello", msg.Content.Text)
}

func TestContentParts(t *testing.T) {
	body := `{"role":"user","content":[
		{"type":"text","text":"describe"},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"input_image","image_url":"data:image/png;base64,AAAA"},
		{"type":"input_text","text":"thanks"}
	]}`
	var msg Message
	require.NoError(t, jsoniter.Unmarshal([]byte(body), &msg))
	require.True(t, msg.Content.IsParts)
	require.Len(t, msg.Content.Parts, 4)

	assert.Equal(t, PartText, msg.Content.Parts[0].Type)
	assert.Equal(t, "describe", msg.Content.Parts[0].Text)
	assert.Equal(t, PartImage, msg.Content.Parts[1].Type)
	assert.Equal(t, "https://example.com/a.png", msg.Content.Parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.Content.Parts[2].ImageURL)
	assert.Equal(t, "thanks", msg.Content.Parts[3].Text)
}

func TestContentRejectsUnknownShapes(t *testing.T) {
	var msg Message
	err := jsoniter.Unmarshal([]byte(`{"role":"user","content":42}`), &msg)
	assert.Error(t, err)

	err = jsoniter.Unmarshal([]byte(`{"role":"user","content":[{"type":"audio","data":"x"}]}`), &msg)
	assert.Error(t, err)

	err = jsoniter.Unmarshal([]byte(`{"role":"user","content":[{"type":"image_url","image_url":7}]}`), &msg)
	assert.Error(t, err)

	err = jsoniter.Unmarshal([]byte(`{"role":"user","content":[{"type":"image_url","image_url":{}}]}`), &msg)
	assert.Error(t, err)
}

func TestFinalChunkDeltaIsEmptyObject(t *testing.T) {
	stop := "stop"
	chunk := StreamChunk{
		ID:      "chatcmpl-1",
		Object:  "chat.completion.chunk",
		Choices: []StreamChoice{{Index: 0, Delta: Delta{}, FinishReason: &stop}},
	}
	data, err := jsoniter.Marshal(chunk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"delta":{}`)
	assert.Contains(t, string(data), `"finish_reason":"stop"`)
}

func TestContentDeltaFinishReasonNull(t *testing.T) {
	chunk := StreamChunk{
		Choices: []StreamChoice{{Index: 0, Delta: Delta{Content: "hi"}, FinishReason: nil}},
	}
	data, err := jsoniter.Marshal(chunk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"finish_reason":null`)
}
