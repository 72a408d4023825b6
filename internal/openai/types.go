// Package openai defines the wire types shared by the chat-completions and
// responses protocol variants.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/zhengjr9/deepseek-ocr-server/internal/bbox"
)

// Message is a single role-tagged chat message.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is the string-or-parts union accepted in message bodies. Exactly
// one form is populated; IsParts distinguishes an empty parts list from an
// empty string.
type Content struct {
	Text    string
	Parts   []Part
	IsParts bool
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("content must not be empty")
	}
	switch trimmed[0] {
	case '"':
		c.IsParts = false
		return jsoniter.Unmarshal(trimmed, &c.Text)
	case '[':
		c.IsParts = true
		return jsoniter.Unmarshal(trimmed, &c.Parts)
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return jsoniter.Marshal(c.Parts)
	}
	return jsoniter.Marshal(c.Text)
}

// Part kinds after decoding. The wire accepts both the chat aliases
// (text/image_url) and the responses aliases (input_text/input_image).
const (
	PartText  = "text"
	PartImage = "image"
)

// Part is one typed element of a multi-part message body.
type Part struct {
	Type string
	Text string
	// ImageURL is a data: URI or an http(s) URL, already unwrapped from
	// either the bare-string or the {url} object form.
	ImageURL string
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		ImageURL json.RawMessage `json:"image_url"`
	}
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "text", "input_text":
		p.Type = PartText
		p.Text = raw.Text
	case "image_url", "input_image":
		p.Type = PartImage
		url, err := decodeImagePayload(raw.ImageURL)
		if err != nil {
			return err
		}
		p.ImageURL = url
	default:
		return fmt.Errorf("unrecognized content part type %q", raw.Type)
	}
	return nil
}

// decodeImagePayload unwraps the string-or-object image_url union.
func decodeImagePayload(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("image part is missing image_url")
	}
	switch trimmed[0] {
	case '"':
		var url string
		if err := jsoniter.Unmarshal(trimmed, &url); err != nil {
			return "", err
		}
		return url, nil
	case '{':
		var payload struct {
			URL string `json:"url"`
		}
		if err := jsoniter.Unmarshal(trimmed, &payload); err != nil {
			return "", err
		}
		if payload.URL == "" {
			return "", fmt.Errorf("image_url object is missing url")
		}
		return payload.URL, nil
	default:
		return "", fmt.Errorf("image_url must be a string or an object with a url field")
	}
}

// ChatCompletionRequest mirrors the OpenAI chat completions request body.
type ChatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

// ResponsesRequest mirrors the OpenAI responses request body.
type ResponsesRequest struct {
	Model           string    `json:"model"`
	Input           []Message `json:"input"`
	MaxOutputTokens int       `json:"max_output_tokens"`
	MaxTokens       int       `json:"max_tokens"`
	Stream          bool      `json:"stream"`
}

// Usage reports token accounting in chat-completions naming.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseUsage reports token accounting in responses naming.
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// AssistantMessage is the assistant turn in a non-streaming chat response,
// enriched with the OCR-specific fields.
type AssistantMessage struct {
	Role           string             `json:"role"`
	Content        string             `json:"content"`
	BoundingBoxes  []bbox.BoundingBox `json:"bounding_boxes,omitempty"`
	AnnotatedImage string             `json:"annotated_image,omitempty"`
}

// ChatChoice wraps a single completion result.
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming chat-completions response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Delta carries incremental content in a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is a single choice delta in a stream chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamChunk is one SSE data object in chat-completions streaming format.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *ErrorMessage  `json:"error,omitempty"`
}

// ErrorMessage carries an in-band stream error.
type ErrorMessage struct {
	Message string `json:"message"`
}

// ResponseContent is one content element of a responses-style output item.
type ResponseContent struct {
	Type           string             `json:"type"`
	Text           string             `json:"text"`
	BoundingBoxes  []bbox.BoundingBox `json:"bounding_boxes,omitempty"`
	AnnotatedImage string             `json:"annotated_image,omitempty"`
}

// ResponseOutput is one output item of a responses-style response.
type ResponseOutput struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []ResponseContent `json:"content"`
}

// ResponsesResponse is the non-streaming responses-style response.
type ResponsesResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Output  []ResponseOutput `json:"output"`
	Usage   ResponseUsage    `json:"usage"`
}

// ResponseStub identifies the in-flight response in streaming events.
type ResponseStub struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
}

// ResponseCreatedEvent opens a responses-style stream.
type ResponseCreatedEvent struct {
	Type     string       `json:"type"`
	Response ResponseStub `json:"response"`
}

// ResponseDeltaEvent carries one increment of output text.
type ResponseDeltaEvent struct {
	Type        string       `json:"type"`
	Response    ResponseStub `json:"response"`
	OutputID    string       `json:"output_id"`
	OutputIndex int          `json:"output_index"`
	Delta       string       `json:"delta"`
}

// ResponseCompletedEvent closes a responses-style stream with the full
// output and usage.
type ResponseCompletedEvent struct {
	Type     string            `json:"type"`
	Response ResponsesResponse `json:"response"`
}

// ResponseErrorEvent reports a failure in-band after the stream has begun.
type ResponseErrorEvent struct {
	Type  string       `json:"type"`
	Error ErrorMessage `json:"error"`
}

// ModelInfo describes one served model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse lists the served models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
