// Package stream turns generation progress into server-sent event payloads.
// A Session implements engine.Sink; the HTTP handler consumes Events and
// writes each payload as one SSE data line.
package stream

import (
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
	"github.com/zhengjr9/deepseek-ocr-server/internal/openai"
)

// Variant selects the event dialect emitted by a Session.
type Variant int

const (
	// Responses emits response.created / response.output_text.delta /
	// response.completed events.
	Responses Variant = iota
	// Chat emits chat.completion.chunk objects.
	Chat
)

const doneSentinel = "[DONE]"

// Session buffers outgoing SSE payloads for one streaming request. The
// producer side (Started, Progress, Flush, Finalize, Error) runs on the
// generation goroutine; Events is consumed by the HTTP handler. The channel
// is bounded, so a slow consumer applies backpressure to the producer.
type Session struct {
	tok     model.Tokenizer
	variant Variant

	responseID string
	outputID   string
	model      string
	created    int64

	events chan []byte

	mu        sync.Mutex
	lastCount int
	roleSent  bool
	finished  bool
}

// NewResponses builds a session speaking the responses event dialect.
func NewResponses(tok model.Tokenizer, responseID, outputID, modelID string, created int64) *Session {
	return &Session{
		tok:        tok,
		variant:    Responses,
		responseID: responseID,
		outputID:   outputID,
		model:      modelID,
		created:    created,
		events:     make(chan []byte, 256),
	}
}

// NewChat builds a session speaking the chat-completions chunk dialect.
func NewChat(tok model.Tokenizer, completionID, modelID string, created int64) *Session {
	return &Session{
		tok:        tok,
		variant:    Chat,
		responseID: completionID,
		model:      modelID,
		created:    created,
		events:     make(chan []byte, 256),
	}
}

// Events yields marshaled payloads in emission order. The channel closes
// after the terminal event and the [DONE] sentinel have been sent.
func (s *Session) Events() <-chan []byte {
	return s.events
}

// Started emits the stream opener.
func (s *Session) Started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	switch s.variant {
	case Responses:
		s.send(openai.ResponseCreatedEvent{
			Type:     "response.created",
			Response: s.stub(),
		})
	case Chat:
		s.send(s.chunk(openai.Delta{Role: "assistant"}, nil))
		s.roleSent = true
	}
}

// Progress emits the text decoded from any ids beyond the last reported
// count.
func (s *Session) Progress(count int, ids []int64) {
	s.emitRange(count, ids)
}

// Flush emits whatever remains after the final decode step.
func (s *Session) Flush(ids []int64) {
	s.emitRange(len(ids), ids)
}

func (s *Session) emitRange(count int, ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || count <= s.lastCount {
		return
	}
	text := s.decode(ids[s.lastCount:count])
	// The range counts as consumed even when it decodes to nothing; a
	// partial multi-byte sequence is not retried.
	s.lastCount = count
	if text == "" {
		return
	}
	s.emitDelta(text, !s.roleSent)
	s.roleSent = true
}

// Finalize emits the terminal event with usage, then [DONE], and closes the
// stream. Subsequent calls are no-ops.
func (s *Session) Finalize(text string, promptTokens, completionTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true

	switch s.variant {
	case Responses:
		s.send(openai.ResponseCompletedEvent{
			Type: "response.completed",
			Response: openai.ResponsesResponse{
				ID:      s.responseID,
				Object:  "response",
				Created: s.created,
				Model:   s.model,
				Output: []openai.ResponseOutput{{
					ID:   s.outputID,
					Type: "message",
					Role: "assistant",
					Content: []openai.ResponseContent{{
						Type: "output_text",
						Text: text,
					}},
				}},
				Usage: openai.ResponseUsage{
					InputTokens:  promptTokens,
					OutputTokens: completionTokens,
					TotalTokens:  promptTokens + completionTokens,
				},
			},
		})
	case Chat:
		chunk := s.chunk(openai.Delta{}, strPtr("stop"))
		chunk.Usage = &openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		s.send(chunk)
	}
	s.sendRaw([]byte(doneSentinel))
	close(s.events)
}

// Error reports an in-band failure, then [DONE], and closes the stream.
// After Finalize or a prior Error it is a no-op.
func (s *Session) Error(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true

	switch s.variant {
	case Responses:
		s.send(openai.ResponseErrorEvent{
			Type:  "response.error",
			Error: openai.ErrorMessage{Message: message},
		})
	case Chat:
		chunk := s.chunk(openai.Delta{}, strPtr("error"))
		chunk.Error = &openai.ErrorMessage{Message: message}
		s.send(chunk)
	}
	s.sendRaw([]byte(doneSentinel))
	close(s.events)
}

func (s *Session) emitDelta(text string, includeRole bool) {
	switch s.variant {
	case Responses:
		s.send(openai.ResponseDeltaEvent{
			Type:        "response.output_text.delta",
			Response:    s.stub(),
			OutputID:    s.outputID,
			OutputIndex: 0,
			Delta:       text,
		})
	case Chat:
		delta := openai.Delta{Content: text}
		if includeRole {
			delta.Role = "assistant"
		}
		s.send(s.chunk(delta, nil))
	}
}

func (s *Session) stub() openai.ResponseStub {
	return openai.ResponseStub{
		ID:      s.responseID,
		Object:  "response",
		Created: s.created,
		Model:   s.model,
	}
}

func (s *Session) chunk(delta openai.Delta, finishReason *string) openai.StreamChunk {
	return openai.StreamChunk{
		ID:      s.responseID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

func (s *Session) decode(ids []int64) string {
	filtered := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			continue
		}
		filtered = append(filtered, uint32(id))
	}
	if len(filtered) == 0 {
		return ""
	}
	return s.tok.Decode(filtered, true)
}

func (s *Session) send(event any) {
	payload, err := jsoniter.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal stream event", "error", err)
		return
	}
	s.sendRaw(payload)
}

func (s *Session) sendRaw(payload []byte) {
	s.events <- payload
}

func strPtr(s string) *string { return &s }
