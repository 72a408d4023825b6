package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/zhengjr9/deepseek-ocr-server/internal/apierr"
	"github.com/zhengjr9/deepseek-ocr-server/internal/engine"
	"github.com/zhengjr9/deepseek-ocr-server/internal/httputil"
	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
	"github.com/zhengjr9/deepseek-ocr-server/internal/openai"
	"github.com/zhengjr9/deepseek-ocr-server/internal/prompt"
	"github.com/zhengjr9/deepseek-ocr-server/internal/stream"
)

type handler struct {
	engine       *engine.Engine
	tok          model.Tokenizer
	flattener    *prompt.Flattener
	modelID      string
	maxBodyBytes int64
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) models(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, openai.ModelsResponse{
		Object: "list",
		Data: []openai.ModelInfo{{
			ID:      h.modelID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "deepseek",
		}},
	})
}

// chatCompletions handles POST /v1/chat/completions.
func (h *handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := h.ensureModel(req.Model); err != nil {
		apierr.Write(w, err)
		return
	}

	genReq, err := h.flattener.Flatten(req.Messages)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	created := time.Now().Unix()
	completionID := "chatcmpl-" + uuid.NewString()

	if req.Stream {
		sess := stream.NewChat(h.tok, completionID, h.modelID, created)
		h.serveStream(w, sess, genReq, req.MaxTokens)
		return
	}

	res, err := h.engine.Run(genReq, req.MaxTokens, nil)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	writeJSON(w, openai.ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   h.modelID,
		Choices: []openai.ChatChoice{{
			Index: 0,
			Message: openai.AssistantMessage{
				Role:           "assistant",
				Content:        res.Text,
				BoundingBoxes:  res.Boxes,
				AnnotatedImage: res.AnnotatedImage,
			},
			FinishReason: "stop",
		}},
		Usage: openai.Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	})
}

// responses handles POST /v1/responses.
func (h *handler) responses(w http.ResponseWriter, r *http.Request) {
	var req openai.ResponsesRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := h.ensureModel(req.Model); err != nil {
		apierr.Write(w, err)
		return
	}

	genReq, err := h.flattener.Flatten(req.Input)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = req.MaxTokens
	}

	created := time.Now().Unix()
	responseID := "resp-" + uuid.NewString()
	outputID := "msg-" + uuid.NewString()

	if req.Stream {
		sess := stream.NewResponses(h.tok, responseID, outputID, h.modelID, created)
		h.serveStream(w, sess, genReq, maxTokens)
		return
	}

	res, err := h.engine.Run(genReq, maxTokens, nil)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	writeJSON(w, openai.ResponsesResponse{
		ID:      responseID,
		Object:  "response",
		Created: created,
		Model:   h.modelID,
		Output: []openai.ResponseOutput{{
			ID:   outputID,
			Type: "message",
			Role: "assistant",
			Content: []openai.ResponseContent{{
				Type:           "output_text",
				Text:           res.Text,
				BoundingBoxes:  res.Boxes,
				AnnotatedImage: res.AnnotatedImage,
			}},
		}},
		Usage: openai.ResponseUsage{
			InputTokens:  res.PromptTokens,
			OutputTokens: res.CompletionTokens,
			TotalTokens:  res.PromptTokens + res.CompletionTokens,
		},
	})
}

// serveStream runs generation on its own goroutine and relays session
// payloads to the client as SSE frames. Once a write fails the remaining
// events are drained so the generation goroutine can finish.
func (h *handler) serveStream(w http.ResponseWriter, sess *stream.Session, genReq *prompt.Request, maxTokens int) {
	httputil.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("generation worker panic", "error", rec, "stack", string(debug.Stack()))
				sess.Error("internal server error")
			}
		}()
		if _, err := h.engine.Run(genReq, maxTokens, sess); err != nil {
			sess.Error(apierr.Classify(err).Message)
		}
	}()

	writeFailed := false
	for payload := range sess.Events() {
		if writeFailed {
			continue
		}
		if err := httputil.WriteSSEData(w, payload); err != nil {
			slog.Warn("client disconnected mid-stream", "error", err)
			writeFailed = true
		}
	}
}

// decodeBody parses the JSON request body under the configured size limit.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := jsoniter.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

func (h *handler) ensureModel(requested string) error {
	if requested != "" && requested != h.modelID {
		return apierr.BadRequest("model '%s' is not available (expected '%s')", requested, h.modelID)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
