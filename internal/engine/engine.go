// Package engine runs a flattened prompt through the model and assembles
// the final transcription, streaming intermediate tokens through a Sink.
package engine

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/zhengjr9/deepseek-ocr-server/internal/apierr"
	"github.com/zhengjr9/deepseek-ocr-server/internal/bbox"
	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
	"github.com/zhengjr9/deepseek-ocr-server/internal/prompt"
)

// Sink receives generation progress. Implementations must tolerate being
// called from the goroutine running the model.
type Sink interface {
	// Started fires once, after validation but before the first decode step.
	Started()
	// Progress reports the generated ids after each accepted token.
	Progress(count int, ids []int64)
	// Flush reports the final ids once generation ends.
	Flush(ids []int64)
	// Finalize delivers the normalized text and token counts.
	Finalize(text string, promptTokens, completionTokens int)
}

// nopSink is used for non-streaming requests.
type nopSink struct{}

func (nopSink) Started()                  {}
func (nopSink) Progress(int, []int64)     {}
func (nopSink) Flush([]int64)             {}
func (nopSink) Finalize(string, int, int) {}

// Result is the completed generation.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	// Boxes holds any grounding boxes parsed out of the text.
	Boxes []bbox.BoundingBox
	// AnnotatedImage is a base64 JPEG of the first request image with the
	// boxes drawn on, set only when both boxes and images are present.
	AnnotatedImage string
}

// Engine serializes access to the model. The model holds one set of ONNX
// sessions, so requests run one at a time.
type Engine struct {
	mu           sync.Mutex
	model        model.Model
	tok          model.Tokenizer
	maxNewTokens int
}

func New(m model.Model, tok model.Tokenizer, maxNewTokens int) *Engine {
	return &Engine{model: m, tok: tok, maxNewTokens: maxNewTokens}
}

// Run generates text for the request. sink may be nil for non-streaming
// callers. maxTokens caps the number of generated tokens; zero or negative
// falls back to the engine default.
func (e *Engine) Run(req *prompt.Request, maxTokens int, sink Sink) (*Result, error) {
	if sink == nil {
		sink = nopSink{}
	}
	if maxTokens <= 0 {
		maxTokens = e.maxNewTokens
	}

	// The lock is released by defer so a model panic unwinding through
	// here cannot leave the engine locked.
	res, generated, err := func() (*Result, []int64, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.generate(req, maxTokens, sink)
	}()
	if err != nil {
		return nil, err
	}

	sink.Flush(generated)
	sink.Finalize(res.Text, res.PromptTokens, res.CompletionTokens)

	boxes, err := bbox.Extract(res.Text)
	if err != nil {
		slog.Warn("bounding box extraction failed", "error", err)
	} else if len(boxes) > 0 {
		res.Boxes = boxes
		if len(req.Images) > 0 {
			annotated := bbox.Annotate(req.Images[0], boxes)
			encoded, encErr := bbox.EncodeJPEGBase64(annotated)
			if encErr != nil {
				slog.Warn("annotated image encoding failed", "error", encErr)
			} else {
				res.AnnotatedImage = encoded
			}
		}
	}
	return res, nil
}

func (e *Engine) generate(req *prompt.Request, maxTokens int, sink Sink) (*Result, []int64, error) {
	embeddings, err := e.model.ComputeImageEmbeddings(req.Images)
	if err != nil {
		return nil, nil, apierr.Internal("image encoding failed: %v", err)
	}

	inputIDs, mask, err := e.buildPromptTokens(req.Prompt, embeddings)
	if err != nil {
		return nil, nil, err
	}

	sink.Started()
	generated, err := e.model.Generate(inputIDs, model.GenerateOptions{
		MaxNewTokens:    maxTokens,
		ImagesSeqMask:   mask,
		ImageEmbeddings: embeddings,
		EOSTokenID:      e.model.EOSTokenID(),
		Progress:        sink.Progress,
	})
	if err != nil {
		return nil, nil, apierr.Internal("generation failed: %v", err)
	}

	text := normalizeText(e.tok.Decode(toUint32(generated), true))
	res := &Result{
		Text:             text,
		PromptTokens:     len(inputIDs),
		CompletionTokens: len(generated),
	}
	return res, generated, nil
}

// buildPromptTokens encodes the prompt text, splicing in one run of image
// token ids per <image> placeholder. The mask marks exactly those spliced
// positions.
func (e *Engine) buildPromptTokens(text string, embeddings []model.Embedding) ([]int64, []bool, error) {
	segments := strings.Split(text, prompt.ImagePlaceholder)
	if len(segments)-1 != len(embeddings) {
		return nil, nil, apierr.BadRequest("prompt formatting failed: %d image placeholders for %d images",
			len(segments)-1, len(embeddings))
	}

	imageID := e.model.ImageTokenID()
	var ids []int64
	var mask []bool
	for i, seg := range segments {
		if i > 0 {
			emb := embeddings[i-1]
			for j := 0; j < emb.Tokens; j++ {
				ids = append(ids, imageID)
				mask = append(mask, true)
			}
		}
		if seg == "" {
			continue
		}
		for _, id := range e.tok.Encode(seg, i == 0) {
			ids = append(ids, int64(id))
			mask = append(mask, false)
		}
	}
	return ids, mask, nil
}

// toUint32 drops any negative ids before decoding.
func toUint32(ids []int64) []uint32 {
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			continue
		}
		out = append(out, uint32(id))
	}
	return out
}

// normalizeText canonicalizes line endings and trims surrounding whitespace.
func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
