// Package prompt collapses chat histories into the single-turn prompts the
// OCR model was trained on.
package prompt

import (
	"image"
	"strings"

	"github.com/zhengjr9/deepseek-ocr-server/internal/apierr"
	"github.com/zhengjr9/deepseek-ocr-server/internal/openai"
)

const (
	userTurn      = "<|User|>\n"
	assistantTurn = "<|Assistant|>\n"

	// ImagePlaceholder marks where image embeddings are spliced into the
	// prompt. Placeholders are inserted programmatically, never trusted
	// from user input.
	ImagePlaceholder = "<image>"

	groundingTag     = "<|grounding|>"
	defaultDirective = "<|grounding|>Convert the document to markdown.\n"
)

// Text containing any of these already instructs the model, so no grounding
// directive is injected.
var instructionMarkers = []string{
	groundingTag,
	"<|ref|>",
	"Free OCR",
	"Parse the figure",
	"Locate ",
}

// Request is the single-turn generation request derived from one message
// list.
type Request struct {
	Prompt string
	Images []image.Image
}

// Flattener builds Requests from chat histories.
type Flattener struct {
	loader *ImageLoader
}

func NewFlattener(loader *ImageLoader) *Flattener {
	return &Flattener{loader: loader}
}

// Flatten selects the last user message, collects text and images from it
// and from all preceding system messages, and assembles the prompt. The
// model is not conversational: anything after the selected user turn, and
// all prior assistant turns, are discarded.
func (f *Flattener) Flatten(messages []openai.Message) (*Request, error) {
	latest := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			latest = i
			break
		}
	}
	if latest < 0 {
		return nil, apierr.BadRequest("request must include at least one user message")
	}

	var sections []string
	var images []image.Image
	for _, msg := range messages[:latest] {
		if !strings.EqualFold(msg.Role, "system") {
			continue
		}
		text, msgImages, err := f.flattenContent(msg.Content)
		if err != nil {
			return nil, err
		}
		if text != "" {
			sections = append(sections, text)
		}
		images = append(images, msgImages...)
	}

	userText, userImages, err := f.flattenContent(messages[latest].Content)
	if err != nil {
		return nil, err
	}
	if userText != "" {
		sections = append(sections, userText)
	}
	images = append(images, userImages...)

	if len(sections) == 0 && len(images) == 0 {
		return nil, apierr.BadRequest("user content must include text or images")
	}

	var b strings.Builder
	b.WriteString(userTurn)
	body := strings.Join(sections, "\n\n")
	if len(images) > 0 {
		for range images {
			b.WriteString(ImagePlaceholder)
		}
		b.WriteByte('\n')
		if body != "" {
			if !hasInstruction(body) {
				b.WriteString(groundingTag)
			}
			b.WriteString(body)
			if !strings.HasSuffix(body, "\n") {
				b.WriteByte('\n')
			}
		} else {
			b.WriteString(defaultDirective)
		}
	} else if body != "" {
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString(assistantTurn)

	return &Request{Prompt: b.String(), Images: images}, nil
}

// flattenContent extracts cleaned text and resolved images from one message
// body, preserving part order within the message.
func (f *Flattener) flattenContent(content openai.Content) (string, []image.Image, error) {
	if !content.IsParts {
		return cleanText(content.Text), nil, nil
	}

	var texts []string
	var images []image.Image
	for _, part := range content.Parts {
		switch part.Type {
		case openai.PartText:
			if cleaned := cleanText(part.Text); cleaned != "" {
				texts = append(texts, cleaned)
			}
		case openai.PartImage:
			img, err := f.loader.Load(part.ImageURL)
			if err != nil {
				return "", nil, err
			}
			images = append(images, img)
		}
	}
	return strings.Join(texts, "\n"), images, nil
}

// cleanText strips user-supplied placeholder tokens; placeholders are
// re-inserted programmatically during assembly.
func cleanText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, ImagePlaceholder, ""))
}

func hasInstruction(text string) bool {
	for _, marker := range instructionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
