package prompt

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengjr9/deepseek-ocr-server/internal/apierr"
	"github.com/zhengjr9/deepseek-ocr-server/internal/openai"
)

func testDataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestFlattener() *Flattener {
	return NewFlattener(NewImageLoader(5 * time.Second))
}

func textMessage(role, text string) openai.Message {
	return openai.Message{Role: role, Content: openai.Content{Text: text}}
}

func TestFlattenRequiresUserMessage(t *testing.T) {
	_, err := newTestFlattener().Flatten([]openai.Message{
		textMessage("system", "you are an OCR engine"),
		textMessage("assistant", "ok"),
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindBadRequest, apierr.Classify(err).Kind)
}

func TestFlattenRejectsEmptyContent(t *testing.T) {
	_, err := newTestFlattener().Flatten([]openai.Message{textMessage("user", "   ")})
	require.Error(t, err)
	assert.Equal(t, apierr.KindBadRequest, apierr.Classify(err).Kind)
}

func TestFlattenTextOnly(t *testing.T) {
	req, err := newTestFlattener().Flatten([]openai.Message{textMessage("user", "What is this?")})
	require.NoError(t, err)
	assert.Equal(t, "<|User|>\nWhat is this?\n<|Assistant|>\n", req.Prompt)
	assert.Empty(t, req.Images)
	assert.NotContains(t, req.Prompt, ImagePlaceholder)
	// No images, so no grounding auto-injection either.
	assert.NotContains(t, req.Prompt, "<|grounding|>")
}

func TestFlattenUsesLastUserTurn(t *testing.T) {
	req, err := newTestFlattener().Flatten([]openai.Message{
		textMessage("user", "first"),
		textMessage("assistant", "reply"),
		textMessage("user", "second"),
	})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "second")
	assert.NotContains(t, req.Prompt, "first")
	assert.NotContains(t, req.Prompt, "reply")
}

func TestFlattenCollectsSystemText(t *testing.T) {
	req, err := newTestFlattener().Flatten([]openai.Message{
		textMessage("system", "etiquette"),
		textMessage("user", "question"),
	})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "etiquette\n\nquestion")
}

func TestFlattenWithImages(t *testing.T) {
	url := testDataURL(t)
	req, err := newTestFlattener().Flatten([]openai.Message{{
		Role: "user",
		Content: openai.Content{IsParts: true, Parts: []openai.Part{
			{Type: openai.PartImage, ImageURL: url},
			{Type: openai.PartImage, ImageURL: url},
			{Type: openai.PartText, Text: "Read the receipt"},
		}},
	}})
	require.NoError(t, err)
	require.Len(t, req.Images, 2)
	// Exactly one placeholder per image, contiguous at the head of the turn.
	assert.True(t, strings.HasPrefix(req.Prompt, "<|User|>\n<image><image>\n"))
	assert.Equal(t, 2, strings.Count(req.Prompt, ImagePlaceholder))
	// No recognized instruction, so the grounding directive is injected.
	assert.Contains(t, req.Prompt, "<|grounding|>Read the receipt")
}

func TestFlattenRecognizedInstructionSkipsGrounding(t *testing.T) {
	url := testDataURL(t)
	req, err := newTestFlattener().Flatten([]openai.Message{{
		Role: "user",
		Content: openai.Content{IsParts: true, Parts: []openai.Part{
			{Type: openai.PartImage, ImageURL: url},
			{Type: openai.PartText, Text: "Free OCR"},
		}},
	}})
	require.NoError(t, err)
	assert.NotContains(t, req.Prompt, "<|grounding|>")
	assert.Contains(t, req.Prompt, "Free OCR")
}

func TestFlattenImageOnlyGetsDefaultDirective(t *testing.T) {
	req, err := newTestFlattener().Flatten([]openai.Message{{
		Role: "user",
		Content: openai.Content{IsParts: true, Parts: []openai.Part{
			{Type: openai.PartImage, ImageURL: testDataURL(t)},
		}},
	}})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "<|grounding|>Convert the document to markdown.")
}

func TestFlattenStripsSuppliedPlaceholders(t *testing.T) {
	req, err := newTestFlattener().Flatten([]openai.Message{{
		Role: "user",
		Content: openai.Content{IsParts: true, Parts: []openai.Part{
			{Type: openai.PartImage, ImageURL: testDataURL(t)},
			{Type: openai.PartText, Text: "<image> Parse the figure <image>"},
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, len(req.Images), strings.Count(req.Prompt, ImagePlaceholder))
}

func TestLoadRejectsUnsupportedScheme(t *testing.T) {
	_, err := NewImageLoader(time.Second).Load("ftp://example.com/a.png")
	require.Error(t, err)
	assert.Equal(t, apierr.KindBadRequest, apierr.Classify(err).Kind)
}

func TestLoadRejectsMalformedDataURL(t *testing.T) {
	loader := NewImageLoader(time.Second)

	_, err := loader.Load("data:image/png;base64")
	assert.Error(t, err)

	_, err = loader.Load("data:image/png,plaintext")
	assert.Error(t, err)

	_, err = loader.Load("data:image/png;base64,!!!not-base64!!!")
	assert.Error(t, err)

	_, err = loader.Load("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("not an image")))
	assert.Error(t, err)
}

func TestLoadFetchesRemoteImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	img, err := NewImageLoader(5 * time.Second).Load(srv.URL + "/page.png")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

func TestLoadRemoteFailureIsBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewImageLoader(time.Second).Load(srv.URL + "/missing.png")
	require.Error(t, err)
	assert.Equal(t, apierr.KindBadRequest, apierr.Classify(err).Kind)
}
