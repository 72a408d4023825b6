package prompt

import (
	"bytes"
	"encoding/base64"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	// Raster decoders for inline and fetched images.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"

	"github.com/zhengjr9/deepseek-ocr-server/internal/apierr"
)

// ImageLoader resolves image payloads (data: URIs or remote http(s) URLs)
// into decoded raster images. Resolution happens eagerly, before the model
// lock is ever contended.
type ImageLoader struct {
	client *http.Client
}

func NewImageLoader(timeout time.Duration) *ImageLoader {
	return &ImageLoader{client: &http.Client{Timeout: timeout}}
}

// Load resolves one image URL. All failures are BadRequest: the URL is
// client input.
func (l *ImageLoader) Load(url string) (image.Image, error) {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		return loadDataURL(rest)
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return l.fetchRemote(url)
	}
	return nil, apierr.BadRequest("only data: URIs or http(s) image URLs are supported")
}

func loadDataURL(data string) (image.Image, error) {
	meta, payload, ok := strings.Cut(data, ",")
	if !ok {
		return nil, apierr.BadRequest("invalid data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, apierr.BadRequest("data URLs must specify base64 encoding")
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apierr.BadRequest("invalid base64 image payload: %s", err)
	}
	img, _, err := image.Decode(bytes.NewReader(decoded))
	if err != nil {
		return nil, apierr.BadRequest("failed to decode inline image: %s", err)
	}
	return img, nil
}

func (l *ImageLoader) fetchRemote(url string) (image.Image, error) {
	resp, err := l.client.Get(url)
	if err != nil {
		return nil, apierr.BadRequest("failed to fetch %s: %s", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.BadRequest("image request failed for %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.BadRequest("failed to read image body: %s", err)
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, apierr.BadRequest("failed to decode remote image: %s", err)
	}
	return img, nil
}
