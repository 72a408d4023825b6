package bbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Box outlines cycle through this palette by index.
var palette = []color.RGBA{
	{R: 255, A: 255},                 // red
	{G: 255, A: 255},                 // green
	{B: 255, A: 255},                 // blue
	{R: 255, G: 255, A: 255},         // yellow
	{R: 255, B: 255, A: 255},         // magenta
	{G: 255, B: 255, A: 255},         // cyan
}

// Annotate draws the boxes over src and returns the annotated copy. Each box
// is a 2px hollow rectangle with an index label (plus the reference text when
// present) above its top-left corner.
func Annotate(src image.Image, boxes []BoundingBox) *image.RGBA {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), src, bounds.Min, draw.Src)

	for i, box := range boxes {
		col := palette[i%len(palette)]
		x1, y1, x2, y2 := box.ToPixels(width, height)
		x1 = clamp(x1, 0, width-1)
		y1 = clamp(y1, 0, height-1)
		x2 = clamp(x2, 0, width)
		y2 = clamp(y2, 0, height)
		w := max(x2-x1, 1)
		h := max(y2-y1, 1)

		drawHollowRect(img, x1, y1, w, h, col)
		// Second rectangle one pixel out fakes a 2px stroke.
		if x1 > 0 && y1 > 0 {
			drawHollowRect(img, x1-1, y1-1, w+2, h+2, col)
		}

		label := fmt.Sprintf("%d", i+1)
		if box.Text != nil {
			label = fmt.Sprintf("%d: %s", i+1, *box.Text)
		}
		drawLabel(img, x1, max(y1-20, 0), label, col)
	}
	return img
}

// EncodeJPEGBase64 returns the image as a base64-encoded JPEG.
func EncodeJPEGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return "", fmt.Errorf("encode annotated image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func drawHollowRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	for dx := 0; dx < w; dx++ {
		img.SetRGBA(x+dx, y, col)
		img.SetRGBA(x+dx, y+h-1, col)
	}
	for dy := 0; dy < h; dy++ {
		img.SetRGBA(x, y+dy, col)
		img.SetRGBA(x+w-1, y+dy, col)
	}
}

// drawLabel renders label with its top edge at y, never above the image top.
func drawLabel(img *image.RGBA, x, y int, label string, col color.RGBA) {
	face := basicfont.Face7x13
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(label)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
