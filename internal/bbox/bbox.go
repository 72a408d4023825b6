// Package bbox extracts bounding boxes from DeepSeek-OCR model output and
// renders them back onto the source image.
//
// The model emits boxes in its grounding format
// <|ref|>text<|/ref|><|det|>[[x1,y1,x2,y2]]<|/det|> or in the legacy format
// <ref>text</ref><box>[[x1,y1],[x2,y2]]</box>.
package bbox

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
)

// BoundingBox is a detected region expressed on the model's fixed 0-1000
// coordinate scale, independent of the actual image resolution.
type BoundingBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
	// Text is the reference text paired with the box, nil for standalone
	// detections. Standalone boxes serialize with an explicit null.
	Text *string `json:"text"`
}

var (
	refDetRe = regexp.MustCompile(`<\|ref\|>([^<]+)<\|/ref\|>\s*<\|det\|>\[\[\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\]\]<\|/det\|>`)
	detRe    = regexp.MustCompile(`<\|det\|>\[\[\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\]\]<\|/det\|>`)
	refBoxRe = regexp.MustCompile(`<ref>([^<]+)</ref>\s*<box>\[\[\s*(\d+)\s*,\s*(\d+)\s*\]\s*,\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]\]</box>`)
	boxRe    = regexp.MustCompile(`<box>\[\[\s*(\d+)\s*,\s*(\d+)\s*\]\s*,\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]\]</box>`)
)

// Extract returns all boxes found in text. The result is grouped by pattern
// type, not by textual position: grounding ref+det pairs first, then
// grounding standalone detections, then legacy ref+box pairs, then legacy
// standalone boxes, each group in appearance order. Callers that need
// positional order should use ExtractReadingOrder.
func Extract(text string) ([]BoundingBox, error) {
	var boxes []BoundingBox

	for _, m := range refDetRe.FindAllStringSubmatch(text, -1) {
		box, err := parseBox(m[2], m[3], m[4], m[5])
		if err != nil {
			return nil, err
		}
		ref := m[1]
		box.Text = &ref
		boxes = append(boxes, box)
	}

	// Standalone detections are matched against the text with the paired
	// spans removed, so the det half of a pair is never double-counted.
	withoutRefs := refDetRe.ReplaceAllString(text, "")
	for _, m := range detRe.FindAllStringSubmatch(withoutRefs, -1) {
		box, err := parseBox(m[1], m[2], m[3], m[4])
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}

	for _, m := range refBoxRe.FindAllStringSubmatch(text, -1) {
		box, err := parseBox(m[2], m[3], m[4], m[5])
		if err != nil {
			return nil, err
		}
		ref := m[1]
		box.Text = &ref
		boxes = append(boxes, box)
	}

	withoutPairs := refBoxRe.ReplaceAllString(withoutRefs, "")
	for _, m := range boxRe.FindAllStringSubmatch(withoutPairs, -1) {
		box, err := parseBox(m[1], m[2], m[3], m[4])
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}

	return boxes, nil
}

// ExtractReadingOrder returns the same boxes as Extract but ordered by
// their position in the text rather than grouped by pattern type.
func ExtractReadingOrder(text string) ([]BoundingBox, error) {
	type located struct {
		pos int
		box BoundingBox
	}
	var found []located

	var pairSpans [][2]int
	for _, pattern := range []*regexp.Regexp{refDetRe, refBoxRe} {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			box, err := parseBox(
				text[loc[4]:loc[5]], text[loc[6]:loc[7]],
				text[loc[8]:loc[9]], text[loc[10]:loc[11]],
			)
			if err != nil {
				return nil, err
			}
			ref := text[loc[2]:loc[3]]
			box.Text = &ref
			found = append(found, located{pos: loc[0], box: box})
			pairSpans = append(pairSpans, [2]int{loc[0], loc[1]})
		}
	}

	inPair := func(pos int) bool {
		for _, span := range pairSpans {
			if pos >= span[0] && pos < span[1] {
				return true
			}
		}
		return false
	}
	for _, pattern := range []*regexp.Regexp{detRe, boxRe} {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			if inPair(loc[0]) {
				continue
			}
			box, err := parseBox(
				text[loc[2]:loc[3]], text[loc[4]:loc[5]],
				text[loc[6]:loc[7]], text[loc[8]:loc[9]],
			)
			if err != nil {
				return nil, err
			}
			found = append(found, located{pos: loc[0], box: box})
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	boxes := make([]BoundingBox, len(found))
	for i, f := range found {
		boxes[i] = f.box
	}
	return boxes, nil
}

// StripTags removes all box markup from text: paired tags are replaced by
// their reference text, standalone tags are deleted. Whitespace left behind
// by deleted standalone tags is not collapsed.
func StripTags(text string) string {
	out := refDetRe.ReplaceAllString(text, "${1}")
	out = detRe.ReplaceAllString(out, "")
	out = refBoxRe.ReplaceAllString(out, "${1}")
	out = boxRe.ReplaceAllString(out, "")
	return out
}

// ToPixels maps the normalized coordinates to pixel space for an image of
// the given dimensions. Callers clamp to the image bounds themselves.
func (b BoundingBox) ToPixels(width, height int) (x1, y1, x2, y2 int) {
	return scaleCoord(b.X1, width), scaleCoord(b.Y1, height),
		scaleCoord(b.X2, width), scaleCoord(b.Y2, height)
}

func scaleCoord(c float32, dim int) int {
	return int(math.Round(float64(c) / 1000.0 * float64(dim)))
}

func parseBox(x1, y1, x2, y2 string) (BoundingBox, error) {
	coords := [4]float32{}
	for i, field := range []string{x1, y1, x2, y2} {
		v, err := strconv.Atoi(field)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("parse box coordinate %q: %w", field, err)
		}
		coords[i] = float32(v)
	}
	return BoundingBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
}
