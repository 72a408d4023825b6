// Package model hosts the inference collaborators: the OCR model itself and
// the tokenizer behind which all token-level work happens.
package model

import "image"

// ProgressFunc is invoked from the generation loop with the number of
// tokens emitted so far and the full generated-id buffer. It runs
// synchronously on the generation worker, while the model is held.
type ProgressFunc func(count int, ids []int64)

// Embedding is the projected representation of one input image: Tokens rows
// of Hidden floats, row-major.
type Embedding struct {
	Data   []float32
	Tokens int
	Hidden int
}

// GenerateOptions controls one generation run.
type GenerateOptions struct {
	MaxNewTokens int
	// ImagesSeqMask is true at the input positions occupied by image
	// embedding rows.
	ImagesSeqMask   []bool
	ImageEmbeddings []Embedding
	EOSTokenID      int64
	Progress        ProgressFunc
}

// Model generates token ids from a tokenized prompt and optional image
// embeddings. Implementations are not safe for concurrent use; the caller
// serializes access.
type Model interface {
	ComputeImageEmbeddings(images []image.Image) ([]Embedding, error)
	Generate(inputIDs []int64, opts GenerateOptions) ([]int64, error)
	EOSTokenID() int64
	ImageTokenID() int64
	Close() error
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, addSpecialTokens bool) []uint32
	Decode(ids []uint32, skipSpecialTokens bool) string
}
