package model

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// RustTokenizer wraps the HuggingFace rust tokenizer bindings.
type RustTokenizer struct {
	tk *tokenizers.Tokenizer
}

// LoadTokenizer loads a tokenizer.json from disk.
func LoadTokenizer(path string) (*RustTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer from %s: %w", path, err)
	}
	return &RustTokenizer{tk: tk}, nil
}

func (t *RustTokenizer) Encode(text string, addSpecialTokens bool) []uint32 {
	ids, _ := t.tk.Encode(text, addSpecialTokens)
	return ids
}

func (t *RustTokenizer) Decode(ids []uint32, skipSpecialTokens bool) string {
	return t.tk.Decode(ids, skipSpecialTokens)
}

func (t *RustTokenizer) Close() error {
	return t.tk.Close()
}
