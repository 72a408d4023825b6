package model

import (
	"errors"
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	xdraw "golang.org/x/image/draw"
)

// ORTConfig describes the ONNX export of the model.
type ORTConfig struct {
	// VisionPath is the vision encoder: pixel_values (1,3,S,S) ->
	// image_embeds (1,tokens,hidden).
	VisionPath string
	// DecoderPath is the language decoder: input_ids (1,L),
	// images_seq_mask (1,L), image_embeds (1,N,hidden) -> logits
	// (1,L,vocab).
	DecoderPath string
	// BaseSize is the square resolution images are resampled to before
	// encoding.
	BaseSize     int
	HiddenSize   int
	EOSTokenID   int64
	ImageTokenID int64
}

// ORTModel drives the DeepSeek-OCR ONNX export through onnxruntime: a
// vision encoder session projecting pixel inputs to embedding rows and a
// decoder session sampled greedily one token per step.
type ORTModel struct {
	vision  *ort.DynamicAdvancedSession
	decoder *ort.DynamicAdvancedSession
	cfg     ORTConfig
}

// LoadORT initializes the onnxruntime environment (once per process) and
// opens both sessions.
func LoadORT(cfg ORTConfig) (*ORTModel, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	vision, err := ort.NewDynamicAdvancedSession(cfg.VisionPath,
		[]string{"pixel_values"}, []string{"image_embeds"}, nil)
	if err != nil {
		return nil, fmt.Errorf("open vision encoder %s: %w", cfg.VisionPath, err)
	}
	decoder, err := ort.NewDynamicAdvancedSession(cfg.DecoderPath,
		[]string{"input_ids", "images_seq_mask", "image_embeds"}, []string{"logits"}, nil)
	if err != nil {
		_ = vision.Destroy()
		return nil, fmt.Errorf("open decoder %s: %w", cfg.DecoderPath, err)
	}

	return &ORTModel{vision: vision, decoder: decoder, cfg: cfg}, nil
}

func (m *ORTModel) EOSTokenID() int64   { return m.cfg.EOSTokenID }
func (m *ORTModel) ImageTokenID() int64 { return m.cfg.ImageTokenID }

func (m *ORTModel) Close() error {
	return errors.Join(m.vision.Destroy(), m.decoder.Destroy())
}

// ComputeImageEmbeddings runs the vision encoder over each image in turn.
func (m *ORTModel) ComputeImageEmbeddings(images []image.Image) ([]Embedding, error) {
	embeddings := make([]Embedding, 0, len(images))
	for i, img := range images {
		pixels := preprocess(img, m.cfg.BaseSize)
		size := int64(m.cfg.BaseSize)
		input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), pixels)
		if err != nil {
			return nil, fmt.Errorf("pixel tensor for image %d: %w", i, err)
		}
		outputs := make([]ort.Value, 1)
		runErr := m.vision.Run([]ort.Value{input}, outputs)
		_ = input.Destroy()
		if runErr != nil {
			return nil, fmt.Errorf("vision encoder on image %d: %w", i, runErr)
		}
		out, ok := outputs[0].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("vision encoder returned unexpected output type %T", outputs[0])
		}
		shape := out.GetShape()
		emb := Embedding{
			Data:   append([]float32(nil), out.GetData()...),
			Tokens: int(shape[1]),
			Hidden: int(shape[2]),
		}
		_ = out.Destroy()
		embeddings = append(embeddings, emb)
	}
	return embeddings, nil
}

// Generate greedily decodes up to MaxNewTokens ids, invoking the progress
// callback after each accepted token. The returned slice holds only the
// generated ids, without the prompt and without the EOS id.
//
// TODO: switch to the decoder_with_past export so each step feeds one token
// instead of re-running the full sequence.
func (m *ORTModel) Generate(inputIDs []int64, opts GenerateOptions) ([]int64, error) {
	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 512
	}

	seq := append([]int64(nil), inputIDs...)
	mask := append([]bool(nil), opts.ImagesSeqMask...)
	if len(mask) != len(seq) {
		return nil, fmt.Errorf("images_seq_mask length %d does not match input length %d", len(mask), len(seq))
	}
	embeds, embedTokens, err := flattenEmbeddings(opts.ImageEmbeddings, m.cfg.HiddenSize)
	if err != nil {
		return nil, err
	}

	var generated []int64
	for step := 0; step < maxNew; step++ {
		next, err := m.decodeStep(seq, mask, embeds, embedTokens)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", step, err)
		}
		if next == opts.EOSTokenID {
			break
		}
		seq = append(seq, next)
		mask = append(mask, false)
		generated = append(generated, next)
		if opts.Progress != nil {
			opts.Progress(len(generated), generated)
		}
	}
	return generated, nil
}

// decodeStep runs the decoder over the full sequence and returns the argmax
// of the final logit row.
func (m *ORTModel) decodeStep(seq []int64, mask []bool, embeds []float32, embedTokens int) (int64, error) {
	seqLen := int64(len(seq))
	idsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), append([]int64(nil), seq...))
	if err != nil {
		return 0, fmt.Errorf("input_ids tensor: %w", err)
	}
	maskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), append([]bool(nil), mask...))
	if err != nil {
		_ = idsTensor.Destroy()
		return 0, fmt.Errorf("images_seq_mask tensor: %w", err)
	}
	embedTensor, err := ort.NewTensor(
		ort.NewShape(1, int64(embedTokens), int64(m.cfg.HiddenSize)), embeds)
	if err != nil {
		_ = idsTensor.Destroy()
		_ = maskTensor.Destroy()
		return 0, fmt.Errorf("image_embeds tensor: %w", err)
	}

	outputs := make([]ort.Value, 1)
	runErr := m.decoder.Run([]ort.Value{idsTensor, maskTensor, embedTensor}, outputs)
	_ = idsTensor.Destroy()
	_ = maskTensor.Destroy()
	_ = embedTensor.Destroy()
	if runErr != nil {
		return 0, runErr
	}

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("decoder returned unexpected output type %T", outputs[0])
	}
	defer logitsTensor.Destroy()
	shape := logitsTensor.GetShape()
	vocab := int(shape[len(shape)-1])
	logits := logitsTensor.GetData()
	if len(logits) < vocab {
		return 0, fmt.Errorf("logits output too small: %d values for vocab %d", len(logits), vocab)
	}
	return argmax(logits[len(logits)-vocab:]), nil
}

// flattenEmbeddings concatenates all embedding rows into one backing slice.
// With no images it returns a single zero row; the decoder never reads it
// because the mask marks no image positions.
func flattenEmbeddings(embeddings []Embedding, hidden int) ([]float32, int, error) {
	if len(embeddings) == 0 {
		return make([]float32, hidden), 1, nil
	}
	total := 0
	for i, emb := range embeddings {
		if emb.Hidden != hidden {
			return nil, 0, fmt.Errorf("embedding %d has hidden size %d, expected %d", i, emb.Hidden, hidden)
		}
		total += emb.Tokens
	}
	flat := make([]float32, 0, total*hidden)
	for _, emb := range embeddings {
		flat = append(flat, emb.Data...)
	}
	return flat, total, nil
}

func argmax(logits []float32) int64 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int64(best)
}

// preprocess resamples the image to a size x size square and normalizes it
// into CHW planes on [-1, 1].
func preprocess(img image.Image, size int) []float32 {
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	out := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			i := y*size + x
			out[i] = (float32(r)/65535 - 0.5) / 0.5
			out[plane+i] = (float32(g)/65535 - 0.5) / 0.5
			out[2*plane+i] = (float32(b)/65535 - 0.5) / 0.5
		}
	}
	return out
}
