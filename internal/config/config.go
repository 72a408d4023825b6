package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr    string
	VisionModel   string
	DecoderModel  string
	TokenizerPath string
	ModelID       string

	BaseSize     int
	HiddenSize   int
	MaxNewTokens int
	EOSTokenID   int64
	ImageTokenID int64

	FetchTimeout time.Duration
	MaxBodyBytes int64
}

func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":8000"), "HTTP listen address")
	flag.StringVar(&cfg.VisionModel, "vision-model", getEnv("VISION_MODEL", "models/vision_encoder.onnx"), "Path to the vision encoder ONNX file")
	flag.StringVar(&cfg.DecoderModel, "decoder-model", getEnv("DECODER_MODEL", "models/decoder.onnx"), "Path to the decoder ONNX file")
	flag.StringVar(&cfg.TokenizerPath, "tokenizer", getEnv("TOKENIZER_PATH", "models/tokenizer.json"), "Path to the HuggingFace tokenizer.json")
	flag.StringVar(&cfg.ModelID, "model-id", getEnv("MODEL_ID", "deepseek-ocr"), "Model id served on the OpenAI-compatible endpoints")

	flag.IntVar(&cfg.BaseSize, "base-size", getEnvInt("BASE_SIZE", 1024), "Square resolution images are resampled to")
	flag.IntVar(&cfg.HiddenSize, "hidden-size", getEnvInt("HIDDEN_SIZE", 1280), "Hidden dimension of the image embeddings")
	flag.IntVar(&cfg.MaxNewTokens, "max-new-tokens", getEnvInt("MAX_NEW_TOKENS", 512), "Default cap on generated tokens per request")

	eos := getEnvInt("EOS_TOKEN_ID", 100001)
	imageTok := getEnvInt("IMAGE_TOKEN_ID", 100015)
	flag.Int64Var(&cfg.EOSTokenID, "eos-token-id", int64(eos), "End-of-sequence token id")
	flag.Int64Var(&cfg.ImageTokenID, "image-token-id", int64(imageTok), "Image placeholder token id")

	timeoutStr := getEnv("FETCH_TIMEOUT", "30s")
	defaultTimeout, _ := time.ParseDuration(timeoutStr)
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}
	flag.DurationVar(&cfg.FetchTimeout, "fetch-timeout", defaultTimeout, "Timeout for fetching remote image URLs")

	maxBody := getEnvInt("MAX_BODY_BYTES", 50*1024*1024)
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", int64(maxBody), "Request body size limit in bytes")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
