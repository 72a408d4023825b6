package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhengjr9/deepseek-ocr-server/internal/config"
	"github.com/zhengjr9/deepseek-ocr-server/internal/engine"
	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
	"github.com/zhengjr9/deepseek-ocr-server/internal/server"
)

func main() {
	cfg := config.Load()

	slog.Info("starting deepseek-ocr-server",
		"listen", cfg.ListenAddr,
		"vision_model", cfg.VisionModel,
		"decoder_model", cfg.DecoderModel,
		"model_id", cfg.ModelID,
	)

	tok, err := model.LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		slog.Error("failed to load tokenizer", "path", cfg.TokenizerPath, "error", err)
		os.Exit(1)
	}
	defer tok.Close()

	ocrModel, err := model.LoadORT(model.ORTConfig{
		VisionPath:   cfg.VisionModel,
		DecoderPath:  cfg.DecoderModel,
		BaseSize:     cfg.BaseSize,
		HiddenSize:   cfg.HiddenSize,
		EOSTokenID:   cfg.EOSTokenID,
		ImageTokenID: cfg.ImageTokenID,
	})
	if err != nil {
		slog.Error("failed to load model", "error", err)
		os.Exit(1)
	}
	defer ocrModel.Close()

	eng := engine.New(ocrModel, tok, cfg.MaxNewTokens)
	srv := server.New(cfg, eng, tok)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	case err := <-srvErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
