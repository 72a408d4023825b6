// Package server wires the OpenAI-compatible HTTP surface for the OCR
// engine.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhengjr9/deepseek-ocr-server/internal/config"
	"github.com/zhengjr9/deepseek-ocr-server/internal/engine"
	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
	"github.com/zhengjr9/deepseek-ocr-server/internal/prompt"
)

// Server is the OCR HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server from the given config.
func New(cfg *config.Config, eng *engine.Engine, tok model.Tokenizer) *Server {
	h := &handler{
		engine:       eng,
		tok:          tok,
		flattener:    prompt.NewFlattener(prompt.NewImageLoader(cfg.FetchTimeout)),
		modelID:      cfg.ModelID,
		maxBodyBytes: cfg.MaxBodyBytes,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/models", h.models).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", h.chatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/v1/responses", h.responses).Methods(http.MethodPost)
	r.Use(loggingMiddleware, recoveryMiddleware)

	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     r,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 60 * time.Second,
			// No write timeout: generation streams can outlive any
			// fixed deadline.
			WriteTimeout: 0,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
