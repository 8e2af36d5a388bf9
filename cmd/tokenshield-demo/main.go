// Command tokenshield-demo runs a small OpenAI-compatible HTTP front end
// over a single Shield instance, so the interception layer can be
// exercised end to end without a real upstream provider. The provider
// call itself is a fake in-process echo, standing in for whatever
// GenerateFunc/StreamFunc a real integration would supply.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokenshield/tokenshield"
	"github.com/tokenshield/tokenshield/pkg/circuitbreaker"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("TOKENSHIELD_CONFIG_DIR")
	shield, err := tokenshield.New(configPath)
	if err != nil {
		fmt.Printf("failed to initialize tokenshield: %v\n", err)
		os.Exit(1)
	}
	defer shield.Close()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	h := &demoHandler{
		shield:   shield,
		logger:   logger,
		breakers: circuitbreaker.NewManager(5, 30*time.Second),
	}
	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(shield.Metrics().Registry, promhttp.HandlerOpts{}))
	r.Post("/v1/chat/completions", h.chatCompletions)

	port := os.Getenv("TOKENSHIELD_DEMO_PORT")
	if port == "" {
		port = "8090"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("tokenshield-demo server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Info("request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type demoHandler struct {
	shield   *tokenshield.Shield
	logger   *zap.Logger
	breakers *circuitbreaker.Manager
}

type chatRequest struct {
	Model    string                `json:"model"`
	User     string                `json:"user"`
	Stream   bool                  `json:"stream"`
	Messages []tokenshield.Message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Cached  bool   `json:"cached"`
	Choices []struct {
		Message tokenshield.Message `json:"message"`
	} `json:"choices"`
	Usage tokenshield.Usage `json:"usage"`
}

func (h *demoHandler) health(w http.ResponseWriter, r *http.Request) {
	health := h.shield.HealthCheck()
	w.Header().Set("Content-Type", "application/json")
	if !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (h *demoHandler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := tokenshield.Params{
		Model:    req.Model,
		UserID:   req.User,
		Messages: req.Messages,
	}

	if req.Stream {
		h.streamChat(w, r, params)
		return
	}

	if h.breakers.IsOpen(req.Model) {
		http.Error(w, "upstream provider circuit open for "+req.Model, http.StatusServiceUnavailable)
		return
	}

	result, err := h.shield.Generate(r.Context(), params, h.guardedGenerate(req.Model))
	if err != nil {
		writeShieldError(w, err)
		return
	}

	resp := chatResponse{Model: req.Model, Cached: result.Cached, Usage: result.Usage}
	resp.Choices = append(resp.Choices, struct {
		Message tokenshield.Message `json:"message"`
	}{Message: tokenshield.Message{Role: tokenshield.RoleAssistant, Content: result.Text}})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *demoHandler) streamChat(w http.ResponseWriter, r *http.Request, params tokenshield.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if h.breakers.IsOpen(params.Model) {
		http.Error(w, "upstream provider circuit open for "+params.Model, http.StatusServiceUnavailable)
		return
	}

	stream, err := h.shield.Stream(r.Context(), params, h.guardedStream(params.Model))
	if err != nil {
		writeShieldError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		chunk, done, err := stream.Next(ctx)
		if err != nil {
			stream.Cancel()
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			flusher.Flush()
			return
		}
		if chunk != "" {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

// guardedGenerate wraps fakeGenerate with the per-model circuit breaker:
// a run of consecutive upstream failures trips the breaker so further
// calls to that model fail fast instead of piling onto a down provider.
func (h *demoHandler) guardedGenerate(model string) tokenshield.GenerateFunc {
	return func(ctx context.Context, params tokenshield.Params) (tokenshield.GenerateResult, error) {
		result, err := fakeGenerate(ctx, params)
		if err != nil {
			h.breakers.RecordFailure(model)
			return result, err
		}
		h.breakers.RecordSuccess(model)
		return result, nil
	}
}

func (h *demoHandler) guardedStream(model string) tokenshield.StreamFunc {
	return func(ctx context.Context, params tokenshield.Params) (tokenshield.ChunkReader, error) {
		reader, err := fakeStream(ctx, params)
		if err != nil {
			h.breakers.RecordFailure(model)
			return reader, err
		}
		h.breakers.RecordSuccess(model)
		return reader, nil
	}
}

func writeShieldError(w http.ResponseWriter, err error) {
	if blocked, ok := tokenshield.IsBlocked(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":        blocked.Error(),
				"reason":         blocked.Reason,
				"estimated_cost": blocked.EstimatedCost,
			},
		})
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

// fakeGenerate stands in for a real provider call: it echoes the last
// user message back, prefixed, so the demo is runnable with no API
// keys or network access.
func fakeGenerate(ctx context.Context, params tokenshield.Params) (tokenshield.GenerateResult, error) {
	prompt := lastUserContent(params.Messages)
	text := "echo: " + prompt
	return tokenshield.GenerateResult{
		Text:         text,
		Usage:        tokenshield.Usage{PromptTokens: len(prompt) / 4, CompletionTokens: len(text) / 4},
		FinishReason: "stop",
	}, nil
}

type fakeReader struct {
	words []string
	idx   int
}

func (f *fakeReader) Next(ctx context.Context) (string, bool, error) {
	if f.idx >= len(f.words) {
		return "", true, nil
	}
	w := f.words[f.idx]
	f.idx++
	return w, f.idx >= len(f.words), nil
}

func fakeStream(ctx context.Context, params tokenshield.Params) (tokenshield.ChunkReader, error) {
	prompt := lastUserContent(params.Messages)
	words := strings.Fields("echo " + prompt)
	for i, w := range words {
		words[i] = w + " "
	}
	return &fakeReader{words: words}, nil
}

func lastUserContent(messages []tokenshield.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == tokenshield.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
