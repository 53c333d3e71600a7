package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// maxChatBody caps a chat request: a long history of maximum-size messages.
const maxChatBody = 8 << 20

// RouterConfig wires handlers into a router.
type RouterConfig struct {
	Logger        *logger.Logger
	CORSOrigins   []string
	Conversations *ConversationHandler
	Stream        *StreamHandler
	Health        *HealthHandler
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, model.CodeInvalidRequest, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, model.CodeInvalidRequest, "method not allowed")
	})

	// Health endpoints
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Get("/api/health", cfg.Health.Health)
	r.Get("/api/debug", cfg.Health.Debug)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/create-chat", cfg.Conversations.Create)
	r.Get("/api/load-chat", cfg.Conversations.Load)
	r.Get("/api/models", cfg.Stream.Models)
	r.With(middleware.RequireJSON, middleware.MaxBodyBytes(maxChatBody)).
		Post("/api/chat", cfg.Stream.Chat)

	return r
}
