package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	conversations *service.ConversationService
	debug         model.DebugResponse
	version       string
	checks        []Check
}

// NewHealthHandler creates a new health handler. debug is served as-is from
// /api/debug and must not contain secrets.
func NewHealthHandler(conversations *service.ConversationService, debug model.DebugResponse, version string, checks ...Check) *HealthHandler {
	debug.StoreVolatile = conversations.Volatile()
	return &HealthHandler{
		conversations: conversations,
		debug:         debug,
		version:       version,
		checks:        checks,
	}
}

// Health handles GET /health and GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &model.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.conversations.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store: " + err.Error(),
		})
		return
	}
	for _, c := range h.checks {
		if err := c.Fn(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": c.Name + ": " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Debug handles GET /api/debug
func (h *HealthHandler) Debug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &h.debug)
}
