// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/create-chat
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.Create(r.Context(), "api")
	if err != nil {
		h.logger.FromContext(r.Context(), "").Error("failed to create conversation", zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.CreateConversationResponse{ID: id})
}

// Load handles GET /api/load-chat?id=
func (h *ConversationHandler) Load(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	messages, err := h.service.Load(r.Context(), id)
	if err != nil {
		if model.ErrorCode(err) != model.CodeInvalidRequest {
			h.logger.FromContext(r.Context(), id).Error("failed to load conversation", zap.Error(err))
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.LoadConversationResponse{Messages: messages})
}
