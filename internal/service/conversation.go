// Package service provides business logic for the chat relay.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store  store.Store
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		logger: log,
	}
}

// Create allocates a new, empty conversation. source labels the caller in
// metrics ("api", "chat", "invoke").
func (s *ConversationService) Create(ctx context.Context, source string) (string, error) {
	id, err := s.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create conversation: %w", model.ErrPersistenceFailure, err)
	}

	metrics.ConversationsTotal.WithLabelValues(source).Inc()
	s.logger.FromContext(ctx, id).Info("conversation created", zap.String("source", source))

	return id, nil
}

// Load returns the log for id. Unknown ids yield an empty log.
func (s *ConversationService) Load(ctx context.Context, id string) ([]model.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", model.ErrInvalidRequest)
	}
	if !model.ValidConversationID(id) {
		return nil, fmt.Errorf("%w: id exceeds %d bytes", model.ErrInvalidRequest, model.MaxConversationIDBytes)
	}

	messages, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load conversation: %w", model.ErrPersistenceFailure, err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// Volatile reports whether conversations are lost when the process exits.
func (s *ConversationService) Volatile() bool {
	return store.IsVolatile(s.store)
}

// Ping checks the backing store.
func (s *ConversationService) Ping(ctx context.Context) error {
	return store.Ping(ctx, s.store)
}
