// Package store persists conversation logs.
//
// Every backend keeps a conversation as one JSON document under one key, so
// Save is a single atomic replace and concurrent saves on the same id resolve
// as last-write-wins.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Store is the conversation storage capability.
type Store interface {
	// Create allocates a new conversation with an empty log.
	Create(ctx context.Context) (string, error)
	// Load returns the log for id. Unknown ids yield an empty log.
	Load(ctx context.Context, id string) ([]model.Message, error)
	// Save replaces the whole log for id.
	Save(ctx context.Context, id string, messages []model.Message) error
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by stores holding resources.
type Closer interface {
	Close() error
}

// NewID returns a fresh conversation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type volatile interface {
	Volatile() bool
}

type wrapper interface {
	Unwrap() Store
}

// IsVolatile reports whether s loses its contents when the process exits.
func IsVolatile(s Store) bool {
	for s != nil {
		if v, ok := s.(volatile); ok {
			return v.Volatile()
		}
		w, ok := s.(wrapper)
		if !ok {
			return false
		}
		s = w.Unwrap()
	}
	return false
}

// Ping checks s if it supports health checks.
func Ping(ctx context.Context, s Store) error {
	for s != nil {
		if p, ok := s.(Pinger); ok {
			return p.Ping(ctx)
		}
		w, ok := s.(wrapper)
		if !ok {
			return nil
		}
		s = w.Unwrap()
	}
	return nil
}

// Close releases s if it holds resources.
func Close(s Store) error {
	for s != nil {
		if c, ok := s.(Closer); ok {
			return c.Close()
		}
		w, ok := s.(wrapper)
		if !ok {
			return nil
		}
		s = w.Unwrap()
	}
	return nil
}

// EncodeLog serializes a log for storage.
func EncodeLog(messages []model.Message) ([]byte, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation: %w", err)
	}
	return data, nil
}

// DecodeLog parses a stored log. Empty input decodes to an empty log.
func DecodeLog(data []byte) ([]model.Message, error) {
	messages := []model.Message{}
	if len(data) == 0 {
		return messages, nil
	}
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}
