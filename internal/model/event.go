package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeCompleted     EventType = "completed"
	EventTypeError         EventType = "error"
	EventTypeTimeout       EventType = "timeout"
	EventTypePersistFailed EventType = "persist_failed"
)

// ConversationEvent is published for runs worth recording outside the store.
// Persist-failed events carry the full log that could not be saved.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Messages       []Message      `json:"messages,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
