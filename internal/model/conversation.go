// Package model defines data structures for the chat relay.
package model

import (
	"time"
)

// CreateConversationResponse is returned by POST /api/create-chat.
type CreateConversationResponse struct {
	ID string `json:"id"`
}

// LoadConversationResponse is returned by GET /api/load-chat.
type LoadConversationResponse struct {
	Messages []Message `json:"messages"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// DebugResponse reports configuration presence without exposing secrets.
type DebugResponse struct {
	Provider        string `json:"provider"`
	HasOpenAIKey    bool   `json:"has_openai_key"`
	HasAnthropicKey bool   `json:"has_anthropic_key"`
	StoreBackend    string `json:"store_backend"`
	StoreVolatile   bool   `json:"store_volatile"`
	TransportMode   string `json:"transport_mode"`
	StreamProtocol  string `json:"stream_protocol"`
	EventsEnabled   bool   `json:"events_enabled"`
}

// ModelsResponse lists the models offered by the configured provider.
type ModelsResponse struct {
	Provider string   `json:"provider"`
	Default  string   `json:"default"`
	Models   []string `json:"models"`
}
