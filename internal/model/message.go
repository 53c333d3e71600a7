package model

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation log.
type Message struct {
	ID          string          `json:"id,omitempty"`
	Role        Role            `json:"role" validate:"required,oneof=user assistant system"`
	Content     string          `json:"content" validate:"maxbytes"`
	Attachments json.RawMessage `json:"attachments,omitempty"`

	// LLM metadata, set on assistant messages produced by the relay
	Model      *string `json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// CloneMessages returns a copy of msgs that shares no backing array with it.
// Attachment payloads are copied too.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Attachments != nil {
			out[i].Attachments = append(json.RawMessage(nil), out[i].Attachments...)
		}
	}
	return out
}

// TokenEvent carries one text fragment on the wire.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// Usage reports token counts for a finished run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// FinishEvent marks the successful end of a response stream.
type FinishEvent struct {
	FinishReason string   `json:"finish_reason"`
	Usage        Usage    `json:"usage"`
	Message      *Message `json:"message,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
