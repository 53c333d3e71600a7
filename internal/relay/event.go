package relay

import (
	"github.com/capitalize-ai/chat-relay/internal/model"
)

// EventType distinguishes the kinds of DeltaEvent.
type EventType string

const (
	EventText   EventType = "text"
	EventFinish EventType = "finish"
	EventError  EventType = "error"
)

// DeltaEvent is one unit of a response stream. A stream is zero or more text
// events followed by exactly one finish or error event.
type DeltaEvent struct {
	Type EventType

	// Text and Index are set on text events.
	Text  string
	Index int

	// Message, Usage and FinishReason are set on the finish event.
	Message      *model.Message
	Usage        model.Usage
	FinishReason string

	// Err, Code and Reason are set on the error event.
	Err    error
	Code   string
	Reason string
}

// Payload returns the wire body for the event.
func (e DeltaEvent) Payload() any {
	switch e.Type {
	case EventText:
		return &model.TokenEvent{Token: e.Text, Index: e.Index}
	case EventFinish:
		return &model.FinishEvent{FinishReason: e.FinishReason, Usage: e.Usage, Message: e.Message}
	default:
		return &model.ErrorEvent{Code: e.Code, Message: e.Reason}
	}
}
