// Package transport writes relay runs to clients, either as a streaming HTTP
// response or through a caller-supplied byte sink.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/capitalize-ai/chat-relay/internal/relay"
)

// Protocol names accepted by NegotiateEncoder.
const (
	ProtocolSSE  = "sse"
	ProtocolData = "data"
)

// Encoder frames DeltaEvents for the wire. Each Encode call writes one
// complete frame.
type Encoder interface {
	Name() string
	SetHeaders(h http.Header)
	Encode(w io.Writer, ev relay.DeltaEvent) error
	KeepAlive(w io.Writer) error
}

// NewEncoder returns the encoder for protocol, defaulting to SSE.
func NewEncoder(protocol string) Encoder {
	if protocol == ProtocolData {
		return DataStreamEncoder{}
	}
	return SSEEncoder{}
}

// NegotiateEncoder picks an encoder from the ?protocol= query parameter, then
// the Accept header, then fallback.
func NegotiateEncoder(r *http.Request, fallback string) Encoder {
	switch r.URL.Query().Get("protocol") {
	case ProtocolSSE:
		return SSEEncoder{}
	case ProtocolData:
		return DataStreamEncoder{}
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return SSEEncoder{}
	}
	return NewEncoder(fallback)
}

// SSEEncoder writes Server-Sent Events, one named event per DeltaEvent.
type SSEEncoder struct{}

func (SSEEncoder) Name() string { return ProtocolSSE }

func (SSEEncoder) SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
}

func (SSEEncoder) Encode(w io.Writer, ev relay.DeltaEvent) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (SSEEncoder) KeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}

// DataStreamEncoder writes the line protocol used by AI SDK web clients:
// 0: text parts, 3: errors, d: the finish message.
type DataStreamEncoder struct{}

func (DataStreamEncoder) Name() string { return ProtocolData }

func (DataStreamEncoder) SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Vercel-AI-Data-Stream", "v1")
}

type dataStreamUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type dataStreamFinish struct {
	FinishReason string          `json:"finishReason"`
	Usage        dataStreamUsage `json:"usage"`
}

func (DataStreamEncoder) Encode(w io.Writer, ev relay.DeltaEvent) error {
	var (
		prefix string
		body   any
	)
	switch ev.Type {
	case relay.EventText:
		prefix, body = "0", ev.Text
	case relay.EventError:
		// The line protocol carries a bare string, so the code leads it.
		msg := ev.Reason
		if ev.Code != "" {
			msg = ev.Code + ": " + ev.Reason
		}
		prefix, body = "3", msg
	case relay.EventFinish:
		reason := ev.FinishReason
		if reason == "" {
			reason = "unknown"
		}
		prefix, body = "d", dataStreamFinish{
			FinishReason: reason,
			Usage: dataStreamUsage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.CompletionTokens,
			},
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s:%s\n", prefix, data)
	return err
}

// KeepAlive is a no-op; the line protocol has no comment frame.
func (DataStreamEncoder) KeepAlive(w io.Writer) error {
	return nil
}
