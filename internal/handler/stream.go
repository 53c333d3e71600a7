package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/transport"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// ConversationIDHeader tells the client which conversation a chat stream
// belongs to, including one created for the request.
const ConversationIDHeader = "X-Conversation-ID"

// StreamOptions configure how chat output is written.
type StreamOptions struct {
	// TransportMode is config.TransportEventStream or config.TransportSink.
	TransportMode string
	// Protocol is the default wire protocol when the request names none.
	Protocol     string
	Heartbeat    time.Duration
	WriteTimeout time.Duration
}

// StreamHandler handles the streaming chat endpoint.
type StreamHandler struct {
	chat   *service.ChatService
	client llm.Client
	opts   StreamOptions
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(chat *service.ChatService, client llm.Client, opts StreamOptions, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		chat:   chat,
		client: client,
		opts:   opts,
		logger: log,
	}
}

// Chat handles POST /api/chat
func (h *StreamHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, model.CodeInvalidRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, "invalid request body")
		return
	}

	ex, err := h.chat.Start(ctx, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	log := h.logger.FromContext(ctx, ex.ConversationID).With(zap.String("run_id", ex.Run.ID()))
	w.Header().Set(ConversationIDHeader, ex.ConversationID)
	enc := transport.NegotiateEncoder(r, h.opts.Protocol)

	finish := func(outcome transport.Outcome, err error) {
		state := ex.Finish(outcome)
		fields := []zap.Field{
			zap.String("outcome", outcome.String()),
			zap.String("state", state.String()),
			zap.String("protocol", enc.Name()),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Info("chat stream ended", fields...)
	}

	if h.opts.TransportMode == config.TransportSink {
		h.pump(w, r, ex, enc, finish)
		return
	}

	(&transport.EventStream{
		Run:          ex.Run,
		Encoder:      enc,
		Heartbeat:    h.opts.Heartbeat,
		WriteTimeout: h.opts.WriteTimeout,
		Logger:       log,
		OnDone:       finish,
	}).ServeHTTP(w, r)
}

// pump writes the run through a byte sink. Headers go out before the first
// event, so a provider failure arrives in-band as an error frame.
func (h *StreamHandler) pump(w http.ResponseWriter, r *http.Request, ex *service.Exchange, enc transport.Encoder, finish func(transport.Outcome, error)) {
	enc.SetHeaders(w.Header())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	outcome, err := transport.Pump(r.Context(), ex.Run, transport.NewResponseSink(w), enc)
	if outcome == transport.OutcomeFinished {
		if werr := ex.Run.Wait(r.Context()); werr != nil {
			err = fmt.Errorf("stream completed but run failed: %w", werr)
		}
	}
	finish(outcome, err)
}

// Models handles GET /api/models
func (h *StreamHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &model.ModelsResponse{
		Provider: h.client.Name(),
		Default:  h.client.DefaultModel(),
		Models:   h.client.Models(),
	})
}
