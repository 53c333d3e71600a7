package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/relay"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// EventStream serves a run as a streaming HTTP response.
//
// The first event is read before any header is written, so a provider that
// fails before producing output yields a 502 JSON error instead of an empty
// stream. After the finish event the handler waits for the run's finish
// callback, bounded by the request context, so a client that sees the
// response end can immediately load the saved conversation.
type EventStream struct {
	Run     *relay.Run
	Encoder Encoder
	// Heartbeat is the keep-alive interval. Zero disables keep-alives.
	Heartbeat time.Duration
	// WriteTimeout bounds each frame write. Zero leaves the server's deadline.
	WriteTimeout time.Duration
	Logger       *logger.Logger
	// OnDone, if set, receives the outcome when ServeHTTP returns.
	OnDone func(Outcome, error)
}

// ServeHTTP implements http.Handler.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.serve(w, r)
	if s.OnDone != nil {
		s.OnDone(outcome, err)
	}
}

func (s *EventStream) serve(w http.ResponseWriter, r *http.Request) (Outcome, error) {
	ctx := r.Context()
	log := s.Logger
	if log == nil {
		log = logger.NewNop()
	}

	events, err := s.Run.Events()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return OutcomeFailed, err
	}
	defer s.Run.Detach()

	var (
		first relay.DeltaEvent
		ok    bool
	)
	select {
	case first, ok = <-events:
	case <-ctx.Done():
		metrics.RecordDetach("client_gone")
		return OutcomeDetached, ctx.Err()
	}
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, model.CodeInternal, "stream ended without output")
		return OutcomeFailed, errors.New("stream ended without output")
	}
	if first.Type == relay.EventError {
		writeJSONError(w, http.StatusBadGateway, first.Code, first.Reason)
		return OutcomeFailed, first.Err
	}

	h := w.Header()
	s.Encoder.SetHeaders(h)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementStreams()
	defer metrics.DecrementStreams()

	rc := http.NewResponseController(w)
	write := func(frame func() error) error {
		if s.WriteTimeout > 0 {
			if err := rc.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
		}
		if err := frame(); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	var tick <-chan time.Time
	if s.Heartbeat > 0 {
		ticker := time.NewTicker(s.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	ev := first
	for {
		if err := write(func() error { return s.Encoder.Encode(w, ev) }); err != nil {
			metrics.RecordDetach("write_error")
			log.Info("client write failed, detaching from run", zap.Error(err))
			return OutcomeDetached, fmt.Errorf("%w: %w", model.ErrTransportFailure, err)
		}

		switch ev.Type {
		case relay.EventFinish:
			if err := s.Run.Wait(ctx); err != nil {
				log.Warn("run finished with error after stream completed", zap.Error(err))
			}
			return OutcomeFinished, nil
		case relay.EventError:
			return OutcomeFailed, ev.Err
		}

	next:
		for {
			select {
			case ev, ok = <-events:
				if !ok {
					return OutcomeDetached, nil
				}
				break next
			case <-tick:
				if err := write(func() error { return s.Encoder.KeepAlive(w) }); err != nil {
					metrics.RecordDetach("write_error")
					return OutcomeDetached, fmt.Errorf("%w: %w", model.ErrTransportFailure, err)
				}
			case <-ctx.Done():
				metrics.RecordDetach("client_gone")
				log.Info("client disconnected, run continues")
				return OutcomeDetached, ctx.Err()
			}
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
