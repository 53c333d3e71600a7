package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/relay"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/internal/transport"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// publishTimeout bounds a single event publish.
const publishTimeout = 5 * time.Second

// EventSink receives conversation events. nats.StreamManager implements it.
type EventSink interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// LogSink is the EventSink used when no event stream is configured. It only
// logs; dead-lettered logs are written out in full so they can be recovered.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.With(zap.String("component", "events"))}
}

// PublishEvent logs event.
func (s *LogSink) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("conversation_id", event.ConversationID),
		zap.String("type", string(event.Type)),
		zap.String("reason", event.Reason),
	}
	if event.Type == model.EventTypePersistFailed {
		s.logger.Error("conversation dead-lettered", append(fields, zap.Any("messages", event.Messages))...)
		return 0, nil
	}
	s.logger.Info("conversation event", fields...)
	return 0, nil
}

// State is the lifecycle of one chat request.
type State int32

const (
	StateValidating State = iota
	StateRelaying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateRelaying:
		return "relaying"
	case StateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Exchange is one accepted chat request.
type Exchange struct {
	ConversationID string
	Run            *relay.Run

	state atomic.Int32
}

// State returns the exchange's current state.
func (e *Exchange) State() State {
	return State(e.state.Load())
}

// Finish records what the transport observed and returns the resulting
// state. A detached client still counts as completed; the run and its
// persistence carry on regardless. Only the first call has an effect.
func (e *Exchange) Finish(outcome transport.Outcome) State {
	next := StateCompleted
	if outcome == transport.OutcomeFailed {
		next = StateFailed
	}
	e.state.CompareAndSwap(int32(StateRelaying), int32(next))
	return e.State()
}

// ChatService validates chat requests, starts relay runs, and saves the
// finished conversation.
type ChatService struct {
	conversations *ConversationService
	store         store.Store
	relay         *relay.Relay
	events        EventSink
	logger        *logger.Logger

	wg sync.WaitGroup
}

// NewChatService creates a chat service. events may be nil.
func NewChatService(
	conversations *ConversationService,
	st store.Store,
	r *relay.Relay,
	events EventSink,
	log *logger.Logger,
) *ChatService {
	if events == nil {
		events = NewLogSink(log)
	}
	return &ChatService{
		conversations: conversations,
		store:         st,
		relay:         r,
		events:        events,
		logger:        log.With(zap.String("component", "chat")),
	}
}

// Start validates req and starts a relay run for it. A missing id gets a
// fresh conversation. The run's result is saved under the id once the
// provider finishes, whether or not anyone is still reading the stream.
func (s *ChatService) Start(ctx context.Context, req *model.ChatRequest) (*Exchange, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		created, err := s.conversations.Create(ctx, "chat")
		if err != nil {
			return nil, err
		}
		id = created
	}

	log := s.logger.FromContext(ctx, id)
	ex := &Exchange{ConversationID: id}
	ex.state.Store(int32(StateRelaying))

	run, err := s.relay.Start(ctx, req.Messages, s.saveFunc(id, log))
	if err != nil {
		return nil, err
	}
	ex.Run = run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.observe(context.WithoutCancel(ctx), id, run, log)
	}()

	log.Info("chat run started", zap.String("run_id", run.ID()), zap.Int("messages", len(req.Messages)))
	return ex, nil
}

// Shutdown waits for in-flight runs, their saves, and the events they
// publish.
func (s *ChatService) Shutdown(ctx context.Context) error {
	err := s.relay.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *ChatService) saveFunc(id string, log *logger.Logger) relay.FinishFunc {
	return func(ctx context.Context, messages []model.Message) error {
		if err := s.store.Save(ctx, id, messages); err != nil {
			log.Error("failed to save conversation", zap.Error(err), zap.Int("messages", len(messages)))
			s.publish(ctx, &model.ConversationEvent{
				ConversationID: id,
				Type:           model.EventTypePersistFailed,
				Reason:         err.Error(),
				Messages:       messages,
			}, log)
			if !errors.Is(err, model.ErrPersistenceFailure) {
				err = fmt.Errorf("%w: %w", model.ErrPersistenceFailure, err)
			}
			return err
		}
		log.Debug("conversation saved", zap.Int("messages", len(messages)))
		return nil
	}
}

// observe publishes the run's terminal event once it is done. Persistence
// failures were already published from the finish callback.
func (s *ChatService) observe(ctx context.Context, id string, run *relay.Run, log *logger.Logger) {
	<-run.Done()

	err := run.Err()
	event := &model.ConversationEvent{ConversationID: id}
	switch {
	case err == nil:
		event.Type = model.EventTypeCompleted
		event.Metadata = map[string]any{
			"run_id":   run.ID(),
			"messages": len(run.Messages()),
		}
	case errors.Is(err, model.ErrPersistenceFailure):
		return
	case model.ErrorCode(err) == model.CodeProviderTimeout:
		event.Type = model.EventTypeTimeout
		event.Reason = err.Error()
	default:
		event.Type = model.EventTypeError
		event.Reason = err.Error()
	}
	s.publish(ctx, event, log)
}

func (s *ChatService) publish(ctx context.Context, event *model.ConversationEvent, log *logger.Logger) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		log.Warn("failed to publish conversation event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}
