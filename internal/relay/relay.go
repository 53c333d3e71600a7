// Package relay drives completion runs against a provider and hands their
// output to a single consumer.
//
// Each run is owned by a producer goroutine that pulls the provider stream to
// its end regardless of what the consumer does. The consumer reads a bounded
// channel and may detach at any point; the producer then keeps draining the
// provider, assembles the reply, and invokes the finish callback.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

var (
	// ErrStreamConsumed is returned when a run's events are requested twice.
	ErrStreamConsumed = errors.New("stream already consumed")

	// ErrShuttingDown is returned by Start after Shutdown has begun.
	ErrShuttingDown = errors.New("relay is shutting down")
)

// FinishFunc receives the request messages followed by the assembled
// assistant message. It is called at most once per run and only on success.
type FinishFunc func(ctx context.Context, messages []model.Message) error

// Options configure a Relay.
type Options struct {
	// Model overrides the provider's default model.
	Model       string
	MaxTokens   int
	Temperature float64
	// Timeout bounds a single provider run. Zero disables it.
	Timeout time.Duration
	// Buffer is the capacity of each run's event channel.
	Buffer int
}

// Relay starts completion runs.
type Relay struct {
	client llm.Client
	opts   Options
	logger *logger.Logger
	tracer trace.Tracer

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a relay over client.
func New(client llm.Client, opts Options, log *logger.Logger) *Relay {
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	base, stop := context.WithCancel(context.Background())
	return &Relay{
		client: client,
		opts:   opts,
		logger: log.With(zap.String("component", "relay"), zap.String("provider", client.Name())),
		tracer: tracing.Tracer("github.com/capitalize-ai/chat-relay/internal/relay"),
		base:   base,
		stop:   stop,
	}
}

// Start begins a run for messages. The run keeps ctx's values but not its
// cancellation: only the provider timeout, a provider failure, or Shutdown end
// it early. onFinish may be nil.
func (r *Relay) Start(ctx context.Context, messages []model.Message, onFinish FinishFunc) (*Run, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	// Values (correlation id, trace span) survive; request cancellation does not.
	detached := context.WithoutCancel(ctx)
	persistCtx, persistCancel := context.WithCancel(detached)
	stopPersist := context.AfterFunc(r.base, persistCancel)

	runCtx, runCancel := context.WithCancel(detached)
	stopRun := context.AfterFunc(r.base, runCancel)
	timeoutCancel := context.CancelFunc(func() {})
	if r.opts.Timeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(runCtx, r.opts.Timeout)
	}

	run := &Run{
		id:       uuid.NewString(),
		events:   make(chan DeltaEvent, r.opts.Buffer),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go func() {
		defer r.wg.Done()
		defer func() {
			timeoutCancel()
			stopRun()
			runCancel()
			stopPersist()
			persistCancel()
		}()
		r.produce(runCtx, persistCtx, run, model.CloneMessages(messages), onFinish)
	}()

	return run, nil
}

// Shutdown stops accepting runs and waits for in-flight runs, including their
// finish callbacks. When ctx expires first, remaining runs are cancelled and
// Shutdown returns once they have unwound.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached, cancelling in-flight runs")
		r.stop()
		<-done
		return ctx.Err()
	}
}

func (r *Relay) modelName() string {
	if r.opts.Model != "" {
		return r.opts.Model
	}
	return r.client.DefaultModel()
}

func (r *Relay) produce(ctx, persistCtx context.Context, run *Run, messages []model.Message, onFinish FinishFunc) {
	defer close(run.done)

	start := time.Now()
	modelName := r.modelName()
	log := r.logger.With(zap.String("run_id", run.id), zap.String("model", modelName))

	ctx, span := r.tracer.Start(ctx, "relay.run", trace.WithAttributes(
		attribute.String("llm.provider", r.client.Name()),
		attribute.String("llm.model", modelName),
		attribute.Int("relay.messages", len(messages)),
	))
	defer span.End()

	fail := func(cause error) {
		runErr := r.classify(ctx, cause)
		run.err = runErr

		span.RecordError(cause)
		span.SetStatus(codes.Error, runErr.Error())

		outcome := "failed"
		if model.ErrorCode(runErr) == model.CodeProviderTimeout {
			outcome = "timeout"
		}
		metrics.RecordRun(r.client.Name(), modelName, outcome, time.Since(start).Seconds(), 0, 0)
		log.Error("completion run failed", zap.Error(cause), zap.Bool("detached", run.Detached()))

		run.emit(r.base, DeltaEvent{
			Type:   EventError,
			Err:    runErr,
			Code:   model.ErrorCode(runErr),
			Reason: runErr.Error(),
		})
		close(run.events)
	}

	stream, err := r.client.CompleteStream(ctx, &llm.CompletionRequest{
		Model:       r.opts.Model,
		Messages:    toChatMessages(messages),
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	})
	if err != nil {
		fail(err)
		return
	}
	defer stream.Close()

	index := 0
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
		run.emit(ctx, DeltaEvent{Type: EventText, Text: fragment, Index: index})
		index++
	}

	resp := stream.Response()
	assistant := assistantMessage(resp, modelName)
	final := append(messages, assistant)

	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.TokensIn),
		attribute.Int("llm.tokens_out", resp.TokensOut),
		attribute.Int("relay.fragments", index),
	)
	metrics.RecordRun(r.client.Name(), assistantModel(assistant), "completed", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)

	run.emit(r.base, DeltaEvent{
		Type:         EventFinish,
		Message:      &assistant,
		FinishReason: resp.StopReason,
		Usage:        model.Usage{PromptTokens: resp.TokensIn, CompletionTokens: resp.TokensOut},
	})
	close(run.events)

	if onFinish != nil {
		if err := onFinish(persistCtx, model.CloneMessages(final)); err != nil {
			run.err = err
			span.RecordError(err)
			log.Error("finish callback failed", zap.Error(err))
		}
	}
	run.messages = final

	log.Info("completion run finished",
		zap.Int("fragments", index),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Bool("detached", run.Detached()),
		zap.Duration("duration", time.Since(start)),
	)
}

// classify wraps a provider error, recording timeouts and shutdown as such.
func (r *Relay) classify(ctx context.Context, cause error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: no completion within %s: %w", model.ErrProviderFailure, r.opts.Timeout, context.DeadlineExceeded)
	case r.base.Err() != nil:
		return fmt.Errorf("%w: cancelled by shutdown: %w", model.ErrProviderFailure, context.Canceled)
	default:
		return fmt.Errorf("%w: %w", model.ErrProviderFailure, cause)
	}
}

func toChatMessages(messages []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func assistantMessage(resp *llm.CompletionResponse, fallbackModel string) model.Message {
	modelName := resp.Model
	if modelName == "" {
		modelName = fallbackModel
	}
	tokensIn, tokensOut := resp.TokensIn, resp.TokensOut
	stop := resp.StopReason

	msg := model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		Model:     &modelName,
		CreatedAt: time.Now().UTC(),
	}
	if tokensIn > 0 || tokensOut > 0 {
		msg.TokensIn = &tokensIn
		msg.TokensOut = &tokensOut
	}
	if stop != "" {
		msg.StopReason = &stop
	}
	return msg
}

func assistantModel(m model.Message) string {
	if m.Model == nil {
		return ""
	}
	return *m.Model
}

// Run is the handle for one completion run.
type Run struct {
	id     string
	events chan DeltaEvent
	taken  atomic.Bool

	detached   chan struct{}
	detachOnce sync.Once

	done     chan struct{}
	err      error
	messages []model.Message
}

// ID returns the run's identifier.
func (run *Run) ID() string {
	return run.id
}

// Events returns the run's event channel. It can be taken once; later calls
// return ErrStreamConsumed. The channel is closed after the finish or error
// event, or early if the consumer detaches.
func (run *Run) Events() (<-chan DeltaEvent, error) {
	if !run.taken.CompareAndSwap(false, true) {
		return nil, ErrStreamConsumed
	}
	return run.events, nil
}

// Detach tells the producer the consumer is gone. The run continues to
// completion and its finish callback still fires. Safe to call repeatedly.
func (run *Run) Detach() {
	run.detachOnce.Do(func() {
		close(run.detached)
		select {
		case <-run.done:
		default:
			metrics.RecordDetach("consumer")
		}
	})
}

// Detached reports whether Detach has been called.
func (run *Run) Detached() bool {
	select {
	case <-run.detached:
		return true
	default:
		return false
	}
}

// Done is closed once the run and its finish callback have returned.
func (run *Run) Done() <-chan struct{} {
	return run.done
}

// Wait blocks until the run is done or ctx ends. It returns the run's error:
// a provider failure, the finish callback's error, or nil.
func (run *Run) Wait(ctx context.Context) error {
	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the run's error once it is done, nil before.
func (run *Run) Err() error {
	select {
	case <-run.done:
		return run.err
	default:
		return nil
	}
}

// Messages returns the request messages plus the assistant reply once the
// run has succeeded.
func (run *Run) Messages() []model.Message {
	select {
	case <-run.done:
		if run.messages == nil {
			return nil
		}
		return model.CloneMessages(run.messages)
	default:
		return nil
	}
}

// emit hands ev to the consumer unless it has detached. It blocks while the
// channel is full, which is the backpressure on the provider. Terminal events
// are emitted under the relay's base context so a run timeout cannot drop them.
func (run *Run) emit(ctx context.Context, ev DeltaEvent) {
	select {
	case <-run.detached:
		return
	default:
	}
	select {
	case run.events <- ev:
	case <-run.detached:
	case <-ctx.Done():
	}
}
