// Package app assembles the relay's components from configuration. Both the
// long-lived server and the one-shot invoke command are built here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/handler"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	natsclient "github.com/capitalize-ai/chat-relay/internal/nats"
	"github.com/capitalize-ai/chat-relay/internal/relay"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// App holds the wired components.
type App struct {
	Config        *config.Config
	Logger        *logger.Logger
	Store         store.Store
	LLM           llm.Client
	Conversations *service.ConversationService
	Chat          *service.ChatService

	nats *natsclient.Client
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: log}
	if err := a.build(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) (err error) {
	cfg, log := a.Config, a.Logger

	if cfg.NeedsNATS() {
		a.nats, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
	}

	base, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store.WithRetry(base, store.RetryOptions{
		Backend:    cfg.StoreBackend,
		MaxRetries: cfg.PersistMaxRetries,
		Interval:   cfg.PersistRetryInterval,
	}, log)
	if store.IsVolatile(a.Store) {
		log.Warn("conversation store is in-memory; conversations are lost when the process exits",
			zap.String("store_backend", cfg.StoreBackend))
	}

	events, err := a.eventSink(ctx)
	if err != nil {
		return err
	}

	a.LLM, err = newLLMClient(cfg)
	if err != nil {
		return err
	}

	r := relay.New(a.LLM, relay.Options{
		MaxTokens: cfg.LLMMaxTokens,
		Timeout:   cfg.LLMTimeout,
		Buffer:    cfg.StreamBuffer,
	}, log)

	a.Conversations = service.NewConversationService(a.Store, log)
	a.Chat = service.NewChatService(a.Conversations, a.Store, r, events, log)

	log.Info("relay assembled",
		zap.String("provider", a.LLM.Name()),
		zap.String("model", a.LLM.DefaultModel()),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("events_enabled", cfg.EventsEnabled),
	)
	return nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	if a.Config.StoreBackend == config.StoreNATS {
		return natsclient.NewKVStore(ctx, a.nats, a.Config.NATSKVBucket)
	}
	s, err := store.Open(a.Config.StoreBackend, a.Config.StorePath, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.Config.StoreBackend, err)
	}
	return s, nil
}

func (a *App) eventSink(ctx context.Context) (service.EventSink, error) {
	if !a.Config.EventsEnabled {
		return service.NewLogSink(a.Logger), nil
	}
	sm := natsclient.NewStreamManager(a.nats)
	if err := sm.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return sm, nil
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	opts := llm.Options{DefaultModel: cfg.DefaultModel}
	switch llm.Provider(cfg.LLMProvider) {
	case llm.ProviderOpenAI:
		opts.APIKey, opts.BaseURL = cfg.OpenAIAPIKey, cfg.OpenAIBaseURL
	case llm.ProviderAnthropic:
		opts.APIKey, opts.BaseURL = cfg.AnthropicAPIKey, cfg.AnthropicBaseURL
	}
	client, err := llm.NewClient(llm.Provider(cfg.LLMProvider), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.LLMProvider, err)
	}
	return client, nil
}

// Handler returns the HTTP API.
func (a *App) Handler(version string) http.Handler {
	cfg := a.Config

	var checks []handler.Check
	if a.nats != nil {
		checks = append(checks, handler.Check{Name: "nats", Fn: a.nats.Ping})
	}

	return handler.NewRouter(handler.RouterConfig{
		Logger:        a.Logger,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		Conversations: handler.NewConversationHandler(a.Conversations, a.Logger),
		Stream: handler.NewStreamHandler(a.Chat, a.LLM, handler.StreamOptions{
			TransportMode: cfg.TransportMode,
			Protocol:      cfg.StreamProtocol,
			Heartbeat:     cfg.HeartbeatInterval,
			WriteTimeout:  cfg.ServerWriteTimeout,
		}, a.Logger),
		Health: handler.NewHealthHandler(a.Conversations, model.DebugResponse{
			Provider:        a.LLM.Name(),
			HasOpenAIKey:    cfg.OpenAIAPIKey != "",
			HasAnthropicKey: cfg.AnthropicAPIKey != "",
			StoreBackend:    cfg.StoreBackend,
			TransportMode:   cfg.TransportMode,
			StreamProtocol:  cfg.StreamProtocol,
			EventsEnabled:   cfg.EventsEnabled,
		}, version, checks...),
	})
}

// Shutdown waits for in-flight runs and their saves, then releases the store
// and the NATS connection. Runs still going when ctx expires are cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Chat != nil {
		if err := a.Chat.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var err error
	if a.Store != nil {
		if cerr := store.Close(a.Store); cerr != nil {
			err = fmt.Errorf("store close: %w", cerr)
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	return err
}
