// Package llm provides completion provider interfaces and implementations.
package llm

import (
	"context"
	"fmt"
	"time"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse describes a finished completion.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// ChatStream is a pull-based sequence of text fragments from one completion.
//
// Recv returns io.EOF once the provider has finished. Response is valid only
// after Recv has returned io.EOF. Close releases the underlying connection and
// may be called at any point.
type ChatStream interface {
	Recv() (string, error)
	Response() *CompletionResponse
	Close() error
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream starts a streaming completion.
	CompleteStream(ctx context.Context, req *CompletionRequest) (ChatStream, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string

	// DefaultModel is used when a request names no model.
	DefaultModel() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderScripted  Provider = "scripted"
)

// Options configure a provider client.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(opts)
	case ProviderOpenAI:
		return NewOpenAIClient(opts)
	case ProviderScripted:
		return NewEchoClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func defaultMaxTokens(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func latencySince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
