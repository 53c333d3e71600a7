package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(opts Options) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL), option.WithMaxRetries(0))
	}

	model := opts.DefaultModel
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(reqOpts...),
		defaultModel: model,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-haiku-latest",
		"claude-3-7-sonnet-latest",
		"claude-sonnet-4-0",
		"claude-opus-4-0",
	}
}

// DefaultModel returns the model used when a request names none.
func (c *AnthropicClient) DefaultModel() string {
	return c.defaultModel
}

// CompleteStream sends a streaming completion request. System messages are
// lifted into the request's system prompt.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest) (ChatStream, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens(req.MaxTokens)),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream, model: model, start: time.Now()}, nil
}

type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message anthropic.Message
	model   string
	start   time.Time
	content strings.Builder
	latency int64
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.message.Accumulate(event); err != nil {
			return "", err
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				s.content.WriteString(delta.Text)
				return delta.Text, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	s.latency = latencySince(s.start)
	return "", io.EOF
}

func (s *anthropicStream) Response() *CompletionResponse {
	model := s.model
	if s.message.Model != "" {
		model = string(s.message.Model)
	}
	return &CompletionResponse{
		Content:    s.content.String(),
		Model:      model,
		TokensIn:   int(s.message.Usage.InputTokens),
		TokensOut:  int(s.message.Usage.OutputTokens),
		StopReason: string(s.message.StopReason),
		LatencyMs:  s.latency,
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
