package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}

	model := opts.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(config),
		defaultModel: model,
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}
}

// DefaultModel returns the model used when a request names none.
func (c *OpenAIClient) DefaultModel() string {
	return c.defaultModel
}

// CompleteStream sends a streaming completion request.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *CompletionRequest) (ChatStream, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	// Convert messages to OpenAI format
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     defaultMaxTokens(req.MaxTokens),
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	return &openAIStream{stream: stream, model: model, start: time.Now()}, nil
}

type openAIStream struct {
	stream  *openai.ChatCompletionStream
	model   string
	start   time.Time
	content strings.Builder
	stop    string
	usage   *openai.Usage
	latency int64
}

func (s *openAIStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.latency = latencySince(s.start)
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}

		if response.Model != "" {
			s.model = response.Model
		}
		if response.Usage != nil {
			s.usage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.FinishReason != "" {
			s.stop = string(choice.FinishReason)
		}
		if delta := choice.Delta.Content; delta != "" {
			s.content.WriteString(delta)
			return delta, nil
		}
	}
}

func (s *openAIStream) Response() *CompletionResponse {
	resp := &CompletionResponse{
		Content:    s.content.String(),
		Model:      s.model,
		StopReason: s.stop,
		LatencyMs:  s.latency,
	}
	if s.usage != nil {
		resp.TokensIn = s.usage.PromptTokens
		resp.TokensOut = s.usage.CompletionTokens
	}
	return resp
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
