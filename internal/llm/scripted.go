package llm

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// ScriptedClient replays a fixed list of fragments instead of calling a
// provider. With Echo set and no Fragments it echoes the last user message
// word by word, which makes the relay usable without provider credentials.
//
// NewClient only ever builds the echo form. The remaining fields are test
// hooks for driving the relay through failures and slow upstreams; nothing
// outside _test.go files sets them.
type ScriptedClient struct {
	Fragments []string
	Echo      bool

	// Test hook: returned from CompleteStream.
	StartErr error
	// Test hook: returned by Recv after FailAfter fragments.
	Err       error
	FailAfter int

	// Test hook: slept before each fragment.
	Delay time.Duration
	// Test hook: must yield a value before each fragment is produced.
	Gate <-chan struct{}

	calls  atomic.Int32
	closed atomic.Int32
}

// NewEchoClient returns a scripted client that echoes user input.
func NewEchoClient() *ScriptedClient {
	return &ScriptedClient{Echo: true}
}

// Name returns the provider name.
func (c *ScriptedClient) Name() string {
	return string(ProviderScripted)
}

// Models returns available models.
func (c *ScriptedClient) Models() []string {
	return []string{"scripted"}
}

// DefaultModel returns the model used when a request names none.
func (c *ScriptedClient) DefaultModel() string {
	return "scripted"
}

// Calls reports how many streams were started.
func (c *ScriptedClient) Calls() int {
	return int(c.calls.Load())
}

// Closed reports how many streams were closed.
func (c *ScriptedClient) Closed() int {
	return int(c.closed.Load())
}

// CompleteStream starts a scripted stream.
func (c *ScriptedClient) CompleteStream(ctx context.Context, req *CompletionRequest) (ChatStream, error) {
	c.calls.Add(1)
	if c.StartErr != nil {
		return nil, c.StartErr
	}

	fragments := c.Fragments
	if fragments == nil && c.Echo {
		fragments = echoFragments(req.Messages)
	}
	model := req.Model
	if model == "" {
		model = c.DefaultModel()
	}

	return &scriptedStream{
		ctx:       ctx,
		client:    c,
		fragments: fragments,
		model:     model,
		tokensIn:  countWords(req.Messages),
		start:     time.Now(),
	}, nil
}

func echoFragments(msgs []ChatMessage) []string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		words := strings.Fields(msgs[i].Content)
		out := make([]string, len(words))
		for j, w := range words {
			if j > 0 {
				w = " " + w
			}
			out[j] = w
		}
		return out
	}
	return []string{}
}

func countWords(msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}

type scriptedStream struct {
	ctx       context.Context
	client    *ScriptedClient
	fragments []string
	pos       int
	model     string
	tokensIn  int
	start     time.Time
	content   strings.Builder
	latency   int64
	closed    atomic.Bool
}

func (s *scriptedStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.client.Err != nil && s.pos >= s.client.FailAfter {
		return "", s.client.Err
	}
	if s.pos >= len(s.fragments) {
		s.latency = latencySince(s.start)
		return "", io.EOF
	}

	if s.client.Gate != nil {
		select {
		case <-s.client.Gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.client.Delay > 0 {
		timer := time.NewTimer(s.client.Delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		}
	}

	fragment := s.fragments[s.pos]
	s.pos++
	s.content.WriteString(fragment)
	return fragment, nil
}

func (s *scriptedStream) Response() *CompletionResponse {
	return &CompletionResponse{
		Content:    s.content.String(),
		Model:      s.model,
		TokensIn:   s.tokensIn,
		TokensOut:  s.pos,
		StopReason: "stop",
		LatencyMs:  s.latency,
	}
}

func (s *scriptedStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.client.closed.Add(1)
	}
	return nil
}
