package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s ChatStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestOpenAIStream(t *testing.T) {
	var got struct {
		Model         string `json:"model"`
		Stream        bool   `json:"stream"`
		StreamOptions struct {
			IncludeUsage bool `json:"include_usage"`
		} `json:"stream_options"`
		Messages []ChatMessage `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"1","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Options{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", client.DefaultModel())

	stream, err := client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, fragments)

	resp := stream.Response()
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 7, resp.TokensIn)
	assert.Equal(t, 2, resp.TokensOut)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.True(t, got.Stream)
	assert.True(t, got.StreamOptions.IncludeUsage)
	assert.Len(t, got.Messages, 2)
}

func TestOpenAIStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Options{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestAnthropicStream(t *testing.T) {
	var got struct {
		Model  string `json:"model"`
		System []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[],"stop_reason":null,"usage":{"input_tokens":11,"output_tokens":0}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Options{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	stream, err := client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "hello"},
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi ", "there"}, fragments)

	resp := stream.Response()
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 11, resp.TokensIn)
	assert.Equal(t, 3, resp.TokensOut)

	assert.Equal(t, "claude-3-5-haiku-latest", got.Model)
	require.Len(t, got.System, 1)
	assert.Equal(t, "be kind", got.System[0].Text)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ProviderOpenAI, Options{})
	assert.Error(t, err)
	_, err = NewClient(ProviderAnthropic, Options{})
	assert.Error(t, err)
	_, err = NewClient("llama", Options{APIKey: "x"})
	assert.Error(t, err)

	c, err := NewClient(ProviderScripted, Options{})
	require.NoError(t, err)
	assert.Equal(t, "scripted", c.Name())

	// The configured provider is the plain echo client, never a faulty one.
	sc, ok := c.(*ScriptedClient)
	require.True(t, ok)
	assert.Equal(t, NewEchoClient().Echo, sc.Echo)
	assert.Nil(t, sc.Fragments)
	assert.NoError(t, sc.StartErr)
	assert.NoError(t, sc.Err)
	assert.Zero(t, sc.Delay)
	assert.Nil(t, sc.Gate)
}

func TestScriptedEcho(t *testing.T) {
	c := NewEchoClient()
	stream, err := c.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "one two  three"}, {Role: "assistant", Content: "ignored"}},
	})
	require.NoError(t, err)

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "one two three", strings.Join(fragments, ""))
	assert.Equal(t, 3, stream.Response().TokensOut)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, 1, c.Closed())
}

func TestScriptedFailure(t *testing.T) {
	boom := errors.New("boom")
	c := &ScriptedClient{Fragments: []string{"a", "b", "c"}, Err: boom, FailAfter: 2}
	stream, err := c.CompleteStream(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	fragments, err := drain(t, stream)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, fragments)
}

func TestScriptedHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	c := &ScriptedClient{Fragments: []string{"a"}, Gate: gate}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.CompleteStream(ctx, &CompletionRequest{})
	require.NoError(t, err)

	cancel()
	_, err = stream.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}
