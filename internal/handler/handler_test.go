package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/relay"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

type testServer struct {
	*httptest.Server
	store *store.Memory
	chat  *service.ChatService
}

func newTestServer(t *testing.T, client llm.Client, opts StreamOptions, checks ...Check) *testServer {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	convs := service.NewConversationService(st, log)
	chat := service.NewChatService(convs, st, relay.New(client, relay.Options{Buffer: 4}, log), nil, log)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Logger:        log,
		Conversations: NewConversationHandler(convs, log),
		Stream:        NewStreamHandler(chat, client, opts, log),
		Health: NewHealthHandler(convs, model.DebugResponse{
			Provider:     client.Name(),
			StoreBackend: config.StoreMemory,
		}, "test", checks...),
	}))
	ts := &testServer{Server: srv, store: st, chat: chat}
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = chat.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) createChat(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/create-chat", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body model.CreateConversationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ID)
	return body.ID
}

func (ts *testServer) loadChat(t *testing.T, id string) []model.Message {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/load-chat?id=" + url.QueryEscape(id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body model.LoadConversationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Messages
}

func (ts *testServer) chatRequest(t *testing.T, body, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestChatStreamsAndPersists(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{Fragments: []string{"He", "llo"}}, StreamOptions{Protocol: "sse"})
	id := ts.createChat(t)

	resp := ts.chatRequest(t, `{"id":"`+id+`","messages":[{"role":"user","content":"hi"}]}`, "text/event-stream")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, resp.Header.Get(ConversationIDHeader))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := readAll(t, resp)
	assert.Equal(t, 2, strings.Count(body, "event: text\n"))
	assert.Equal(t, 1, strings.Count(body, "event: finish\n"))
	assert.Less(t, strings.Index(body, `"token":"He"`), strings.Index(body, `"token":"llo"`))

	msgs := ts.loadChat(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestChatDataStreamProtocol(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{Fragments: []string{"a", "b"}}, StreamOptions{Protocol: "data"})

	resp := ts.chatRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, "v1", resp.Header.Get("X-Vercel-AI-Data-Stream"))
	id := resp.Header.Get(ConversationIDHeader)
	require.NotEmpty(t, id)

	body := readAll(t, resp)
	assert.True(t, strings.HasPrefix(body, "0:\"a\"\n0:\"b\"\nd:{"), body)
	assert.Len(t, ts.loadChat(t, id), 2)
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	client := &llm.ScriptedClient{Fragments: []string{"x"}}
	ts := newTestServer(t, client, StreamOptions{})

	resp := ts.chatRequest(t, `{"messages":[]}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.CodeInvalidRequest, decodeError(t, resp).Code)

	resp = ts.chatRequest(t, `{"id":"c1"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.chatRequest(t, `not json`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, 0, ts.store.Len())
	assert.Equal(t, 0, client.Calls())
}

func TestChatWrongMethod(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{}, StreamOptions{})

	resp, err := http.Get(ts.URL + "/api/chat")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method not allowed", decodeError(t, resp).Error)
}

func TestLoadUnknownAndMissingID(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{}, StreamOptions{})

	msgs := ts.loadChat(t, "nonexistent")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	resp, err := http.Get(ts.URL + "/api/load-chat")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.CodeInvalidRequest, decodeError(t, resp).Code)
}

func TestLoadAcceptsOpaqueIDs(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{Fragments: []string{"ok"}}, StreamOptions{Protocol: "sse"})

	for _, id := range []string{"chat.1", "user@x", strings.Repeat("a", 200)} {
		msgs := ts.loadChat(t, id)
		assert.NotNil(t, msgs, id)
		assert.Empty(t, msgs, id)
	}

	resp := ts.chatRequest(t, `{"id":"chat.1","messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chat.1", resp.Header.Get(ConversationIDHeader))
	readAll(t, resp)

	msgs := ts.loadChat(t, "chat.1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "ok", msgs[1].Content)
}

func TestEmptyCompletionCanBeResent(t *testing.T) {
	client := &llm.ScriptedClient{Fragments: []string{}}
	ts := newTestServer(t, client, StreamOptions{Protocol: "sse"})
	id := ts.createChat(t)

	resp := ts.chatRequest(t, `{"id":"`+id+`","messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "event: finish\n")

	history := ts.loadChat(t, id)
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Empty(t, history[1].Content)

	// The saved log is sent back verbatim with one more user turn.
	body, err := json.Marshal(model.ChatRequest{
		ID:       id,
		Messages: append(history, model.Message{Role: model.RoleUser, Content: "again"}),
	})
	require.NoError(t, err)
	resp = ts.chatRequest(t, string(body), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(t, resp)

	assert.Len(t, ts.loadChat(t, id), 4)
	assert.Equal(t, 2, client.Calls())
}

func TestChatProviderFailsMidStream(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{Fragments: []string{"a", "b"}, Err: errors.New("boom"), FailAfter: 1}, StreamOptions{Protocol: "sse"})
	id := ts.createChat(t)

	resp := ts.chatRequest(t, `{"id":"`+id+`","messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAll(t, resp)
	assert.Equal(t, 1, strings.Count(body, "event: text\n"))
	assert.Equal(t, 1, strings.Count(body, "event: error\n"))
	assert.Contains(t, body, model.CodeProviderError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.chat.Shutdown(ctx))
	assert.Empty(t, ts.loadChat(t, id))
}

func TestChatProviderFailsBeforeOutput(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{StartErr: errors.New("invalid api key")}, StreamOptions{})

	resp := ts.chatRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.CodeProviderError, decodeError(t, resp).Code)
}

func TestChatSinkMode(t *testing.T) {
	ts := newTestServer(t, &llm.ScriptedClient{Fragments: []string{"x", "y"}}, StreamOptions{
		TransportMode: config.TransportSink,
		Protocol:      "data",
	})
	id := ts.createChat(t)

	resp := ts.chatRequest(t, `{"id":"`+id+`","messages":[{"role":"user","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAll(t, resp)
	assert.Contains(t, body, "0:\"x\"\n0:\"y\"\n")

	msgs := ts.loadChat(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "xy", msgs[1].Content)
}

func TestHealthReadyDebugModels(t *testing.T) {
	failing := Check{Name: "events", Fn: func(ctx context.Context) error { return errors.New("disconnected") }}
	ts := newTestServer(t, &llm.ScriptedClient{}, StreamOptions{})

	for _, path := range []string{"/health", "/api/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/debug")
	require.NoError(t, err)
	var debug model.DebugResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&debug))
	resp.Body.Close()
	assert.Equal(t, "scripted", debug.Provider)
	assert.True(t, debug.StoreVolatile)

	resp, err = http.Get(ts.URL + "/api/models")
	require.NoError(t, err)
	var models model.ModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	resp.Body.Close()
	assert.Equal(t, []string{"scripted"}, models.Models)

	unready := newTestServer(t, &llm.ScriptedClient{}, StreamOptions{}, failing)
	resp, err = http.Get(unready.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
