package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// backends returns a fresh instance of every local backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	bdb, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	bolt, err := OpenBolt(filepath.Join(dir, "conv.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"badger": bdb,
		"bolt":   bolt,
		"sqlite": sqlite,
	}
}

func sampleLog() []model.Message {
	model4o := "gpt-4o-mini"
	return []model.Message{
		{Role: model.RoleUser, Content: "hi", Attachments: json.RawMessage(`[{"name":"a.png"}]`)},
		{ID: "m1", Role: model.RoleAssistant, Content: "hello", Model: &model4o},
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.Create(ctx)
			require.NoError(t, err)
			require.True(t, model.ValidConversationID(id))

			msgs, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.NotNil(t, msgs)
			assert.Empty(t, msgs)

			require.NoError(t, s.Save(ctx, id, sampleLog()))
			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, sampleLog(), got)

			// Save replaces wholesale, it never appends.
			require.NoError(t, s.Save(ctx, id, sampleLog()[:1]))
			got, err = s.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, sampleLog()[:1], got)

			// Idempotent.
			require.NoError(t, s.Save(ctx, id, sampleLog()[:1]))
			got, err = s.Load(ctx, id)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestUnknownIDLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := s.Load(ctx, "never-created")
			require.NoError(t, err)
			assert.NotNil(t, msgs)
			assert.Empty(t, msgs)
		})
	}
}

func TestSaveUnknownIDCreatesIt(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, "client-chosen", sampleLog()))
			got, err := s.Load(ctx, "client-chosen")
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestOpaqueIDs(t *testing.T) {
	ctx := context.Background()
	ids := []string{"chat.1", "user@example.com", "a b/c", "ünï", strings.Repeat("a", model.MaxConversationIDBytes)}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range ids {
				msgs, err := s.Load(ctx, id)
				require.NoError(t, err)
				assert.Empty(t, msgs)

				log := []model.Message{{Role: model.RoleUser, Content: id}}
				require.NoError(t, s.Save(ctx, id, log))
				got, err := s.Load(ctx, id)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, id, got[0].Content)
			}
		})
	}
}

func TestConcurrentSavesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.Create(ctx)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 1; i <= 8; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					log := make([]model.Message, n)
					for j := range log {
						log[j] = model.Message{Role: model.RoleUser, Content: fmt.Sprintf("%d-%d", n, j)}
					}
					assert.NoError(t, s.Save(ctx, id, log))
				}(i)
			}
			wg.Wait()

			// Exactly one writer's log survives, never a mix.
			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.NotEmpty(t, got)
			prefix := fmt.Sprintf("%d-", len(got))
			for _, m := range got {
				assert.Contains(t, m.Content, prefix)
			}
		})
	}
}

func TestMemoryIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.Create(ctx)
	require.NoError(t, err)

	log := sampleLog()
	require.NoError(t, m.Save(ctx, id, log))
	log[0].Content = "mutated"

	got, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hi", got[0].Content)

	got[1].Content = "also mutated"
	again, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", again[1].Content)
	assert.Equal(t, 1, m.Len())
}

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conv.bolt")

	s, err := OpenBolt(path)
	require.NoError(t, err)
	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, id, sampleLog()))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sampleLog(), got)
}

func TestBadgerOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(BadgerConfig{Path: dir, Logger: logger.NewNop()})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "abc", sampleLog()))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))

	s, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestVolatility(t *testing.T) {
	assert.True(t, IsVolatile(NewMemory()))
	assert.True(t, IsVolatile(WithRetry(NewMemory(), RetryOptions{}, logger.NewNop())))

	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, IsVolatile(s))
	assert.NoError(t, Ping(context.Background(), WithRetry(s, RetryOptions{}, logger.NewNop())))
}

type flakyStore struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, id string, msgs []model.Message) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Memory.Save(ctx, id, msgs)
}

func TestRetryingRecovers(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Memory: NewMemory(), failures: 2}
	s := WithRetry(flaky, RetryOptions{Backend: "test", MaxRetries: 3, Interval: time.Millisecond}, logger.NewNop())

	require.NoError(t, s.Save(ctx, "x", sampleLog()))
	assert.Equal(t, 3, flaky.calls)

	got, err := s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRetryingGivesUp(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Memory: NewMemory(), failures: 100}
	s := WithRetry(flaky, RetryOptions{Backend: "test", MaxRetries: 2, Interval: time.Millisecond}, logger.NewNop())

	err := s.Save(ctx, "x", sampleLog())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistenceFailure)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flaky := &flakyStore{Memory: NewMemory(), failures: 100}
	s := WithRetry(flaky, RetryOptions{MaxRetries: 50, Interval: time.Second}, logger.NewNop())

	err := s.Save(ctx, "x", sampleLog())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistenceFailure)
	assert.Equal(t, 1, flaky.calls)
}

func TestDecodeLog(t *testing.T) {
	msgs, err := DecodeLog(nil)
	require.NoError(t, err)
	assert.NotNil(t, msgs)

	msgs, err = DecodeLog([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, msgs)

	_, err = DecodeLog([]byte("{"))
	assert.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendMemory, BackendBadger, BackendBolt, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			s, err := Open(backend, t.TempDir(), logger.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = Close(s) })

			id, err := s.Create(ctx)
			require.NoError(t, err)
			require.NoError(t, s.Save(ctx, id, sampleLog()))
			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, backend == BackendMemory, IsVolatile(s))
		})
	}

	_, err := Open("cassandra", t.TempDir(), logger.NewNop())
	assert.Error(t, err)
}
