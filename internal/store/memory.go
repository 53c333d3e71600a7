package store

import (
	"context"
	"sync"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Memory is a process-local store. Its contents live exactly as long as the
// process, so in a per-request invocation they are gone after one request.
type Memory struct {
	mu   sync.RWMutex
	logs map[string][]model.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{logs: make(map[string][]model.Message)}
}

// Create allocates a new conversation with an empty log.
func (m *Memory) Create(ctx context.Context) (string, error) {
	id := NewID()

	m.mu.Lock()
	m.logs[id] = []model.Message{}
	m.mu.Unlock()

	return id, nil
}

// Load returns a copy of the log for id.
func (m *Memory) Load(ctx context.Context, id string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.logs[id]
	if !ok {
		return []model.Message{}, nil
	}
	return model.CloneMessages(msgs), nil
}

// Save replaces the log for id with a copy of messages.
func (m *Memory) Save(ctx context.Context, id string, messages []model.Message) error {
	cp := model.CloneMessages(messages)

	m.mu.Lock()
	m.logs[id] = cp
	m.mu.Unlock()

	return nil
}

// Volatile reports that this store does not outlive the process.
func (m *Memory) Volatile() bool {
	return true
}

// Len returns the number of conversations held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}
