package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
)

// keyValue is the subset of jetstream.KeyValue the store needs.
type keyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KVStore keeps conversation logs in a JetStream key-value bucket, one key
// per conversation. A Put replaces the whole log atomically. Conversation ids
// are opaque, so keys are their URL-safe base64 form, which stays inside the
// KV key alphabet.
type KVStore struct {
	kv     keyValue
	pinger interface{ Ping(context.Context) error }
}

// NewKVStore binds a store to the named bucket, creating it if needed.
func NewKVStore(ctx context.Context, client *Client, bucket string) (*KVStore, error) {
	kv, err := client.JetStream().CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Chat conversation logs",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind key-value bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv, pinger: client}, nil
}

// Create allocates a new conversation with an empty log.
func (s *KVStore) Create(ctx context.Context) (string, error) {
	id := store.NewID()
	if err := s.Save(ctx, id, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Load returns the log for id.
func (s *KVStore) Load(ctx context.Context, id string) ([]model.Message, error) {
	entry, err := s.kv.Get(ctx, kvKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return store.DecodeLog(entry.Value())
}

// Save replaces the log for id.
func (s *KVStore) Save(ctx context.Context, id string, messages []model.Message) error {
	data, err := store.EncodeLog(messages)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, kvKey(id), data); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", id, err)
	}
	return nil
}

func kvKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Ping reports whether the NATS connection is up.
func (s *KVStore) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}
