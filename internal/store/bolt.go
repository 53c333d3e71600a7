package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

var conversationsBucket = []byte("conversations")

// BoltStore keeps conversation logs in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("path is required for bolt database")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Create allocates a new conversation with an empty log.
func (s *BoltStore) Create(ctx context.Context) (string, error) {
	id := NewID()
	if err := s.Save(ctx, id, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Load returns the log for id.
func (s *BoltStore) Load(ctx context.Context, id string) ([]model.Message, error) {
	var messages []model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		messages, err = DecodeLog(tx.Bucket(conversationsBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return messages, nil
}

// Save replaces the log for id in one transaction.
func (s *BoltStore) Save(ctx context.Context, id string, messages []model.Message) error {
	data, err := EncodeLog(messages)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", id, err)
	}
	return nil
}

// Ping runs a read transaction.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
