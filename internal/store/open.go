package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// Local backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Open returns the embedded backend named by backend, rooted at dir.
// Network-backed stores are built by their own packages.
func Open(backend, dir string, log *logger.Logger) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendBadger:
		return OpenBadger(BadgerConfig{Path: dir, SyncWrites: true, Logger: log})
	case BackendBolt:
		return OpenBolt(filepath.Join(dir, "conversations.db"))
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return NewSQLiteStore(filepath.Join(dir, "conversations.sqlite") + "?_journal_mode=WAL&_busy_timeout=5000")
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
