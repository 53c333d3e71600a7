package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// RetryOptions configure Retrying.
type RetryOptions struct {
	// Backend labels metrics.
	Backend string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Interval is the initial delay between attempts.
	Interval time.Duration
}

// Retrying retries failed saves with exponential backoff. Create and Load
// pass through unchanged.
type Retrying struct {
	Store
	opts   RetryOptions
	logger *logger.Logger
}

// WithRetry wraps s so that saves are retried.
func WithRetry(s Store, opts RetryOptions, log *logger.Logger) *Retrying {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Backend == "" {
		opts.Backend = "unknown"
	}
	return &Retrying{Store: s, opts: opts, logger: log}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store {
	return r.Store
}

// Save attempts the save up to MaxRetries+1 times. After exhaustion the
// returned error wraps model.ErrPersistenceFailure.
func (r *Retrying) Save(ctx context.Context, id string, messages []model.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.Interval
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.opts.MaxRetries)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		if err := r.Store.Save(ctx, id, messages); err != nil {
			metrics.RecordPersist(r.opts.Backend, "error")
			return err
		}
		metrics.RecordPersist(r.opts.Backend, "ok")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("conversation save failed, retrying",
			zap.String("conversation_id", id),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: conversation %s after %d attempts: %w", model.ErrPersistenceFailure, id, attempts, err)
	}
	return nil
}
