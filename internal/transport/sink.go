package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/relay"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// Outcome is what the transport observed of a run.
type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeFailed
	OutcomeDetached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeFailed:
		return "failed"
	default:
		return "detached"
	}
}

// Pump copies run's events into sink, one encoded frame per Write. The next
// event is not pulled until the previous Write has returned, so a slow sink
// holds back the stream. A failed Write detaches from the run, which keeps
// going. sink is closed exactly once when Pump returns.
func Pump(ctx context.Context, run *relay.Run, sink io.WriteCloser, enc Encoder) (Outcome, error) {
	closer := &onceCloser{c: sink}
	defer closer.Close()

	events, err := run.Events()
	if err != nil {
		return OutcomeFailed, err
	}
	defer run.Detach()

	var buf bytes.Buffer
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return OutcomeDetached, nil
			}
			buf.Reset()
			if err := enc.Encode(&buf, ev); err != nil {
				return OutcomeDetached, fmt.Errorf("%w: encode: %w", model.ErrTransportFailure, err)
			}
			if _, err := sink.Write(buf.Bytes()); err != nil {
				metrics.RecordDetach("write_error")
				return OutcomeDetached, fmt.Errorf("%w: %w", model.ErrTransportFailure, err)
			}
			switch ev.Type {
			case relay.EventFinish:
				return OutcomeFinished, nil
			case relay.EventError:
				return OutcomeFailed, ev.Err
			}
		case <-ctx.Done():
			return OutcomeDetached, ctx.Err()
		}
	}
}

// Pipe exposes run as a reader. Closing the reader detaches from the run.
func Pipe(ctx context.Context, run *relay.Run, enc Encoder) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, _ = Pump(ctx, run, pw, enc)
	}()
	return pr
}

type onceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.c.Close() })
	return o.err
}

// ResponseSink adapts an http.ResponseWriter to a byte sink that flushes
// after every write. Close is a no-op; the response ends with the handler.
type ResponseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewResponseSink wraps w.
func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *ResponseSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *ResponseSink) Close() error {
	return nil
}
