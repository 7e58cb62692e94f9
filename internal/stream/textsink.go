// Package stream provides the two framed-sink implementations the bus writes
// events through: a line-oriented text stream and a WebSocket connection.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/concave/core/internal/bus"
)

// ErrSinkClosed is returned by Send once the sink has been closed.
var ErrSinkClosed = errors.New("stream: sink closed")

// TextSink frames bus.Event values as line-oriented text per the wire
// format: one or more "header: value" lines, a blank line, UTF-8. Payload
// data is a single JSON line under the "data" header.
type TextSink struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
}

// NewTextSink wraps w. If w also implements an optional Flush() method (as
// http.Flusher does), it is called after every event.
func NewTextSink(w io.Writer) *TextSink {
	sink := &TextSink{w: w}
	if flusher, ok := w.(interface{ Flush() }); ok {
		sink.flush = flusher.Flush
	}
	return sink
}

// Send implements bus.Sink.
func (s *TextSink) Send(event bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// Close implements bus.Sink.
func (s *TextSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ bus.Sink = (*TextSink)(nil)
