package clientquery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/concave/core/internal/bus"
)

// TextEventSource reads the line-oriented text framing §6.1 describes —
// the same format internal/stream.TextSink writes — and decodes each
// "data:" line into a bus.Event.
type TextEventSource struct {
	events chan bus.Event
	mu     sync.Mutex
	err    error
	closed chan struct{}
	closer io.Closer
}

// NewTextEventSource starts reading r in a background goroutine. If r also
// implements io.Closer, Close releases it.
func NewTextEventSource(r io.Reader) *TextEventSource {
	s := &TextEventSource{
		events: make(chan bus.Event, 64),
		closed: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	go s.run(r)
	return s
}

func (s *TextEventSource) run(r io.Reader) {
	defer close(s.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "event:"):
			// event name is redundant with the payload's own "type" field.
		case line == "":
			if dataLine == "" {
				continue
			}
			var evt bus.Event
			if err := json.Unmarshal([]byte(dataLine), &evt); err != nil {
				s.setErr(fmt.Errorf("clientquery: decode event frame: %w", err))
				dataLine = ""
				continue
			}
			dataLine = ""
			select {
			case s.events <- evt:
			case <-s.closed:
				return
			}
		}
		select {
		case <-s.closed:
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *TextEventSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events implements EventSource.
func (s *TextEventSource) Events() <-chan bus.Event { return s.events }

// Err implements EventSource.
func (s *TextEventSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements EventSource.
func (s *TextEventSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

var _ EventSource = (*TextEventSource)(nil)

// WSEventSource reads JSON-framed bus.Event messages off a gorilla/websocket
// connection, mirroring internal/stream.WSSink's write side.
type WSEventSource struct {
	conn   *websocket.Conn
	events chan bus.Event
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

// NewWSEventSource starts reading conn in a background goroutine.
func NewWSEventSource(conn *websocket.Conn) *WSEventSource {
	s := &WSEventSource{
		conn:   conn,
		events: make(chan bus.Event, 64),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WSEventSource) run() {
	defer close(s.events)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		var evt bus.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.setErr(fmt.Errorf("clientquery: decode websocket frame: %w", err))
			continue
		}
		select {
		case s.events <- evt:
		case <-s.closed:
			return
		}
	}
}

func (s *WSEventSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events implements EventSource.
func (s *WSEventSource) Events() <-chan bus.Event { return s.events }

// Err implements EventSource.
func (s *WSEventSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements EventSource.
func (s *WSEventSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.conn.Close()
}

var _ EventSource = (*WSEventSource)(nil)
