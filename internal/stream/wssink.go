package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concave/core/internal/bus"
	"github.com/concave/core/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSSink frames bus.Event values as JSON WebSocket text messages. Writes are
// serialized through a single goroutine, mirroring the one-writer-per-
// connection rule gorilla/websocket requires.
type WSSink struct {
	conn   *websocket.Conn
	logger *logging.Logger

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewWSSink wraps conn and starts its write pump. Call Close when the
// handler that owns the connection is done with it.
func NewWSSink(conn *websocket.Conn, logger *logging.Logger) *WSSink {
	if logger == nil {
		logger = logging.L()
	}
	sink := &WSSink{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go sink.writePump()
	return sink
}

// Send implements bus.Sink by queuing the marshaled event for the write pump.
func (s *WSSink) Send(event bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.closed:
		return ErrSinkClosed
	}
}

// Close implements bus.Sink.
func (s *WSSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *WSSink) writePump() {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer func() {
		pingTicker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Error("websocket write error", logging.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Warn("websocket ping failure", logging.Error(err))
				return
			}
		case <-s.closed:
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

var _ bus.Sink = (*WSSink)(nil)
