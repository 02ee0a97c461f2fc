package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rtspview/internal/stream"
)

// Session is one client connection watching one stream. It is the
// subscriber channel handed to the stream processor.
type Session struct {
	id           string
	streamID     string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	// owned by the read loop
	proc   *stream.Processor
	joined bool

	closeOnce sync.Once
}

func newSession(streamID string, conn *websocket.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		id:           uuid.NewString(),
		streamID:     streamID,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Deliver writes a processor message to the client
func (s *Session) Deliver(msg stream.Message) error {
	return s.send(msg)
}

func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) sendError(text string) error {
	return s.send(stream.NewErrorMessage(s.streamID, text))
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close sends a close frame and tears down the connection
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		s.conn.Close()
	})
}
