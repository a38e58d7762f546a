package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSink sends each write as one binary message. Writers sharing the
// connection must share mu.
type WebSocketSink struct {
	conn    *websocket.Conn
	mu      *sync.Mutex
	timeout time.Duration
}

// NewWebSocketSink wraps conn
func NewWebSocketSink(conn *websocket.Conn, mu *sync.Mutex, writeTimeout time.Duration) *WebSocketSink {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketSink{conn: conn, mu: mu, timeout: writeTimeout}
}

func (s *WebSocketSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush implements Sink. Every message is sent on Write.
func (s *WebSocketSink) Flush() error {
	return nil
}
