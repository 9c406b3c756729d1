// internal/gateway/session.go
package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is the single admitted client connection
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// SessionInfo is an externally visible snapshot of a session
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func newSession(conn *websocket.Conn, remoteAddr string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
	}
}

// enqueue queues a frame for the write pump without blocking. A full buffer
// reports false, which the gateway treats as client loss.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// close stops the write pump and releases the connection. Idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
