// internal/gateway/gateway.go
package gateway

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grbl-bridge/internal/flow"
)

// Link is the slice of the link manager the gateway needs for the outbound
// command path.
type Link interface {
	EnsureOpen() bool
	Write(data []byte) error
	Close()
}

// ErrSessionBusy reports a connection attempt while another client holds the
// session. Only the rejected connection is affected.
var ErrSessionBusy = errors.New("another client session is active")

// notConnectedFrame is sent in place of a command that arrived while the
// serial link was down. The command itself is dropped, not queued.
var notConnectedFrame = []byte(`{"error":"Serial port not connected"}`)

const writeTimeout = 10 * time.Second

// Gateway admits at most one WebSocket client, pushes its command lines
// through the flow-controlled admission pipeline, and mirrors device
// telemetry back to it. A second connection attempt is closed immediately
// with a normal-closure status; it is never queued.
type Gateway struct {
	window *flow.Window
	link   Link
	logger *zap.Logger

	pingInterval time.Duration

	mutex   sync.Mutex
	session *Session
}

// NewGateway creates a gateway bound to the given flow window and link
func NewGateway(window *flow.Window, lm Link, pingInterval time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		window:       window,
		link:         lm,
		pingInterval: pingInterval,
		logger:       logger.With(zap.String("component", "gateway")),
	}
}

// Accept installs conn as the active session. If a session already exists
// the new connection is closed with code 1000 and a busy reason, and
// ErrSessionBusy is returned; the active client is unaffected.
func (g *Gateway) Accept(conn *websocket.Conn, remoteAddr string) (*Session, error) {
	g.mutex.Lock()
	if g.session != nil {
		g.mutex.Unlock()

		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server is busy")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()

		g.logger.Info("Connection rejected, another client is active",
			zap.String("remote_addr", remoteAddr),
		)
		return nil, ErrSessionBusy
	}

	session := newSession(conn, remoteAddr)
	g.session = session
	g.mutex.Unlock()

	go g.writePump(session)

	g.logger.Info("Client connected",
		zap.String("session_id", session.ID),
		zap.String("remote_addr", remoteAddr),
	)
	return session, nil
}

// OnClientLine runs one raw client frame through the admission pipeline:
// normalize the terminator, ensure the link is open, wait for window room,
// write, then record the pending length. A down link answers the client with
// a structured error frame and drops the line. A failed write is connection
// loss: the link is closed and the window cleared, recovery deferred to the
// watchdog. Only context cancellation propagates as an error.
func (g *Gateway) OnClientLine(ctx context.Context, raw []byte) error {
	if !bytes.HasSuffix(raw, []byte("\n")) {
		raw = append(raw, '\n')
	}

	if !g.link.EnsureOpen() {
		g.sendToActive(notConnectedFrame)
		return nil
	}

	if err := g.window.Admit(ctx, len(raw)); err != nil {
		if errors.Is(err, flow.ErrCommandTooLong) {
			g.logger.Warn("Dropping oversized command",
				zap.Int("length", len(raw)),
				zap.Int("capacity", g.window.Capacity()),
			)
			return nil
		}
		return err
	}

	if err := g.link.Write(raw); err != nil {
		g.logger.Warn("Serial write failed, closing link", zap.Error(err))
		g.link.Close()
		g.window.Clear()
		return nil
	}
	g.window.Append(len(raw))

	if cmd := strings.TrimSpace(string(raw)); cmd != "" {
		g.logger.Debug("-> GRBL", zap.String("command", cmd))
	}
	return nil
}

// Broadcast sends one device line to the active session, if any. The line
// terminator is re-appended and invalid UTF-8 replaced so the frame is
// always a valid text message. Any delivery failure is treated as client
// loss and never propagates to the caller.
func (g *Gateway) Broadcast(line string) {
	g.mutex.Lock()
	session := g.session
	g.mutex.Unlock()

	if session == nil {
		return
	}

	data := []byte(strings.ToValidUTF8(line, "�") + "\n")
	if !session.enqueue(data) {
		g.logger.Warn("Client send buffer full, dropping session",
			zap.String("session_id", session.ID),
		)
		g.OnDisconnect(session)
	}
}

// OnDisconnect clears the session and abandons its in-flight commands so
// their acknowledgments never count against a future client. Safe to call
// more than once and for already superseded sessions.
func (g *Gateway) OnDisconnect(session *Session) {
	g.mutex.Lock()
	active := g.session == session
	if active {
		g.session = nil
	}
	g.mutex.Unlock()

	session.close()

	if active {
		g.window.Clear()
		g.logger.Info("Client disconnected",
			zap.String("session_id", session.ID),
		)
	}
}

// Shutdown closes the active session, if any, with a normal closure
func (g *Gateway) Shutdown() {
	g.mutex.Lock()
	session := g.session
	g.mutex.Unlock()

	if session == nil {
		return
	}

	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server shutting down")
	session.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	g.OnDisconnect(session)
}

// ActiveSession returns a snapshot of the current session, or nil
func (g *Gateway) ActiveSession() *SessionInfo {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.session == nil {
		return nil
	}
	return &SessionInfo{
		ID:          g.session.ID,
		RemoteAddr:  g.session.RemoteAddr,
		ConnectedAt: g.session.ConnectedAt,
	}
}

// PingInterval returns the configured keep-alive interval
func (g *Gateway) PingInterval() time.Duration {
	return g.pingInterval
}

// sendToActive enqueues a raw frame for the active session, if any
func (g *Gateway) sendToActive(data []byte) {
	g.mutex.Lock()
	session := g.session
	g.mutex.Unlock()

	if session == nil {
		return
	}
	if !session.enqueue(data) {
		g.OnDisconnect(session)
	}
}

// writePump owns all writes to the session's connection: queued frames and
// keep-alive pings. gorilla/websocket permits one concurrent writer, so
// everything funnels through the session's send channel.
func (g *Gateway) writePump(session *Session) {
	ticker := time.NewTicker(g.pingInterval)
	defer func() {
		ticker.Stop()
		session.conn.Close()
	}()

	for {
		select {
		case data := <-session.send:
			session.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := session.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.logger.Debug("WebSocket write failed",
					zap.Error(err),
					zap.String("session_id", session.ID),
				)
				return
			}

		case <-ticker.C:
			session.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-session.done:
			return
		}
	}
}
