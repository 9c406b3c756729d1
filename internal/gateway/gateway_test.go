package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grbl-bridge/internal/flow"
)

type fakeLink struct {
	mu       sync.Mutex
	down     bool
	writeErr error
	written  bytes.Buffer
	closes   int
}

func (l *fakeLink) EnsureOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.down
}

func (l *fakeLink) Write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.written.Write(data)
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
}

func (l *fakeLink) writtenString() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written.String()
}

// testServer upgrades incoming connections and hands accepted sessions back
// to the test over a channel, mirroring the accept loop at the HTTP boundary.
func testServer(t *testing.T, g *Gateway) (*httptest.Server, chan *Session) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	sessions := make(chan *Session, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session, err := g.Accept(conn, r.RemoteAddr)
		if err != nil {
			return
		}
		sessions <- session
	}))
	t.Cleanup(srv.Close)

	return srv, sessions
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestGateway(l Link) (*Gateway, *flow.Window) {
	w := flow.NewWindow(124, 0, zap.NewNop())
	return NewGateway(w, l, time.Second, zap.NewNop()), w
}

func TestGateway_SingleSession(t *testing.T) {
	g, _ := newTestGateway(&fakeLink{})
	srv, sessions := testServer(t, g)

	first := dial(t, srv)
	var session *Session
	select {
	case session = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("First client was not accepted")
	}

	// Second connection attempt is closed with a normal-closure status.
	second := dial(t, srv)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error on second client, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected close code 1000, got %d", closeErr.Code)
	}
	if closeErr.Text != "Server is busy" {
		t.Errorf("Expected busy reason, got %q", closeErr.Text)
	}

	// The first client's session is unaffected and still receives frames.
	g.Broadcast("ok")
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := first.ReadMessage()
	if err != nil {
		t.Fatalf("First client should still receive frames: %v", err)
	}
	if string(frame) != "ok\n" {
		t.Errorf("Expected ok frame, got %q", frame)
	}

	g.OnDisconnect(session)
}

func TestGateway_OnClientLine(t *testing.T) {
	t.Run("appends newline and tracks window", func(t *testing.T) {
		l := &fakeLink{}
		g, w := newTestGateway(l)

		if err := g.OnClientLine(context.Background(), []byte("G0 X1")); err != nil {
			t.Fatalf("OnClientLine failed: %v", err)
		}
		if got := l.writtenString(); got != "G0 X1\n" {
			t.Errorf("Expected G0 X1\\n written, got %q", got)
		}
		if got := w.PendingBytes(); got != 6 {
			t.Errorf("Expected 6 pending bytes, got %d", got)
		}
	})

	t.Run("keeps existing newline", func(t *testing.T) {
		l := &fakeLink{}
		g, _ := newTestGateway(l)

		if err := g.OnClientLine(context.Background(), []byte("G0 X1\n")); err != nil {
			t.Fatalf("OnClientLine failed: %v", err)
		}
		if got := l.writtenString(); got != "G0 X1\n" {
			t.Errorf("Expected single newline, got %q", got)
		}
	})

	t.Run("write failure closes link and clears window", func(t *testing.T) {
		l := &fakeLink{writeErr: errors.New("device unplugged")}
		g, w := newTestGateway(l)
		w.Append(12)

		if err := g.OnClientLine(context.Background(), []byte("G0 X1")); err != nil {
			t.Fatalf("Write failure must not propagate: %v", err)
		}
		if l.closes != 1 {
			t.Errorf("Expected link closed once, got %d", l.closes)
		}
		if got := w.PendingBytes(); got != 0 {
			t.Errorf("Window should be cleared, pending=%d", got)
		}
	})
}

func TestGateway_LinkDownSendsErrorFrame(t *testing.T) {
	l := &fakeLink{down: true}
	g, w := newTestGateway(l)
	srv, sessions := testServer(t, g)

	client := dial(t, srv)
	select {
	case <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("Client was not accepted")
	}

	if err := g.OnClientLine(context.Background(), []byte("G0 X1")); err != nil {
		t.Fatalf("OnClientLine failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Expected error frame: %v", err)
	}
	if string(frame) != `{"error":"Serial port not connected"}` {
		t.Errorf("Unexpected error frame: %q", frame)
	}

	// The command was dropped, not queued.
	if got := w.PendingBytes(); got != 0 {
		t.Errorf("Dropped command must not be tracked, pending=%d", got)
	}
	if got := l.writtenString(); got != "" {
		t.Errorf("Nothing should reach the device, got %q", got)
	}
}

func TestGateway_OnDisconnectClearsWindow(t *testing.T) {
	g, w := newTestGateway(&fakeLink{})
	srv, sessions := testServer(t, g)

	dial(t, srv)
	var session *Session
	select {
	case session = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("Client was not accepted")
	}

	w.Append(10)
	w.Append(20)

	g.OnDisconnect(session)

	if got := w.PendingBytes(); got != 0 {
		t.Errorf("Expected window cleared on disconnect, pending=%d", got)
	}
	if g.ActiveSession() != nil {
		t.Error("Session should be cleared on disconnect")
	}

	// A new client is admitted without delay.
	second := dial(t, srv)
	select {
	case <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("New client should be admitted after disconnect")
	}
	_ = second

	// Calling OnDisconnect again for the old session is harmless.
	g.OnDisconnect(session)
	if g.ActiveSession() == nil {
		t.Error("Stale disconnect must not clear the new session")
	}
}

func TestGateway_BroadcastWithoutSession(t *testing.T) {
	g, _ := newTestGateway(&fakeLink{})
	// Must not panic or block.
	g.Broadcast("ok")
}

func TestGateway_AdmitCancellation(t *testing.T) {
	l := &fakeLink{}
	g, w := newTestGateway(l)

	// Fill the window so admission blocks, then cancel.
	w.Append(120)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.OnClientLine(ctx, []byte("G0 X1"))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClientLine did not return after cancellation")
	}
}
