package link

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// fakePort implements serial.Port in memory
type fakePort struct {
	mu         sync.Mutex
	readData   bytes.Buffer
	written    bytes.Buffer
	readErr    error
	writeErr   error
	closed     bool
	inputReset bool
}

func (p *fakePort) SetMode(mode *serial.Mode) error { return nil }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.readData.Len() == 0 {
		// Read timeout elapsed with no data, like a real port.
		return 0, nil
	}
	return p.readData.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *fakePort) Drain() error             { return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputReset = true
	p.readData.Reset()
	return nil
}

func (p *fakePort) SetDTR(dtr bool) error                            { return nil }
func (p *fakePort) SetRTS(rts bool) error                            { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error             { return nil }
func (p *fakePort) Break(d time.Duration) error                      { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) stuff(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readData.WriteString(data)
}

func newTestManager(open openFunc) *Manager {
	m := NewManager(&Config{
		Port:        "/dev/ttyTEST",
		BaudRate:    115200,
		ReadTimeout: 10 * time.Millisecond,
	}, zap.NewNop())
	m.open = open
	return m
}

func TestManager_EnsureOpenIdempotent(t *testing.T) {
	opens := 0
	port := &fakePort{}
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		opens++
		return port, nil
	})

	if !m.EnsureOpen() {
		t.Fatal("EnsureOpen should succeed")
	}
	if !m.EnsureOpen() {
		t.Fatal("EnsureOpen should succeed when already open")
	}
	if opens != 1 {
		t.Errorf("Expected 1 open attempt, got %d", opens)
	}
	if m.State() != StateOpen {
		t.Errorf("Expected state open, got %s", m.State())
	}
	if !port.inputReset {
		t.Error("Stale input buffer should be cleared on open")
	}
}

func TestManager_ReconnectAfterFailure(t *testing.T) {
	attempts := 0
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("no such device")
		}
		return &fakePort{}, nil
	})

	// Device absent: repeated attempts keep failing, never panic.
	if m.EnsureOpen() {
		t.Fatal("EnsureOpen should fail while the device is absent")
	}
	if m.EnsureOpen() {
		t.Fatal("EnsureOpen should fail while the device is absent")
	}
	if m.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", m.State())
	}

	// Device appears: the very next attempt succeeds.
	if !m.EnsureOpen() {
		t.Fatal("EnsureOpen should succeed once the device is available")
	}
	if m.State() != StateOpen {
		t.Errorf("Expected state open, got %s", m.State())
	}
}

func TestManager_WriteNotOpen(t *testing.T) {
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		return &fakePort{}, nil
	})

	err := m.Write([]byte("G0 X1\n"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Expected IOError, got %v", err)
	}
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen in chain, got %v", err)
	}
}

func TestManager_WriteFaultsLink(t *testing.T) {
	port := &fakePort{}
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	})
	if !m.EnsureOpen() {
		t.Fatal("EnsureOpen failed")
	}

	port.writeErr = errors.New("device unplugged")
	err := m.Write([]byte("G0 X1\n"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Expected IOError, got %v", err)
	}
	if m.State() != StateFaulted {
		t.Errorf("Expected state faulted, got %s", m.State())
	}

	// A faulted connection is discarded, never reused.
	m.Close()
	if !port.closed {
		t.Error("Faulted port should be released on close")
	}
	if m.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", m.State())
	}
}

func TestManager_WriteAndRead(t *testing.T) {
	port := &fakePort{}
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	})
	if !m.EnsureOpen() {
		t.Fatal("EnsureOpen failed")
	}

	if err := m.Write([]byte("G0 X1\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := port.written.String(); got != "G0 X1\n" {
		t.Errorf("Expected written G0 X1\\n, got %q", got)
	}

	// Nothing available yet.
	data, err := m.ReadAvailable()
	if err != nil {
		t.Fatalf("ReadAvailable failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected no data, got %q", data)
	}

	port.stuff("ok\r\n")
	data, err = m.ReadAvailable()
	if err != nil {
		t.Fatalf("ReadAvailable failed: %v", err)
	}
	if string(data) != "ok\r\n" {
		t.Errorf("Expected ok\\r\\n, got %q", data)
	}

	stats := m.Stats()
	if stats.BytesWritten != 6 || stats.BytesRead != 4 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestManager_CloseIdempotent(t *testing.T) {
	m := newTestManager(func(name string, mode *serial.Mode) (serial.Port, error) {
		return &fakePort{}, nil
	})
	m.Close()
	m.Close()
	if m.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", m.State())
	}
}
