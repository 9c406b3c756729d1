// internal/link/manager.go
package link

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// State represents the link connection state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateFaulted
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config holds serial link settings
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Stats holds link I/O statistics
type Stats struct {
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	ErrorCount   int64     `json:"error_count"`
	OpenCount    int64     `json:"open_count"`
	LastActivity time.Time `json:"last_activity"`
}

// openFunc opens a serial port; injectable so tests run without hardware
type openFunc func(portName string, mode *serial.Mode) (serial.Port, error)

// Manager owns the serial connection lifecycle and the raw read/write
// primitives. At most one connection is live at any time; a faulted
// connection is discarded and reopened from scratch, never reused.
type Manager struct {
	config *Config
	logger *zap.Logger

	mutex sync.RWMutex
	port  serial.Port
	state State
	stats Stats

	open openFunc
}

// NewManager creates a link manager for the configured device. The port is
// not opened until EnsureOpen is called.
func NewManager(config *Config, logger *zap.Logger) *Manager {
	return &Manager{
		config: config,
		logger: logger.With(
			zap.String("component", "link"),
			zap.String("port", config.Port),
		),
		state: StateClosed,
		open:  serial.Open,
	}
}

// EnsureOpen opens the device if it is not already open. It is idempotent:
// an open link returns true immediately without re-probing the device. On
// failure the cause is logged and false returned; device errors never
// propagate past this boundary. Recovery is driven solely by the watchdog
// calling EnsureOpen again.
func (m *Manager) EnsureOpen() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == StateOpen && m.port != nil {
		return true
	}

	// Discard any faulted handle before reopening
	if m.port != nil {
		m.port.Close()
		m.port = nil
	}

	mode := &serial.Mode{
		BaudRate: m.config.BaudRate,
	}

	port, err := m.open(m.config.Port, mode)
	if err != nil {
		m.state = StateClosed
		m.logger.Warn("Failed to open serial port",
			zap.Error(&OpenError{Port: m.config.Port, Err: err}),
		)
		return false
	}

	if err := port.SetReadTimeout(m.config.ReadTimeout); err != nil {
		port.Close()
		m.state = StateClosed
		m.logger.Warn("Failed to set read timeout", zap.Error(err))
		return false
	}

	// Drop whatever the device buffered while nobody was listening
	if err := port.ResetInputBuffer(); err != nil {
		m.logger.Debug("Failed to reset input buffer", zap.Error(err))
	}

	m.port = port
	m.state = StateOpen
	m.stats.OpenCount++
	m.stats.LastActivity = time.Now()

	m.logger.Info("Serial port opened",
		zap.Int("baud_rate", m.config.BaudRate),
	)
	return true
}

// IsOpen returns whether the link is open
func (m *Manager) IsOpen() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state == StateOpen && m.port != nil
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// Write writes raw bytes to the open link. Failure means connection loss:
// the link is marked faulted and the caller must close it and clear the
// flow window.
func (m *Manager) Write(data []byte) error {
	m.mutex.RLock()
	port := m.port
	open := m.state == StateOpen
	m.mutex.RUnlock()

	if !open || port == nil {
		return &IOError{Op: "write", Err: ErrNotOpen}
	}

	n, err := port.Write(data)
	if err != nil {
		m.fault()
		return &IOError{Op: "write", Err: err}
	}
	if n != len(data) {
		m.fault()
		return &IOError{Op: "write", Err: fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))}
	}

	m.mutex.Lock()
	m.stats.BytesWritten += int64(n)
	m.stats.LastActivity = time.Now()
	m.mutex.Unlock()

	return nil
}

// ReadAvailable returns zero or more newly available bytes. The read blocks
// at most the configured read timeout; no data within the timeout yields an
// empty result, not an error. A device error marks the link faulted.
func (m *Manager) ReadAvailable() ([]byte, error) {
	m.mutex.RLock()
	port := m.port
	open := m.state == StateOpen
	m.mutex.RUnlock()

	if !open || port == nil {
		return nil, &IOError{Op: "read", Err: ErrNotOpen}
	}

	buffer := make([]byte, 512)
	n, err := port.Read(buffer)
	if err != nil {
		m.fault()
		return nil, &IOError{Op: "read", Err: err}
	}
	if n == 0 {
		return nil, nil
	}

	m.mutex.Lock()
	m.stats.BytesRead += int64(n)
	m.stats.LastActivity = time.Now()
	m.mutex.Unlock()

	return buffer[:n], nil
}

// Close releases the device handle unconditionally. Safe to call on an
// already closed link.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.port != nil {
		if err := m.port.Close(); err != nil {
			m.logger.Debug("Error closing serial port", zap.Error(err))
		}
		m.port = nil
		m.logger.Info("Serial port closed")
	}
	m.state = StateClosed
}

// Stats returns a snapshot of the link I/O statistics
func (m *Manager) Stats() Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// fault marks the connection unusable after an I/O error. The handle stays
// around until Close so it can be released exactly once.
func (m *Manager) fault() {
	m.mutex.Lock()
	if m.state == StateOpen {
		m.state = StateFaulted
	}
	m.stats.ErrorCount++
	m.mutex.Unlock()
}
