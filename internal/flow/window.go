// internal/flow/window.go
package flow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrCommandTooLong is returned by Admit when a single command can never fit
// the window, no matter how many acknowledgments arrive.
var ErrCommandTooLong = errors.New("command exceeds flow window capacity")

// Window tracks the byte lengths of commands written to the firmware but not
// yet acknowledged, and blocks admission of new commands until the firmware's
// receive buffer has room. Byte-length accounting matches GRBL's
// byte-addressed buffer more precisely than counting whole commands.
//
// Acknowledgments are reconciled FIFO: GRBL processes and confirms commands
// in the exact order they were sent, so each "ok" pops the oldest entry.
type Window struct {
	mu          sync.Mutex
	pending     []int
	capacity    int
	maxInflight int

	// notify is closed and replaced whenever the window changes, waking
	// every blocked Admit so it can re-check for room.
	notify chan struct{}

	logger *zap.Logger
}

// NewWindow creates a window with the given byte capacity. maxInflight limits
// the number of unacknowledged commands; zero or negative disables the count
// limit so only the byte window applies. maxInflight=1 gives strict
// one-command-at-a-time flow control.
func NewWindow(capacity, maxInflight int, logger *zap.Logger) *Window {
	return &Window{
		capacity:    capacity,
		maxInflight: maxInflight,
		notify:      make(chan struct{}),
		logger:      logger.With(zap.String("component", "flow-window")),
	}
}

// Admit blocks until a command of n bytes fits the window, i.e. until
// sum(pending)+n < capacity and the in-flight count is below the configured
// maximum. It returns early with the context error on cancellation, and with
// ErrCommandTooLong when n can never fit. Admit does not reserve room; the
// caller must Append after a successful write.
func (w *Window) Admit(ctx context.Context, n int) error {
	if n >= w.capacity {
		return ErrCommandTooLong
	}

	for {
		w.mu.Lock()
		if w.fitsLocked(n) {
			w.mu.Unlock()
			return nil
		}
		wait := w.notify
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (w *Window) fitsLocked(n int) bool {
	if w.maxInflight > 0 && len(w.pending) >= w.maxInflight {
		return false
	}
	sum := 0
	for _, p := range w.pending {
		sum += p
	}
	return sum+n < w.capacity
}

// Append records a newly written command's length at the back of the pending
// sequence. Call only after a successful link write.
func (w *Window) Append(n int) {
	w.mu.Lock()
	w.pending = append(w.pending, n)
	w.wakeLocked()
	w.mu.Unlock()
}

// Acknowledge pops the oldest pending entry and reports whether one existed.
// Acknowledging an empty window is a no-op; GRBL emits a spontaneous "ok"
// after a soft reset, which must not corrupt the accounting.
func (w *Window) Acknowledge() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		w.logger.Debug("Acknowledgment with empty window, ignoring")
		return false
	}
	w.pending = w.pending[1:]
	w.wakeLocked()
	return true
}

// Clear empties the pending sequence unconditionally. Commands in flight at
// this point are abandoned: the firmware may still execute them, but their
// acknowledgments will no longer be matched. Called on disconnect, link
// error, and session loss.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		w.logger.Debug("Clearing flow window",
			zap.Int("abandoned_commands", len(w.pending)),
		)
	}
	w.pending = nil
	w.wakeLocked()
}

// wakeLocked signals every blocked Admit. Caller must hold w.mu.
func (w *Window) wakeLocked() {
	close(w.notify)
	w.notify = make(chan struct{})
}

// PendingBytes returns the sum of unacknowledged command lengths
func (w *Window) PendingBytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	sum := 0
	for _, p := range w.pending {
		sum += p
	}
	return sum
}

// InFlight returns the number of unacknowledged commands
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Capacity returns the configured byte ceiling
func (w *Window) Capacity() int {
	return w.capacity
}
