// internal/link/errors.go
package link

import (
	"errors"
	"fmt"
)

// ErrNotOpen reports an I/O attempt against a link that is not open
var ErrNotOpen = errors.New("serial link not open")

// OpenError reports a failed attempt to open the serial device. It is
// non-fatal: the watchdog retries at a fixed interval until the device
// appears.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open serial port %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IOError reports a read or write failure on an open link. The caller must
// treat it as connection loss: close the link, clear the flow window, and
// leave recovery to the watchdog.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serial %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
