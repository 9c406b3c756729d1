// internal/framer/framer.go
package framer

import (
	"bytes"
)

// Framer reassembles a raw byte stream into discrete newline-terminated
// lines. Serial reads deliver arbitrary chunks, so the unterminated tail of
// each read is buffered until the rest of the line arrives.
type Framer struct {
	buf []byte
}

// New creates an empty framer
func New() *Framer {
	return &Framer{}
}

// Feed appends raw bytes to the internal accumulator
func (f *Framer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	f.buf = append(f.buf, p...)
}

// Extract slices the accumulator at each newline and returns the complete
// lines, newline stripped. A trailing carriage return is also stripped since
// GRBL terminates responses with CRLF. Empty lines are filtered out. The
// unterminated tail stays buffered for the next Feed.
func (f *Framer) Extract() []string {
	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}

	// Release the backing array once everything has been consumed
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines
}

// Buffered returns the number of bytes held back as an unterminated tail
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any buffered partial line. Called on reconnect so stale
// fragments from a previous device session never merge with new output.
func (f *Framer) Reset() {
	f.buf = nil
}
