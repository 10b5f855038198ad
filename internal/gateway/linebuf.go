package gateway

import (
	"bytes"
	"strings"
)

// maxLineLength bounds a partial line waiting for its newline. Anything
// longer is line noise and is discarded.
const maxLineLength = 64 * 1024

// lineBuffer assembles newline-delimited records from arbitrary read chunks.
type lineBuffer struct {
	buf []byte
}

// Write appends a chunk. It reports true if buffered data was discarded
// because no newline arrived within maxLineLength bytes.
func (b *lineBuffer) Write(p []byte) bool {
	b.buf = append(b.buf, p...)
	if len(b.buf) > maxLineLength && bytes.IndexByte(b.buf, '\n') < 0 {
		b.buf = b.buf[:0]
		return true
	}
	return false
}

// Next pops the next complete line without its terminator. Invalid UTF-8
// sequences are dropped.
func (b *lineBuffer) Next() (string, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.ToValidUTF8(string(b.buf[:i]), "")
	b.buf = append(b.buf[:0], b.buf[i+1:]...)
	return strings.TrimRight(line, "\r"), true
}

// Reset discards any partial line, e.g. after the port was reopened.
func (b *lineBuffer) Reset() {
	b.buf = b.buf[:0]
}
