package parser

import (
	"bytes"
	"io"
)

const (
	// maxPendingEscape bounds how long an unterminated sequence is held
	// back waiting for its terminator.
	maxPendingEscape = 4096
	// maxPendingLine bounds how much output without a newline is buffered.
	maxPendingLine = 64 * 1024
)

// Plain writes the plain-text rendition of a stream of terminal output
// to an underlying writer. Input may be split at arbitrary byte offsets:
// escape sequences spanning writes are reassembled, and output is emitted
// a line at a time so backspaces apply across writes.
type Plain struct {
	w   io.Writer
	buf []byte
}

func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w}
}

func (p *Plain) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)

	end := len(p.buf)
	if i := bytes.LastIndexByte(p.buf, 0x1b); i >= 0 && end-i <= maxPendingEscape && incompleteEscape(p.buf[i:]) {
		end = i
	}

	cut := bytes.LastIndexByte(p.buf[:end], '\n') + 1
	if len(p.buf) > maxPendingLine {
		cut = end
	}
	if cut == 0 {
		return len(b), nil
	}

	if _, err := p.w.Write(stripANSI(p.buf[:cut])); err != nil {
		return 0, err
	}
	p.buf = append(p.buf[:0], p.buf[cut:]...)
	return len(b), nil
}

// Flush writes whatever is still buffered, including an unterminated
// final line.
func (p *Plain) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	_, err := p.w.Write(stripANSI(p.buf))
	p.buf = p.buf[:0]
	return err
}
