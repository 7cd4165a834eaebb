package terminal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when a file is not a terminal.
var ErrNotTerminal = errors.New("terminal: not a terminal")

// RawMode holds a terminal in raw mode until Restore is called. Restore
// may be called any number of times; only the first call has an effect.
type RawMode struct {
	fd    int
	saved *term.State
	once  sync.Once
	err   error
}

// EnterRaw snapshots the terminal state of f and switches it to raw mode.
func EnterRaw(f *os.File) (*RawMode, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, f.Name())
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("terminal: enter raw mode: %w", err)
	}
	return &RawMode{fd: fd, saved: saved}, nil
}

// Restore puts the terminal back into the state captured by EnterRaw.
func (r *RawMode) Restore() error {
	r.once.Do(func() {
		if err := term.Restore(r.fd, r.saved); err != nil {
			r.err = fmt.Errorf("terminal: restore mode: %w", err)
		}
	})
	return r.err
}

// ChildAttrs returns the termios a child PTY should start with: a copy of
// f's current attributes with IUTF8 set. added reports whether IUTF8 was
// missing from f.
func ChildAttrs(f *os.File) (attrs *unix.Termios, added bool, err error) {
	attrs, err = unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return nil, false, fmt.Errorf("terminal: read attributes: %w", err)
	}
	if attrs.Iflag&unix.IUTF8 == 0 {
		attrs.Iflag |= unix.IUTF8
		added = true
	}
	return attrs, added, nil
}

// SetAttrs applies attrs to f immediately.
func SetAttrs(f *os.File, attrs *unix.Termios) error {
	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, attrs); err != nil {
		return fmt.Errorf("terminal: set attributes: %w", err)
	}
	return nil
}
