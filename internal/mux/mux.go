// Package mux relays bytes between the user's terminal and a child PTY on
// a single goroutine, optionally accepting injected input and recording
// all traffic.
//
// The multiplexer blocks in poll(2) on a fixed table of at most four
// descriptors and services exactly one ready channel per wakeup, in the
// order user, child, resize, injector. A child that writes continuously
// can therefore starve the resize and injector channels; user keystrokes
// are never starved.
package mux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/user/termtrace/internal/inject"
	"github.com/user/termtrace/internal/record"
)

// MinChunkSize is the smallest read buffer a Mux will use.
const MinChunkSize = 16 * 1024

// Config wires a Mux to its channels. UserIn, UserOut and Child are
// required. Resize needs Sizer. Injector and Recorder are optional.
type Config struct {
	UserIn  Readable
	UserOut io.Writer
	Child   Child

	Resize   ResizeSource
	Sizer    Sizer
	Injector Readable
	Recorder Recorder

	AuxPolicy AuxPolicy
	ChunkSize int
	Logger    *slog.Logger
}

type slot struct {
	fd     int
	active bool
}

// Mux is the event loop for one session. It is not safe for concurrent
// use and Run may be called only once.
type Mux struct {
	cfg    Config
	logger *slog.Logger
	slots  [numRoles]slot
	pfds   [numRoles]unix.PollFd
	buf    []byte

	// injectBuf holds one whole datagram.
	injectBuf []byte

	result Result
	ran    bool
}

// New validates cfg and builds the channel table.
func New(cfg Config) (*Mux, error) {
	if cfg.UserIn == nil || cfg.UserOut == nil {
		return nil, errors.New("mux: user terminal is required")
	}
	if cfg.Child == nil {
		return nil, errors.New("mux: child is required")
	}
	if cfg.Resize != nil && cfg.Sizer == nil {
		return nil, errors.New("mux: resize source needs a sizer")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = MinChunkSize
	}
	if cfg.ChunkSize < MinChunkSize {
		return nil, fmt.Errorf("mux: chunk size %d below minimum %d", cfg.ChunkSize, MinChunkSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mux{
		cfg:    cfg,
		logger: logger,
		buf:    make([]byte, cfg.ChunkSize),
	}
	m.slots[RoleUser] = slot{fd: int(cfg.UserIn.Fd()), active: true}
	m.slots[RoleChild] = slot{fd: int(cfg.Child.Fd()), active: true}
	if cfg.Resize != nil {
		m.slots[RoleResize] = slot{fd: int(cfg.Resize.Fd()), active: true}
	}
	if cfg.Injector != nil {
		m.slots[RoleInjector] = slot{fd: int(cfg.Injector.Fd()), active: true}
		m.injectBuf = make([]byte, inject.MaxDatagram)
	}
	return m, nil
}

// Run pushes the initial window size to the child and relays traffic
// until a primary channel ends or a fatal error occurs.
func (m *Mux) Run() Result {
	if m.ran {
		return Result{Reason: EndPollFailed, Err: errors.New("mux: Run called twice")}
	}
	m.ran = true

	if m.cfg.Sizer != nil {
		if done := m.syncSize(); done {
			return m.result
		}
	}

	for {
		for i := range m.slots {
			if m.slots[i].active {
				m.pfds[i] = unix.PollFd{Fd: int32(m.slots[i].fd), Events: unix.POLLIN}
			} else {
				m.pfds[i] = unix.PollFd{Fd: -1}
			}
		}

		if _, err := unix.Poll(m.pfds[:], -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return m.end(EndPollFailed, fmt.Errorf("mux: poll: %w", err))
		}

		for i := range m.pfds {
			if !m.slots[i].active || m.pfds[i].Revents == 0 {
				continue
			}
			if m.service(Role(i), m.pfds[i].Revents) {
				return m.result
			}
			break
		}
	}
}

// service handles one ready channel and reports whether the session is over.
func (m *Mux) service(role Role, revents int16) bool {
	if revents&unix.POLLNVAL != 0 {
		err := fmt.Errorf("mux: %s descriptor invalid", role)
		switch role {
		case RoleUser:
			m.end(EndUserError, err)
			return true
		case RoleChild:
			m.end(EndChildError, err)
			return true
		default:
			return m.auxFailed(role, err)
		}
	}

	switch role {
	case RoleUser:
		return m.relay(m.cfg.UserIn, m.cfg.Child, record.OriginUser, EndUserEOF, EndUserError, EndChildError, &m.result.UserBytes)
	case RoleChild:
		return m.relay(m.cfg.Child, m.cfg.UserOut, record.OriginHost, EndChildEOF, EndChildError, EndUserError, &m.result.HostBytes)
	case RoleResize:
		return m.resize()
	case RoleInjector:
		return m.inject()
	}
	return false
}

// relay moves one chunk from a primary channel to its peer.
func (m *Mux) relay(src io.Reader, dst io.Writer, origin record.Origin, eof, readErr, writeErr EndReason, counter *int64) bool {
	n, err := src.Read(m.buf)
	if n > 0 {
		chunk := m.buf[:n]
		if m.record(origin, chunk) {
			return true
		}
		if werr := writeAll(dst, chunk); werr != nil {
			m.end(writeErr, fmt.Errorf("mux: forward %s: %w", origin, werr))
			return true
		}
		*counter += int64(n)
	}

	switch {
	case err == nil && n > 0:
		return false
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
		// A PTY master reports EIO once every slave descriptor is closed.
		m.end(eof, nil)
	default:
		m.end(readErr, fmt.Errorf("mux: read %s: %w", origin, err))
	}
	return true
}

func (m *Mux) inject() bool {
	n, err := m.cfg.Injector.Read(m.injectBuf)
	if err != nil {
		return m.auxFailed(RoleInjector, fmt.Errorf("mux: read injector: %w", err))
	}
	if n == 0 {
		m.logger.Debug("empty datagram ignored")
		return false
	}
	chunk := m.injectBuf[:n]
	if m.record(record.OriginUser, chunk) {
		return true
	}
	if err := writeAll(m.cfg.Child, chunk); err != nil {
		m.end(EndChildError, fmt.Errorf("mux: forward injected input: %w", err))
		return true
	}
	m.result.InjectedBytes += int64(n)
	return false
}

func (m *Mux) resize() bool {
	if _, err := m.cfg.Resize.Drain(); err != nil {
		return m.auxFailed(RoleResize, err)
	}
	return m.syncSize()
}

// syncSize copies the terminal size to the child and records it.
func (m *Mux) syncSize() bool {
	ws, err := m.cfg.Sizer.CurrentSize()
	if err != nil {
		m.end(EndResizeFailed, err)
		return true
	}
	if m.cfg.Recorder != nil {
		if err := m.cfg.Recorder.Resize(ws.Cols, ws.Rows); err != nil {
			m.end(EndRecordFailed, err)
			return true
		}
	}
	if err := m.cfg.Sizer.Apply(ws); err != nil {
		m.end(EndResizeFailed, err)
		return true
	}
	m.result.Resizes++
	m.logger.Debug("window size applied", "cols", ws.Cols, "rows", ws.Rows)
	return false
}

func (m *Mux) record(origin record.Origin, p []byte) bool {
	if m.cfg.Recorder == nil {
		return false
	}
	if err := m.cfg.Recorder.Data(origin, p); err != nil {
		m.end(EndRecordFailed, err)
		return true
	}
	return false
}

func (m *Mux) auxFailed(role Role, err error) bool {
	if m.cfg.AuxPolicy == AuxEnd {
		m.end(EndAuxFailed, err)
		return true
	}
	m.logger.Warn("auxiliary channel disabled", "channel", role.String(), "error", err)
	m.slots[role].active = false
	m.result.Disabled = append(m.result.Disabled, role)
	return false
}

func (m *Mux) end(reason EndReason, err error) Result {
	m.result.Reason = reason
	m.result.Err = err
	return m.result
}

// writeAll retries short writes until p is consumed or a write fails.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
