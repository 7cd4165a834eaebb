package mux

import (
	"fmt"
	"io"
	"strings"

	"github.com/user/termtrace/internal/record"
	"github.com/user/termtrace/internal/terminal"
)

// Role identifies a slot in the channel table. Lower values are serviced
// first when several channels are ready at once.
type Role int

const (
	RoleUser Role = iota
	RoleChild
	RoleResize
	RoleInjector

	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleChild:
		return "child"
	case RoleResize:
		return "resize"
	case RoleInjector:
		return "injector"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// EndReason says why a session stopped.
type EndReason int

const (
	EndUserEOF EndReason = iota + 1
	EndUserError
	EndChildEOF
	EndChildError
	EndResizeFailed
	EndRecordFailed
	EndAuxFailed
	EndPollFailed
)

func (e EndReason) String() string {
	switch e {
	case EndUserEOF:
		return "user-eof"
	case EndUserError:
		return "user-error"
	case EndChildEOF:
		return "child-eof"
	case EndChildError:
		return "child-error"
	case EndResizeFailed:
		return "resize-failed"
	case EndRecordFailed:
		return "record-failed"
	case EndAuxFailed:
		return "aux-failed"
	case EndPollFailed:
		return "poll-failed"
	default:
		return fmt.Sprintf("EndReason(%d)", int(e))
	}
}

// AuxPolicy decides what a failure of the resize or injector channel does.
type AuxPolicy int

const (
	// AuxDisable drops the failed channel and keeps the session running.
	AuxDisable AuxPolicy = iota
	// AuxEnd ends the session.
	AuxEnd
)

func (p AuxPolicy) String() string {
	if p == AuxEnd {
		return "end"
	}
	return "disable"
}

// ParseAuxPolicy accepts "disable" or "end".
func ParseAuxPolicy(s string) (AuxPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disable":
		return AuxDisable, nil
	case "end":
		return AuxEnd, nil
	default:
		return 0, fmt.Errorf("unknown aux failure policy %q (want disable or end)", s)
	}
}

// Readable is a source that can be polled by descriptor.
type Readable interface {
	io.Reader
	Fd() uintptr
}

// Child is the master side of the child program's PTY.
type Child interface {
	Readable
	io.Writer
}

// ResizeSource signals pending window size changes.
type ResizeSource interface {
	Fd() uintptr
	Drain() (int, error)
}

// Sizer reads the real terminal size and applies it to the child.
type Sizer interface {
	CurrentSize() (terminal.WindowSize, error)
	Apply(terminal.WindowSize) error
}

// Recorder receives session traffic. *record.Writer implements it.
type Recorder interface {
	Data(origin record.Origin, p []byte) error
	Resize(cols, rows uint16) error
}

// Result describes a finished session.
type Result struct {
	Reason EndReason
	// Err is the error behind Reason, nil for a clean end of stream.
	Err error

	UserBytes     int64
	HostBytes     int64
	InjectedBytes int64
	Resizes       int64
	// Disabled lists auxiliary channels dropped after a failure.
	Disabled []Role
}
