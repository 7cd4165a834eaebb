// Package record implements the session log format.
//
// A log is a sequence of records, each starting with a text header line:
//
//	<micros> USER <length>\n<payload>\n
//	<micros> HOST <length>\n<payload>\n
//	<micros> SIZE <columns> <rows>\n
//
// Payloads are written verbatim and are located only by their declared
// length, so they may contain newlines or NUL bytes.
package record

import (
	"errors"
	"fmt"
)

// MaxHeaderSize bounds the length of a header line, newline included.
const MaxHeaderSize = 2048

var (
	// ErrHeaderTooLarge is returned when a header would exceed MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("record: header exceeds maximum size")
	// ErrMalformed is returned by Reader for input that is not a valid log.
	ErrMalformed = errors.New("record: malformed log")
)

// Origin tags where a record came from.
type Origin uint8

const (
	// OriginUser is input typed on the local terminal or injected remotely.
	OriginUser Origin = iota + 1
	// OriginHost is output produced by the child program.
	OriginHost
	// OriginResize is a change of the terminal window size.
	OriginResize
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "USER"
	case OriginHost:
		return "HOST"
	case OriginResize:
		return "SIZE"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

func parseOrigin(s string) (Origin, bool) {
	switch s {
	case "USER":
		return OriginUser, true
	case "HOST":
		return OriginHost, true
	case "SIZE":
		return OriginResize, true
	}
	return 0, false
}

// Record is one logged unit of session activity. Payload is set for
// OriginUser and OriginHost; Cols and Rows are set for OriginResize.
type Record struct {
	Timestamp uint64
	Origin    Origin
	Payload   []byte
	Cols      uint16
	Rows      uint16
}

// Stats counts what a Writer has emitted.
type Stats struct {
	Records   int64
	UserBytes int64
	HostBytes int64
	Resizes   int64
}
