package record

import (
	"fmt"
	"io"
	"strconv"
)

// AppendRecord appends the encoding of rec to dst.
func AppendRecord(dst []byte, rec Record) ([]byte, error) {
	start := len(dst)
	dst = strconv.AppendUint(dst, rec.Timestamp, 10)
	dst = append(dst, ' ')
	switch rec.Origin {
	case OriginUser, OriginHost:
		dst = append(dst, rec.Origin.String()...)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(rec.Payload)), 10)
		dst = append(dst, '\n')
		// Fixed-width fields keep real headers far below the bound; the
		// check guards the format limit rather than a reachable case.
		if len(dst)-start > MaxHeaderSize {
			return dst[:start], ErrHeaderTooLarge
		}
		dst = append(dst, rec.Payload...)
		dst = append(dst, '\n')
	case OriginResize:
		dst = append(dst, "SIZE "...)
		dst = strconv.AppendUint(dst, uint64(rec.Cols), 10)
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, uint64(rec.Rows), 10)
		dst = append(dst, '\n')
		// Unreachable for the same reason; kept as the format limit.
		if len(dst)-start > MaxHeaderSize {
			return dst[:start], ErrHeaderTooLarge
		}
	default:
		return dst[:start], fmt.Errorf("record: unknown origin %v", rec.Origin)
	}
	return dst, nil
}

// Writer appends timestamped records to a log stream. Each record is
// handed to the underlying writer in a single Write call.
//
// Timestamps never decrease across records written by one Writer even if
// the clock does. After the first write error every call returns that
// error.
type Writer struct {
	w     io.Writer
	clock Clock
	last  uint64
	buf   []byte
	stats Stats
	err   error
}

// NewWriter returns a Writer stamping records with clock. A nil clock
// uses a MonotonicClock started now.
func NewWriter(w io.Writer, clock Clock) *Writer {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &Writer{w: w, clock: clock}
}

// Data records a chunk of terminal traffic. origin must be OriginUser or
// OriginHost.
func (w *Writer) Data(origin Origin, p []byte) error {
	if origin != OriginUser && origin != OriginHost {
		return fmt.Errorf("record: origin %v does not carry data", origin)
	}
	return w.write(Record{Timestamp: w.now(), Origin: origin, Payload: p})
}

// Resize records a window size change.
func (w *Writer) Resize(cols, rows uint16) error {
	return w.write(Record{Timestamp: w.now(), Origin: OriginResize, Cols: cols, Rows: rows})
}

// Stats reports what has been written so far.
func (w *Writer) Stats() Stats {
	return w.stats
}

func (w *Writer) now() uint64 {
	ts := w.clock.Micros()
	if ts < w.last {
		ts = w.last
	}
	w.last = ts
	return ts
}

func (w *Writer) write(rec Record) error {
	if w.err != nil {
		return w.err
	}
	buf, err := AppendRecord(w.buf[:0], rec)
	if err != nil {
		return err
	}
	w.buf = buf
	if err := writeFull(w.w, buf); err != nil {
		w.err = fmt.Errorf("record: write log: %w", err)
		return w.err
	}

	w.stats.Records++
	switch rec.Origin {
	case OriginUser:
		w.stats.UserBytes += int64(len(rec.Payload))
	case OriginHost:
		w.stats.HostBytes += int64(len(rec.Payload))
	case OriginResize:
		w.stats.Resizes++
	}
	return nil
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
