package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Reader decodes records from a log stream.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 2*MaxHeaderSize)}
}

// Next returns the next record. It returns io.EOF when the stream ends
// cleanly between records and an error wrapping ErrMalformed otherwise.
func (r *Reader) Next() (Record, error) {
	line, err := r.r.ReadSlice('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return Record{}, io.EOF
		}
		if err == io.EOF {
			return Record{}, fmt.Errorf("%w: truncated header %q", ErrMalformed, line)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			return Record{}, fmt.Errorf("%w: header longer than %d bytes", ErrMalformed, MaxHeaderSize)
		}
		return Record{}, err
	}
	if len(line) > MaxHeaderSize {
		return Record{}, fmt.Errorf("%w: header longer than %d bytes", ErrMalformed, MaxHeaderSize)
	}

	rec, length, err := parseHeader(line[:len(line)-1])
	if err != nil {
		return Record{}, err
	}
	if rec.Origin == OriginResize {
		return rec, nil
	}

	var payload bytes.Buffer
	n, err := io.Copy(&payload, io.LimitReader(r.r, length))
	if err != nil {
		return Record{}, err
	}
	if n != length {
		return Record{}, fmt.Errorf("%w: payload truncated at %d of %d bytes", ErrMalformed, n, length)
	}
	nl, err := r.r.ReadByte()
	if err != nil || nl != '\n' {
		return Record{}, fmt.Errorf("%w: missing newline after payload", ErrMalformed)
	}
	rec.Payload = payload.Bytes()
	return rec, nil
}

func parseHeader(line []byte) (Record, int64, error) {
	fields := bytes.Split(line, []byte{' '})
	if len(fields) < 3 {
		return Record{}, 0, fmt.Errorf("%w: header %q", ErrMalformed, line)
	}
	ts, err := strconv.ParseUint(string(fields[0]), 10, 64)
	if err != nil {
		return Record{}, 0, fmt.Errorf("%w: timestamp %q", ErrMalformed, fields[0])
	}
	origin, ok := parseOrigin(string(fields[1]))
	if !ok {
		return Record{}, 0, fmt.Errorf("%w: origin %q", ErrMalformed, fields[1])
	}
	rec := Record{Timestamp: ts, Origin: origin}

	if origin == OriginResize {
		if len(fields) != 4 {
			return Record{}, 0, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		cols, err := strconv.ParseUint(string(fields[2]), 10, 16)
		if err != nil {
			return Record{}, 0, fmt.Errorf("%w: columns %q", ErrMalformed, fields[2])
		}
		rows, err := strconv.ParseUint(string(fields[3]), 10, 16)
		if err != nil {
			return Record{}, 0, fmt.Errorf("%w: rows %q", ErrMalformed, fields[3])
		}
		rec.Cols, rec.Rows = uint16(cols), uint16(rows)
		return rec, 0, nil
	}

	if len(fields) != 3 {
		return Record{}, 0, fmt.Errorf("%w: header %q", ErrMalformed, line)
	}
	length, err := strconv.ParseInt(string(fields[2]), 10, 64)
	if err != nil || length < 0 {
		return Record{}, 0, fmt.Errorf("%w: length %q", ErrMalformed, fields[2])
	}
	return rec, length, nil
}
