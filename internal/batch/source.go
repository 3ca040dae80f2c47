package batch

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
)

// readBufferSize is the bufio buffer used for the input. Lines longer than
// this are assembled from several ReadSlice calls.
const readBufferSize = 1 << 20

// LineSource yields one raw row at a time from an input stream. A row is one
// physical line, or several when a quoted field spans newlines. Row bytes
// include their trailing newline and are never reused by the source.
type LineSource struct {
	r     *bufio.Reader
	state rowState
	skip  int

	skipped bool
	line    int64 // physical lines consumed, including header lines
}

// NewLineSource returns a source that discards the first skip physical lines
// before yielding rows. quote and escape are 0 when not configured.
func NewLineSource(r io.Reader, quote, escape byte, skip int) *LineSource {
	return &LineSource{
		r:     bufio.NewReaderSize(r, readBufferSize),
		state: newRowState(quote, escape),
		skip:  skip,
	}
}

func (s *LineSource) skipHeader() error {
	s.skipped = true
	for skip := s.skip; skip > 0; {
		// ReadLine avoids copying data that is going to be discarded.
		_, isPrefix, err := s.r.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return copyerr.New(copyerr.IO, fmt.Errorf("skipping header: %w", err))
		}
		if !isPrefix {
			skip--
			s.line++
		}
	}
	return nil
}

// Next returns the next raw row, or io.EOF once the input is exhausted.
// A quoted field still open at end of input is reported as an IO error.
func (s *LineSource) Next() ([]byte, error) {
	if !s.skipped {
		if err := s.skipHeader(); err != nil {
			return nil, err
		}
	}

	startLine := s.line + 1
	var row []byte
	for {
		data, err := s.r.ReadSlice('\n')
		if len(data) > 0 {
			// ReadSlice returns a view into the reader's buffer which is
			// overwritten by the next call, so the row gets its own copy.
			row = append(row, data...)
			s.state.feed(data)
		}

		switch {
		case err == nil:
			s.line++
			if !s.state.open() {
				return row, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(row) == 0 {
				return nil, io.EOF
			}
			if s.state.open() {
				return nil, copyerr.Newf(copyerr.IO,
					"unterminated quoted field in row starting at line %d", startLine)
			}
			s.line++
			return row, nil
		default:
			return nil, copyerr.New(copyerr.IO, fmt.Errorf("reading line %d: %w", startLine, err))
		}
	}
}
