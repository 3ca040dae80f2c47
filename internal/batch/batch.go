// Package batch turns a delimited input stream into numbered batches of raw rows.
// It is the single producer of a parallel copy: the input is read sequentially
// by one goroutine, so file order is preserved within every batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Options controls how input is split into batches.
type Options struct {
	// Size is the number of rows per batch.
	Size int

	// Skip is the number of leading physical lines to discard.
	Skip int

	// Limit caps the total number of rows read; 0 means unbounded.
	Limit int64

	// Quote and Escape enable quote-aware row boundaries; 0 when unset.
	Quote  byte
	Escape byte
}

// Batch is an ordered group of raw rows handed to exactly one worker.
// Seq starts at 1 and only identifies the batch in progress reports.
type Batch struct {
	Seq  int64
	Rows int
	Data net.Buffers
}

// Bytes returns the total payload size of the batch.
func (b Batch) Bytes() int {
	n := 0
	for _, buf := range b.Data {
		n += len(buf)
	}
	return n
}

// Batcher groups rows from a LineSource into batches of Options.Size rows and
// is the only place where Options.Limit is enforced.
type Batcher struct {
	src   *LineSource
	size  int
	limit int64

	seq  int64
	rows int64
	done bool
}

// NewBatcher wraps r with a LineSource configured from opts.
func NewBatcher(r io.Reader, opts Options) (*Batcher, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", opts.Size)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative, got %d", opts.Limit)
	}
	return &Batcher{
		src:   NewLineSource(r, opts.Quote, opts.Escape, opts.Skip),
		size:  opts.Size,
		limit: opts.Limit,
	}, nil
}

// Next returns the next batch, or io.EOF when the input is exhausted or the
// row limit has been reached. Every batch except the last holds exactly Size rows.
func (b *Batcher) Next() (Batch, error) {
	if b.done {
		return Batch{}, io.EOF
	}

	want := b.size
	if b.limit > 0 {
		if remaining := b.limit - b.rows; remaining < int64(want) {
			want = int(remaining)
		}
	}

	bufs := make(net.Buffers, 0, want)
	for len(bufs) < want {
		row, err := b.src.Next()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			b.done = true
			return Batch{}, err
		}
		bufs = append(bufs, row)
	}

	b.rows += int64(len(bufs))
	if b.limit > 0 && b.rows >= b.limit {
		b.done = true
	}
	if len(bufs) == 0 {
		return Batch{}, io.EOF
	}

	b.seq++
	return Batch{Seq: b.seq, Rows: len(bufs), Data: bufs}, nil
}

// Scan reads r to completion (or until the row limit) and sends batches to out
// in increasing Seq order. It blocks while out is full and returns early with
// ctx.Err() when ctx is cancelled. out is not closed. The returned count is the
// number of rows sent.
func Scan(ctx context.Context, r io.Reader, out chan<- Batch, opts Options) (int64, error) {
	b, err := NewBatcher(r, opts)
	if err != nil {
		return 0, err
	}

	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		next, err := b.Next()
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		select {
		case out <- next:
			sent += int64(next.Rows)
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}
