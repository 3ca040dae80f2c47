package db

import (
	"context"
	"fmt"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
)

// Writer is a worker's connection bound to the COPY statement it runs.
type Writer struct {
	conn    *Conn
	copyCmd string
	lost    bool
}

// NewWriter opens a dedicated connection for one worker.
func NewWriter(ctx context.Context, t Target, cmd CopyCommand) (*Writer, error) {
	conn, err := Connect(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Writer{conn: conn, copyCmd: cmd.String()}, nil
}

// WriteBatch copies one batch and returns the acknowledged row count.
func (w *Writer) WriteBatch(ctx context.Context, b batch.Batch) (int64, error) {
	rows, err := w.conn.CopyFromLines(ctx, b.Data, w.copyCmd)
	if err != nil {
		var lost bool
		err, lost = classifyCopyError(ctx, err)
		w.lost = w.lost || lost
		return 0, err
	}
	return rows, nil
}

// classifyCopyError tells a batch the server rejected from one that never
// reached it. lost is true when the connection cannot be trusted afterwards.
func classifyCopyError(ctx context.Context, err error) (wrapped error, lost bool) {
	if IsServerError(err) {
		code, detail := ErrorDetail(err)
		return fmt.Errorf("copy rejected (SQLSTATE %s, %s): %w", code, detail, err), false
	}
	if ctx.Err() != nil {
		return err, false
	}
	return fmt.Errorf("connection lost during copy: %w", err), true
}

// Alive reports whether the connection can take another batch.
func (w *Writer) Alive() bool {
	return !w.lost && !w.conn.IsClosed()
}

// Close releases the connection.
func (w *Writer) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}
