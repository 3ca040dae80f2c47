// Package copyerr classifies failures of a parallel copy run.
package copyerr

import (
	"errors"
	"fmt"
)

// Kind identifies which stage of a run failed.
type Kind int

const (
	// Config is an invalid option or option combination.
	Config Kind = iota + 1
	// IO is an unreadable input file or malformed row boundaries.
	IO
	// Connection is a worker that could not reach the database.
	Connection
	// Prepare is a failed truncate of the destination table.
	Prepare
	// BatchCopy is a COPY rejected by the database for one batch.
	BatchCopy
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case IO:
		return "IOError"
	case Connection:
		return "ConnectionError"
	case Prepare:
		return "PrepareError"
	case BatchCopy:
		return "BatchCopyError"
	default:
		return "UnknownError"
	}
}

// Error carries the kind of failure plus the worker and batch it happened in.
// Worker is -1 and Seq is 0 when not applicable.
type Error struct {
	Kind   Kind
	Worker int
	Seq    int64
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Seq > 0 && e.Worker >= 0:
		return fmt.Sprintf("%s: worker %d, batch %d: %v", e.Kind, e.Worker, e.Seq, e.Err)
	case e.Seq > 0:
		return fmt.Sprintf("%s: batch %d: %v", e.Kind, e.Seq, e.Err)
	case e.Worker >= 0:
		return fmt.Sprintf("%s: worker %d: %v", e.Kind, e.Worker, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and no worker or batch context.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Worker: -1, Err: err}
}

// Newf formats a message and wraps it with a kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// ForWorker wraps err with the worker that hit it.
func ForWorker(kind Kind, worker int, err error) *Error {
	return &Error{Kind: kind, Worker: worker, Err: err}
}

// ForBatch wraps err with the worker and batch sequence number.
func ForBatch(kind Kind, worker int, seq int64, err error) *Error {
	return &Error{Kind: kind, Worker: worker, Seq: seq, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether err must stop the whole run. A connection failure only
// stops the worker that hit it; batch failures are tolerated in best-effort mode.
func Fatal(err error, bestEffort bool) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case Connection:
		return false
	case BatchCopy:
		return !bestEffort
	default:
		return true
	}
}
