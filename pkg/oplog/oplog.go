// Package oplog implements the durable operation log: an append-only file of
// marshaled replicated operations, one per line. The line count is the
// replica's progress. Appends are flushed to stable storage before they are
// acknowledged; a replica that confirmed an op can replay it after a crash.
package oplog

import (
	"errors"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("oplog: log closed")
	// ErrOutOfRange is returned when a slice request exceeds the log bounds.
	ErrOutOfRange = errors.New("oplog: slice out of range")
	// ErrNotReplicated is returned when a read-only or control op is
	// appended. Only create, login, delete, send and notif are durable.
	ErrNotReplicated = errors.New("oplog: op is not replicated")
)

// Log is the durable log surface the dispatcher and the catch-up protocol
// share. Append is called only by the dispatcher goroutine; Progress and
// Slice may be called concurrently by peer-serving goroutines.
type Log interface {
	// Append durably stores one replicated op and increments progress.
	// An append failure is fatal to the replica.
	Append(op wire.Op) error

	// Progress returns the number of ops appended so far.
	Progress() int

	// Slice returns the ops at positions [lo, hi), used for catch-up.
	Slice(lo, hi int) ([]wire.Op, error)

	// Close releases the underlying file. Further calls fail with ErrClosed.
	Close() error
}
