package oplog

import (
	"fmt"
	"sync"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

// MemoryLog is a Log without durability, for tests and tooling.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []wire.Op
	closed  bool
}

var _ Log = (*MemoryLog)(nil)

// NewMemory returns an empty in-memory log.
func NewMemory() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(op wire.Op) error {
	if !op.Replicated() {
		return fmt.Errorf("%w: %s", ErrNotReplicated, op.Kind)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.entries = append(l.entries, op)
	return nil
}

// Progress implements Log.
func (l *MemoryLog) Progress() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Slice implements Log.
func (l *MemoryLog) Slice(lo, hi int) ([]wire.Op, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	if lo < 0 || hi < lo || hi > len(l.entries) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, lo, hi, len(l.entries))
	}
	out := make([]wire.Op, hi-lo)
	copy(out, l.entries[lo:hi])
	return out, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return nil
}
