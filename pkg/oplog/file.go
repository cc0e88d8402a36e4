package oplog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Filename returns the log path for a replica name under dataDir.
func Filename(dataDir, name string) string {
	return filepath.Join(dataDir, name+"_log.out")
}

// FileLog is the production Log: an append-only file plus an in-memory
// mirror of its entries so that slice reads never touch the disk.
type FileLog struct {
	mu      sync.RWMutex
	f       *os.File
	entries []wire.Op
	closed  bool
}

var _ Log = (*FileLog)(nil)

// Open opens or creates the log file at path, creating parent directories
// as needed, and loads every existing record. A record that fails to parse
// means the file is corrupt; the replica must not serve from it.
func Open(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("oplog: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}

	l := &FileLog{f: f}
	r := wire.NewReader(f)
	for i := 0; ; i++ {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("oplog: read %s: %w", path, err)
		}
		if line == "" {
			continue
		}
		op, err := wire.ParseOp(line)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("oplog: corrupt record %d in %s: %w", i, path, err)
		}
		l.entries = append(l.entries, op)
	}
	return l, nil
}

// Append implements Log. The record is written and fsynced before the
// in-memory mirror and progress advance, so progress never counts an op
// that could be lost.
func (l *FileLog) Append(op wire.Op) error {
	if !op.Replicated() {
		return fmt.Errorf("%w: %s", ErrNotReplicated, op.Kind)
	}
	line, err := op.Marshal()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := wire.WriteLine(l.f, line); err != nil {
		return fmt.Errorf("oplog: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("oplog: sync: %w", err)
	}
	l.entries = append(l.entries, op)
	return nil
}

// Progress implements Log.
func (l *FileLog) Progress() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Slice implements Log.
func (l *FileLog) Slice(lo, hi int) ([]wire.Op, error) {
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
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.f.Close()
}
