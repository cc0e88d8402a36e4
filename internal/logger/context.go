package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext carries request-scoped fields so deep call sites do not thread
// them by hand. The gateway creates one per client operation; the *Ctx
// logging helpers prepend its fields automatically.
type LogContext struct {
	TraceID   string
	SpanID    string
	Replica   string // replica name handling the request
	Op        string // operation kind: create, send, notif, ...
	User      string // acting user_id
	ConnID    string // connection id the request arrived on
	StartTime time.Time
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext returns the LogContext in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext starts a request context for one connection.
func NewLogContext(replica, connID string) *LogContext {
	return &LogContext{Replica: replica, ConnID: connID, StartTime: time.Now()}
}

// Clone returns a copy, so per-op mutations do not leak across requests.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	out := *lc
	return &out
}

// WithOp returns a copy with the op kind and acting user set.
func (lc *LogContext) WithOp(op, user string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Op = op
		clone.User = user
		clone.StartTime = time.Now()
	}
	return clone
}

// WithTrace returns a copy with trace identifiers set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns milliseconds since StartTime.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
