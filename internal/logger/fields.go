package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently across
// all log statements so log aggregation and querying stay uniform.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Cluster identity and roles
	KeyReplica = "replica" // this replica's name
	KeyPeer    = "peer"    // remote replica's name
	KeyRole    = "role"    // primary or backup
	KeyLeader  = "leader"  // current leader name
	KeyLiving  = "living"  // number of living siblings

	// Replication
	KeyProgress     = "progress"      // local log progress
	KeyPeerProgress = "peer_progress" // progress advertised by a peer
	KeySliceLo      = "slice_lo"      // catch-up slice lower bound
	KeySliceHi      = "slice_hi"      // catch-up slice upper bound

	// Operations
	KeyOp      = "op"      // operation kind
	KeyUser    = "user"    // acting user_id
	KeyTo      = "to"      // send recipient
	KeyPage    = "page"    // list/logs page number
	KeySuccess = "success" // response success flag

	// Connections
	KeyChannel    = "channel"     // internal, client, health, notif
	KeyConnID     = "conn_id"     // per-connection identifier
	KeyRemoteAddr = "remote_addr" // remote socket address
	KeyListenAddr = "listen_addr" // local listener address

	// Notification delivery
	KeySubscriber = "subscriber" // subscribed user_id
	KeyQueueLen   = "queue_len"  // undelivered queue length

	// Metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyCount      = "count"
	KeyAttempt    = "attempt"
)

// Typed attribute constructors, so call sites cannot mismatch key and type.

// Replica returns an attr for this replica's name.
func Replica(name string) slog.Attr {
	return slog.String(KeyReplica, name)
}

// Peer returns an attr for a remote replica's name.
func Peer(name string) slog.Attr {
	return slog.String(KeyPeer, name)
}

// Role returns an attr for the current role string.
func Role(role string) slog.Attr {
	return slog.String(KeyRole, role)
}

// LeaderName returns an attr for the computed leader.
func LeaderName(name string) slog.Attr {
	return slog.String(KeyLeader, name)
}

// Living returns an attr for the living sibling count.
func Living(n int) slog.Attr {
	return slog.Int(KeyLiving, n)
}

// Progress returns an attr for local log progress.
func Progress(p int) slog.Attr {
	return slog.Int(KeyProgress, p)
}

// PeerProgress returns an attr for a peer's advertised progress.
func PeerProgress(p int) slog.Attr {
	return slog.Int(KeyPeerProgress, p)
}

// Op returns an attr for an operation kind.
func Op(kind string) slog.Attr {
	return slog.String(KeyOp, kind)
}

// User returns an attr for the acting user.
func User(id string) slog.Attr {
	return slog.String(KeyUser, id)
}

// To returns an attr for a send recipient.
func To(id string) slog.Attr {
	return slog.String(KeyTo, id)
}

// Success returns an attr for a response success flag.
func Success(ok bool) slog.Attr {
	return slog.Bool(KeySuccess, ok)
}

// Channel returns an attr naming one of the four listener channels.
func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

// ConnID returns an attr for a connection identifier.
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// RemoteAddr returns an attr for the remote socket address.
func RemoteAddr(addr string) slog.Attr {
	return slog.String(KeyRemoteAddr, addr)
}

// ListenAddr returns an attr for a local listener address.
func ListenAddr(addr string) slog.Attr {
	return slog.String(KeyListenAddr, addr)
}

// Subscriber returns an attr for a notification subscriber.
func Subscriber(id string) slog.Attr {
	return slog.String(KeySubscriber, id)
}

// QueueLen returns an attr for an undelivered queue length.
func QueueLen(n int) slog.Attr {
	return slog.Int(KeyQueueLen, n)
}

// DurationMs returns an attr for a duration in milliseconds, as produced by
// Duration.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns an attr for an error, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Count returns an attr for a generic count.
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Attempt returns an attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
