package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys. Cluster- and replication-level keys use the "mesh."
// prefix, operation-level keys use "op.", notification delivery uses "notif.".
const (
	// Client attributes
	AttrClientAddr = "client.address"

	// Cluster identity and replication
	AttrReplica      = "mesh.replica"       // this replica's name
	AttrPeer         = "mesh.peer"          // remote replica's name
	AttrRole         = "mesh.role"          // primary or backup
	AttrLeader       = "mesh.leader"        // computed leader name
	AttrProgress     = "mesh.progress"      // local log progress
	AttrPeerProgress = "mesh.peer_progress" // progress advertised by a peer
	AttrSliceLo      = "mesh.slice_lo"      // catch-up slice lower bound
	AttrSliceHi      = "mesh.slice_hi"      // catch-up slice upper bound

	// Operations
	AttrOpKind    = "op.kind"    // create, login, delete, send, notif, list, logs
	AttrOpSource  = "op.source"  // client, peer, replay, catchup
	AttrUser      = "op.user"    // acting user_id
	AttrRecipient = "op.to"      // send recipient
	AttrPage      = "op.page"    // list/logs page number
	AttrSuccess   = "op.success" // response success flag

	// Notification delivery
	AttrSubscriber = "notif.subscriber"
	AttrQueueLen   = "notif.queue_len"
)

// Span names. Format: <component>.<operation>.
const (
	// Root span for one client request through the gateway.
	SpanGatewayRequest = "gateway.request"

	// One state-machine apply, including the durable append.
	SpanDispatchApply = "dispatch.apply"

	// Replication of one op to all living peers.
	SpanMeshBroadcast = "mesh.broadcast"

	// Boot-time catch-up, pull and push sides.
	SpanCatchupPull = "catchup.pull"
	SpanCatchupPush = "catchup.push"

	// One chat pushed to a subscriber.
	SpanNotifDeliver = "notif.deliver"
)

// ClientAddr returns an attribute for the remote socket address.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// Replica returns an attribute for this replica's name.
func Replica(name string) attribute.KeyValue {
	return attribute.String(AttrReplica, name)
}

// Peer returns an attribute for a remote replica's name.
func Peer(name string) attribute.KeyValue {
	return attribute.String(AttrPeer, name)
}

// Role returns an attribute for the current role.
func Role(role string) attribute.KeyValue {
	return attribute.String(AttrRole, role)
}

// Leader returns an attribute for the computed leader name.
func Leader(name string) attribute.KeyValue {
	return attribute.String(AttrLeader, name)
}

// Progress returns an attribute for local log progress.
func Progress(p int) attribute.KeyValue {
	return attribute.Int(AttrProgress, p)
}

// PeerProgress returns an attribute for a peer's advertised progress.
func PeerProgress(p int) attribute.KeyValue {
	return attribute.Int(AttrPeerProgress, p)
}

// SliceLo returns an attribute for a catch-up slice lower bound.
func SliceLo(lo int) attribute.KeyValue {
	return attribute.Int(AttrSliceLo, lo)
}

// SliceHi returns an attribute for a catch-up slice upper bound.
func SliceHi(hi int) attribute.KeyValue {
	return attribute.Int(AttrSliceHi, hi)
}

// OpKind returns an attribute for an operation kind.
func OpKind(kind string) attribute.KeyValue {
	return attribute.String(AttrOpKind, kind)
}

// OpSource returns an attribute for the op's source stream.
func OpSource(source string) attribute.KeyValue {
	return attribute.String(AttrOpSource, source)
}

// User returns an attribute for the acting user.
func User(id string) attribute.KeyValue {
	return attribute.String(AttrUser, id)
}

// Recipient returns an attribute for a send recipient.
func Recipient(id string) attribute.KeyValue {
	return attribute.String(AttrRecipient, id)
}

// Page returns an attribute for a list/logs page number.
func Page(p int) attribute.KeyValue {
	return attribute.Int(AttrPage, p)
}

// Success returns an attribute for a response success flag.
func Success(ok bool) attribute.KeyValue {
	return attribute.Bool(AttrSuccess, ok)
}

// Subscriber returns an attribute for a notification subscriber.
func Subscriber(id string) attribute.KeyValue {
	return attribute.String(AttrSubscriber, id)
}

// QueueLen returns an attribute for an undelivered queue length.
func QueueLen(n int) attribute.KeyValue {
	return attribute.Int(AttrQueueLen, n)
}

// StartRequestSpan starts the root span for one client request.
func StartRequestSpan(ctx context.Context, kind, user string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{OpKind(kind), User(user)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanGatewayRequest, trace.WithAttributes(allAttrs...))
}

// StartApplySpan starts a span for one state-machine apply.
func StartApplySpan(ctx context.Context, kind, source string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{OpKind(kind), OpSource(source)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanDispatchApply, trace.WithAttributes(allAttrs...))
}

// StartDeliverSpan starts a span for one notification delivery.
func StartDeliverSpan(ctx context.Context, subscriber string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Subscriber(subscriber)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanNotifDeliver, trace.WithAttributes(allAttrs...))
}
