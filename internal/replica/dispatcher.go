package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/mesh"
	"github.com/chatmesh/chatmesh/internal/telemetry"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/state"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Request is one client-originated operation tagged with its reply route.
// The gateway and the notification dispatcher both submit these.
type Request struct {
	Op    wire.Op
	Reply chan wire.Response // buffered; the dispatcher never blocks on it
}

// Dispatcher serializes every state transition of the replica: exactly one
// operation at a time flows through Apply, the durable log is appended in
// apply order, and replication broadcast happens in the same order. In
// primary mode it drains the client queue; in backup mode the internal
// queue. The takeover marker flips backup to primary; the demote signal
// flips it back.
type Dispatcher struct {
	store *state.Store
	log   oplog.Log
	mesh  *mesh.Mesh
	rm    metrics.ReplicaMetrics

	clientQ chan Request
	demote  chan struct{}
}

// NewDispatcher builds a dispatcher draining the mesh's internal queue.
func NewDispatcher(store *state.Store, log oplog.Log, m *mesh.Mesh, rm metrics.ReplicaMetrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		log:     log,
		mesh:    m,
		rm:      rm,
		clientQ: make(chan Request, 128),
		demote:  make(chan struct{}, 1),
	}
}

// Submit enqueues a client request and waits for its response. It fails
// only when the context ends first; a request accepted by a primary that is
// demoted before serving it is answered not-primary.
func (d *Dispatcher) Submit(ctx context.Context, op wire.Op) (wire.Response, error) {
	req := Request{Op: op, Reply: make(chan wire.Response, 1)}
	select {
	case d.clientQ <- req:
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
	select {
	case resp := <-req.Reply:
		return resp, nil
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// Demote signals the primary-to-backup transition out of band. The
// dispatcher finishes the op in flight, refuses queued client requests, and
// switches to the internal queue.
func (d *Dispatcher) Demote() {
	select {
	case d.demote <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx ends or a log append fails (fatal).
// The loop starts in backup mode; the health monitor's first probe round
// injects the takeover marker if this replica should lead.
func (d *Dispatcher) Run(ctx context.Context) error {
	primary := false
	for {
		if primary {
			select {
			case <-ctx.Done():
				return nil
			case <-d.demote:
				primary = false
				d.refuseQueued()
				logger.Info("dispatcher switched to internal stream", logger.KeyRole, "backup")
			case req := <-d.clientQ:
				if err := d.serveClient(ctx, req); err != nil {
					return err
				}
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-d.demote:
				// Stale signal from a previous primary period.
			case op := <-d.mesh.Inbound():
				if op.Kind == wire.KindTakeover {
					primary = true
					logger.Info("dispatcher switched to client stream", logger.KeyRole, "primary")
					continue
				}
				if err := d.ApplyReplicated(op, "peer"); err != nil {
					return err
				}
			}
		}
	}
}

// serveClient applies one client request in primary mode. Read-only ops
// touch neither log nor peers. Replicated ops that succeed are durably
// appended, then broadcast, then answered; semantic refusals are answered
// without logging.
func (d *Dispatcher) serveClient(ctx context.Context, req Request) error {
	start := time.Now()
	opCtx, span := telemetry.StartApplySpan(ctx, string(req.Op.Kind), "client")
	defer span.End()

	resp, err := d.store.Apply(req.Op)
	if err != nil {
		telemetry.RecordError(opCtx, err)
		logger.Error("inapplicable op on client queue", logger.KeyOp, string(req.Op.Kind), logger.KeyError, err)
		req.Reply <- wire.Response{UserID: req.Op.UserID, Kind: wire.RespBasic, Error: "internal error"}
		return nil
	}

	if req.Op.Replicated() && resp.Success {
		if err := d.log.Append(req.Op); err != nil {
			// io-error on the log is fatal to the replica.
			telemetry.RecordError(opCtx, err)
			return fmt.Errorf("dispatcher: durable append: %w", err)
		}
		metrics.SetProgress(d.rm, d.log.Progress())
		d.mesh.Broadcast(req.Op)
	}
	d.noteQueues(req.Op)

	metrics.ObserveApply(d.rm, string(req.Op.Kind), "client", time.Since(start))
	telemetry.SetAttributes(opCtx, telemetry.Success(resp.Success), telemetry.Progress(d.log.Progress()))

	req.Reply <- resp
	return nil
}

// ApplyReplicated applies one op from a replicated stream (peer broadcast
// or catch-up pull): state first, then the durable append. Ops arriving on
// these streams succeeded at their primary; a semantic refusal here means
// divergence and is logged loudly, but the op is still appended so the log
// files stay byte-identical.
func (d *Dispatcher) ApplyReplicated(op wire.Op, source string) error {
	start := time.Now()

	resp, err := d.store.Apply(op)
	if err != nil {
		logger.Error("inapplicable op on replicated stream",
			logger.KeyOp, string(op.Kind), logger.KeyError, err)
		return nil
	}
	if !resp.Success {
		logger.Error("replicated op refused locally, state may have diverged",
			logger.KeyOp, string(op.Kind),
			logger.KeyUser, op.UserID,
			logger.KeyError, resp.Error,
		)
	}

	if err := d.log.Append(op); err != nil {
		return fmt.Errorf("dispatcher: durable append: %w", err)
	}
	metrics.SetProgress(d.rm, d.log.Progress())
	d.noteQueues(op)
	metrics.ObserveApply(d.rm, string(op.Kind), source, time.Since(start))
	return nil
}

// refuseQueued answers every request waiting in the client queue with the
// not-primary error. Called on demotion so no request stalls until the next
// primary period.
func (d *Dispatcher) refuseQueued() {
	for {
		select {
		case req := <-d.clientQ:
			req.Reply <- wire.Response{
				UserID: req.Op.UserID,
				Kind:   wire.RespBasic,
				Error:  "not primary",
			}
		default:
			return
		}
	}
}

// noteQueues refreshes the undelivered-chat gauge after ops that move
// queue contents.
func (d *Dispatcher) noteQueues(op wire.Op) {
	if d.rm == nil {
		return
	}
	if op.Kind == wire.KindSend || op.Kind == wire.KindNotif || op.Kind == wire.KindDelete {
		metrics.SetQueuedChats(d.rm, d.store.Stats().QueuedChats)
	}
}
