// Package notify owns the NOTIF listener and the real-time push channel.
// A client subscribes by sending its user_id as the first record; at most
// one subscriber per user_id is registered at a time. On the primary, a
// per-subscriber loop drains the user's undelivered queue through the
// dispatcher (so every dequeue is a replicated notif op) and pushes each
// chat to the socket. Idle subscribers are ping-checked so a vanished
// client releases its user_id within two poll intervals.
package notify

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/telemetry"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/state"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Config carries the notification dispatcher dependencies.
type Config struct {
	Self cluster.Replica

	// IsPrimary gates productive delivery: backups keep registrations and
	// pings alive but never push (replicated notif ops drain their queues).
	IsPrimary func() bool

	// Submit routes a synthesized notif op through the dispatcher, exactly
	// like a client request, so the dequeue is applied, logged and
	// broadcast before the chat is pushed.
	Submit func(ctx context.Context, op wire.Op) (wire.Response, error)

	// Queue looks up a user's undelivered queue; nil means the account is
	// gone and the subscription ends.
	Queue func(user string) *state.Queue

	// QueuePoll is the bounded wait on an empty queue between ping-checks.
	QueuePoll time.Duration

	// PingDeadline is how long a subscriber has to answer a ping.
	PingDeadline time.Duration

	Metrics metrics.ReplicaMetrics
}

// Dispatcher accepts subscriptions and runs the delivery loops.
type Dispatcher struct {
	cfg Config

	mu   sync.Mutex
	subs map[string]*subscriber

	listener  net.Listener
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// subscriber is one registered NOTIF socket.
type subscriber struct {
	user string
	conn net.Conn
	r    *wire.Reader
}

// New builds an unstarted dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, subs: make(map[string]*subscriber), done: make(chan struct{})}
}

// Start opens the NOTIF listener.
func (d *Dispatcher) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Self.NotifAddr())
	if err != nil {
		return err
	}
	d.listener = ln

	logger.Info("notification dispatcher listening", logger.KeyListenAddr, d.cfg.Self.NotifAddr())

	d.wg.Add(1)
	go d.acceptLoop(ctx, ln)
	return nil
}

// Subscribers returns the number of registered NOTIF sockets.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close stops the listener and drops every subscriber.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		if d.listener != nil {
			d.listener.Close()
		}
		d.mu.Lock()
		for _, s := range d.subs {
			s.conn.Close()
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *Dispatcher) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.closed() {
				return
			}
			logger.Warn("notif accept failed", logger.KeyError, err)
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleSubscription(ctx, conn)
		}()
	}
}

// handleSubscription reads the subscriber's user_id, enforces the
// one-socket-per-user rule, and on success runs the delivery loop until the
// subscriber dies or the dispatcher closes.
func (d *Dispatcher) handleSubscription(ctx context.Context, conn net.Conn) {
	r := wire.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(d.cfg.QueuePoll))
	user, err := r.ReadLine()
	if err != nil || user == "" {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub := &subscriber{user: user, conn: conn, r: r}
	if !d.register(sub) {
		logger.Info("subscription refused, already logged in", logger.KeySubscriber, user)
		_ = wire.WriteResponse(conn, wire.Response{
			UserID: user, Kind: wire.RespBasic, Error: "already logged in",
		})
		conn.Close()
		return
	}

	if err := wire.WriteResponse(conn, wire.Response{
		UserID: user, Kind: wire.RespBasic, Success: true,
	}); err != nil {
		d.unregister(sub)
		return
	}

	logger.Info("subscriber registered", logger.KeySubscriber, user)
	d.deliverLoop(ctx, sub)
}

// register installs the subscriber iff the user_id is free.
func (d *Dispatcher) register(sub *subscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.subs[sub.user]; taken {
		return false
	}
	d.subs[sub.user] = sub
	return true
}

// unregister removes the registration (if still this subscriber's) and
// closes the socket, releasing the user_id for a fresh subscribe.
func (d *Dispatcher) unregister(sub *subscriber) {
	d.mu.Lock()
	if cur, ok := d.subs[sub.user]; ok && cur == sub {
		delete(d.subs, sub.user)
	}
	d.mu.Unlock()
	sub.conn.Close()
}

// deliverLoop is the per-subscriber loop. On the primary: wait on the
// user's queue, dequeue through a replicated notif op, push the chat. On a
// backup, or when the queue stays empty past the poll window: ping-check
// the subscriber.
func (d *Dispatcher) deliverLoop(ctx context.Context, sub *subscriber) {
	defer d.unregister(sub)
	for {
		if d.closed() || ctx.Err() != nil {
			return
		}

		q := d.cfg.Queue(sub.user)
		if q == nil {
			// Account deleted while subscribed.
			logger.Info("subscriber's account gone, dropping", logger.KeySubscriber, sub.user)
			return
		}

		if d.cfg.IsPrimary() && q.WaitNonEmpty(d.cfg.QueuePoll) {
			if !d.deliverOne(ctx, sub) {
				return
			}
			continue
		}

		if !d.cfg.IsPrimary() {
			// Backup: queues drain via replicated notif ops; only keep the
			// liveness check going.
			select {
			case <-time.After(d.cfg.QueuePoll):
			case <-d.done:
				return
			}
		}

		if !d.pingCheck(sub) {
			metrics.IncNotifDrop(d.cfg.Metrics)
			logger.Info("subscriber failed ping-check, releasing", logger.KeySubscriber, sub.user)
			return
		}
	}
}

// deliverOne dequeues one chat through the dispatcher and pushes it.
// Returns false when the subscription must end. A push failure does not
// requeue the chat: the dequeue was already durably logged and broadcast.
func (d *Dispatcher) deliverOne(ctx context.Context, sub *subscriber) bool {
	dctx, span := telemetry.StartDeliverSpan(ctx, sub.user)
	defer span.End()

	resp, err := d.cfg.Submit(dctx, wire.Op{Kind: wire.KindNotif, UserID: sub.user})
	if err != nil {
		// Context ended or the replica was demoted mid-submit.
		return ctx.Err() == nil && !d.closed()
	}
	if !resp.Success || resp.Chat == nil {
		// Lost the race for the last queued chat; nothing to push.
		return true
	}

	if err := wire.WriteResponse(sub.conn, resp); err != nil {
		telemetry.RecordError(dctx, err)
		metrics.IncNotifDrop(d.cfg.Metrics)
		logger.Info("push failed, dropping subscriber",
			logger.KeySubscriber, sub.user, logger.KeyError, err)
		return false
	}
	metrics.IncNotifDelivered(d.cfg.Metrics)
	logger.Debug("chat delivered",
		logger.KeySubscriber, sub.user,
		logger.KeyUser, resp.Chat.Author,
	)
	return true
}

// pingCheck sends the ping token and requires any answer within the ping
// deadline.
func (d *Dispatcher) pingCheck(sub *subscriber) bool {
	metrics.IncNotifPing(d.cfg.Metrics)
	if err := wire.WriteResponse(sub.conn, wire.Ping); err != nil {
		return false
	}
	sub.conn.SetReadDeadline(time.Now().Add(d.cfg.PingDeadline))
	_, err := sub.r.ReadLine()
	sub.conn.SetReadDeadline(time.Time{})
	return err == nil
}
