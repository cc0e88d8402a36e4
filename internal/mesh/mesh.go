// Package mesh maintains the INTERNAL channels between replicas: one framed
// TCP connection per replica pair, direction decided by name order (the
// smaller name listens, the larger dials). The mesh replicates operations
// from the primary to backups, serves catch-up slice requests, and feeds
// every inbound op into the single internal queue the dispatcher drains.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// ErrUnknownPeer is returned when a handshake names a replica that is not in
// the cluster table, or an operation targets a peer with no live channel.
var ErrUnknownPeer = errors.New("mesh: unknown peer")

// ErrClosed is returned by operations on a closed mesh.
var ErrClosed = errors.New("mesh: closed")

// Config carries the mesh dependencies.
type Config struct {
	Self cluster.Replica
	Set  *cluster.Set

	// Log supplies the progress advertised in handshakes and the slices
	// served to catching-up peers.
	Log oplog.Log

	// DialRetry is the pause between dial attempts toward a peer that is not
	// up yet.
	DialRetry time.Duration

	Metrics metrics.ReplicaMetrics
}

// Mesh owns every INTERNAL channel of one replica.
type Mesh struct {
	self      cluster.Replica
	set       *cluster.Set
	log       oplog.Log
	dialRetry time.Duration
	rm        metrics.ReplicaMetrics

	mu        sync.Mutex
	peers     map[string]*peer
	consuming bool
	joined    chan struct{} // signaled on every registration, for the boot barrier

	inbound  chan wire.Op
	listener net.Listener

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// peer is one live INTERNAL channel. believed tracks the highest log
// progress this side believes the remote holds: the handshake value,
// advanced by every op we send it and every op we receive from it. Slice
// requests whose upper bound is already believed delivered are skipped,
// which de-duplicates the crossing push/pull of a simultaneous boot.
type peer struct {
	name string
	conn net.Conn
	r    *wire.Reader

	wmu      sync.Mutex
	believed int
	dead     bool
}

// New builds an unstarted mesh.
func New(cfg Config) *Mesh {
	retry := cfg.DialRetry
	if retry <= 0 {
		retry = time.Second
	}
	return &Mesh{
		self:      cfg.Self,
		set:       cfg.Set,
		log:       cfg.Log,
		dialRetry: retry,
		rm:        cfg.Metrics,
		peers:     make(map[string]*peer),
		joined:    make(chan struct{}, 1),
		inbound:   make(chan wire.Op, 256),
		done:      make(chan struct{}),
	}
}

// Start opens the INTERNAL listener, dials every smaller-named peer, and
// blocks until a channel to every sibling is up (the boot barrier) or ctx is
// cancelled. The listener keeps accepting after Start returns so crashed
// peers can re-join; dialers whose channel dies re-enter the retry loop.
//
// Consume loops are NOT running yet when Start returns: the catch-up
// coordinator reads peer channels directly first. Call StartConsume once
// catch-up is done.
func (m *Mesh) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.self.InternalAddr())
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", m.self.InternalAddr(), err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	logger.Info("peer mesh listening",
		logger.KeyListenAddr, m.self.InternalAddr(),
		logger.KeyCount, m.self.AcceptsIn,
	)

	m.wg.Add(1)
	go m.acceptLoop(ln)

	for _, name := range m.self.DialsOut {
		target, err := m.set.Get(name)
		if err != nil {
			return err
		}
		m.wg.Add(1)
		go m.dialLoop(target)
	}

	// Boot barrier: every sibling connected and handshaken.
	want := m.set.Size() - 1
	for {
		m.mu.Lock()
		have := len(m.peers)
		m.mu.Unlock()
		if have >= want {
			return nil
		}
		select {
		case <-m.joined:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}
}

// StartConsume spawns a consume loop for every connected peer and arranges
// for future (re)connections to get one immediately.
func (m *Mesh) StartConsume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consuming {
		return
	}
	m.consuming = true
	for _, p := range m.peers {
		m.wg.Add(1)
		go m.consumeLoop(p)
	}
}

// Inbound returns the internal queue: every op received from any peer, in
// per-peer arrival order. The health monitor also injects the takeover
// marker here.
func (m *Mesh) Inbound() <-chan wire.Op {
	return m.inbound
}

// InjectTakeover pushes the takeover marker onto the internal queue. When
// the dispatcher dequeues it, every op received before the takeover has been
// applied.
func (m *Mesh) InjectTakeover() {
	select {
	case m.inbound <- wire.Op{Kind: wire.KindTakeover}:
	case <-m.done:
	}
}

// Broadcast writes one replicated op to every connected peer. The op is
// already appended locally, so a peer whose believed progress trails the
// pre-append progress first gets the log entries it is missing: records on a
// channel always arrive in log order, and the peer's own pull request for
// that range is then skipped by believed progress. A failed write closes
// that peer's channel (the health monitor will notice the death
// independently); broadcast itself never fails.
func (m *Mesh) Broadcast(op wire.Op) {
	line, err := op.Marshal()
	if err != nil {
		logger.Error("unmarshalable op reached broadcast", logger.KeyOp, string(op.Kind), logger.KeyError, err)
		return
	}
	progress := m.log.Progress() // op is entry progress-1

	for _, p := range m.snapshotPeers() {
		p.wmu.Lock()
		if p.dead {
			p.wmu.Unlock()
			continue
		}
		err := m.fillGap(p, progress-1)
		if err == nil {
			if err = wire.WriteLine(p.conn, line); err == nil {
				p.believed++
			}
		}
		p.wmu.Unlock()

		if err != nil {
			metrics.IncBroadcastFailure(m.rm)
			logger.Warn("replication write failed, closing peer channel",
				logger.KeyPeer, p.name, logger.KeyError, err)
			m.dropPeer(p)
		}
	}
}

// fillGap writes the log entries [p.believed, upto) to a trailing peer so a
// fresh op never arrives ahead of the tail the peer still misses. Caller
// holds p.wmu.
func (m *Mesh) fillGap(p *peer, upto int) error {
	if p.believed >= upto {
		return nil
	}
	ops, err := m.log.Slice(p.believed, upto)
	if err != nil {
		return err
	}
	logger.Info("filling replication gap before broadcast",
		logger.KeyPeer, p.name,
		logger.KeyPeerProgress, p.believed,
		logger.KeyProgress, upto,
	)
	for _, op := range ops {
		if err := wire.WriteOp(p.conn, op); err != nil {
			return err
		}
		p.believed++
	}
	return nil
}

// PeerProgress returns the believed progress of every connected peer,
// seeded by the handshake values. The catch-up coordinator uses this to
// decide between pulling and pushing.
func (m *Mesh) PeerProgress() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.peers))
	for name, p := range m.peers {
		p.wmu.Lock()
		out[name] = p.believed
		p.wmu.Unlock()
	}
	return out
}

// Pull requests the log slice [lo, hi) from a peer and reads back hi-lo op
// records. It reads the peer channel directly and therefore must only be
// called before StartConsume (catch-up runs exactly there). The records may
// arrive as a response to our request or as the leader's proactive push; the
// bytes are the same either way.
func (m *Mesh) Pull(peerName string, lo, hi int) ([]wire.Op, error) {
	m.mu.Lock()
	if m.consuming {
		m.mu.Unlock()
		return nil, errors.New("mesh: pull after consume loops started")
	}
	p, ok := m.peers[peerName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerName)
	}

	req := wire.SliceRequest{Lo: lo, Hi: hi}
	p.wmu.Lock()
	err := wire.WriteLine(p.conn, req.Marshal())
	p.wmu.Unlock()
	if err != nil {
		m.dropPeer(p)
		return nil, fmt.Errorf("mesh: slice request to %s: %w", peerName, err)
	}

	ops := make([]wire.Op, 0, hi-lo)
	for i := lo; i < hi; i++ {
		op, err := p.r.ReadOp()
		if err != nil {
			m.dropPeer(p)
			return nil, fmt.Errorf("mesh: read slice op %d from %s: %w", i, peerName, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Push writes the given ops to one lagging peer, advancing its believed
// progress. Used by the leader side of catch-up; the peer applies the ops
// through its normal inbound path.
func (m *Mesh) Push(peerName string, ops []wire.Op) error {
	m.mu.Lock()
	p, ok := m.peers[peerName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerName)
	}

	p.wmu.Lock()
	var writeErr error
	for _, op := range ops {
		if writeErr = wire.WriteOp(p.conn, op); writeErr != nil {
			break
		}
		p.believed++
	}
	p.wmu.Unlock()

	if writeErr != nil {
		m.dropPeer(p)
		return fmt.Errorf("mesh: push to %s: %w", peerName, writeErr)
	}
	return nil
}

// Close tears down the listener and every channel and waits for the mesh
// goroutines to drain.
func (m *Mesh) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.listener != nil {
			m.listener.Close()
		}
		peers := make([]*peer, 0, len(m.peers))
		for _, p := range m.peers {
			peers = append(peers, p)
		}
		m.mu.Unlock()
		for _, p := range peers {
			p.markDead()
			p.conn.Close()
		}
	})
	m.wg.Wait()
}

func (m *Mesh) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// acceptLoop accepts inbound peers (larger names dial us) for the life of
// the replica, so a crashed peer can re-dial and re-handshake.
func (m *Mesh) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.closed() {
				return
			}
			logger.Warn("internal accept failed", logger.KeyError, err)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handshakeAccepted(conn)
		}()
	}
}

// handshakeAccepted runs the accept side of the handshake: read the dialer's
// name@@progress, validate it, answer with our own.
func (m *Mesh) handshakeAccepted(conn net.Conn) {
	r := wire.NewReader(conn)
	line, err := r.ReadLine()
	if err != nil {
		conn.Close()
		return
	}
	hs, err := wire.ParseHandshake(line)
	if err != nil {
		logger.Warn("malformed peer handshake", logger.KeyRemoteAddr, conn.RemoteAddr().String(), logger.KeyError, err)
		conn.Close()
		return
	}
	if _, err := m.set.Get(hs.Name); err != nil || hs.Name <= m.self.Name {
		logger.Warn("rejecting handshake from unexpected peer",
			logger.KeyPeer, hs.Name, logger.KeyRemoteAddr, conn.RemoteAddr().String())
		conn.Close()
		return
	}

	own := wire.Handshake{Name: m.self.Name, Progress: m.log.Progress()}
	if err := wire.WriteLine(conn, own.Marshal()); err != nil {
		conn.Close()
		return
	}
	m.register(&peer{name: hs.Name, conn: conn, r: r, believed: hs.Progress})
}

// dialLoop keeps exactly one channel to a smaller-named peer alive: dial,
// handshake, then wait for the channel to die before dialing again.
func (m *Mesh) dialLoop(target cluster.Replica) {
	defer m.wg.Done()
	attempt := 0
	for {
		if m.closed() {
			return
		}
		attempt++
		conn, err := net.Dial("tcp", target.InternalAddr())
		if err != nil {
			if attempt == 1 || attempt%15 == 0 {
				logger.Debug("peer not reachable yet, retrying",
					logger.KeyPeer, target.Name, logger.KeyAttempt, attempt, logger.KeyError, err)
			}
			select {
			case <-time.After(m.dialRetry):
				continue
			case <-m.done:
				return
			}
		}

		p, err := m.handshakeDialed(conn, target)
		if err != nil {
			conn.Close()
			select {
			case <-time.After(m.dialRetry):
				continue
			case <-m.done:
				return
			}
		}
		attempt = 0

		// Block until this channel dies, then re-dial.
		select {
		case <-p.gone():
		case <-m.done:
			return
		}
	}
}

// handshakeDialed runs the dial side of the handshake: send our
// name@@progress, read the acceptor's.
func (m *Mesh) handshakeDialed(conn net.Conn, target cluster.Replica) (*peer, error) {
	own := wire.Handshake{Name: m.self.Name, Progress: m.log.Progress()}
	if err := wire.WriteLine(conn, own.Marshal()); err != nil {
		return nil, err
	}
	r := wire.NewReader(conn)
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	hs, err := wire.ParseHandshake(line)
	if err != nil {
		return nil, err
	}
	if hs.Name != target.Name {
		return nil, fmt.Errorf("%w: dialed %s, got handshake from %q", ErrUnknownPeer, target.Name, hs.Name)
	}

	p := &peer{name: hs.Name, conn: conn, r: r, believed: hs.Progress}
	m.register(p)
	return p, nil
}

// register installs a freshly handshaken channel, replacing (and closing)
// any previous channel to the same peer. The handshake resets believed
// progress. If consume loops are running, the new channel gets one.
func (m *Mesh) register(p *peer) {
	m.mu.Lock()
	if old, ok := m.peers[p.name]; ok {
		old.markDead()
		old.conn.Close()
	}
	m.peers[p.name] = p
	consuming := m.consuming
	m.mu.Unlock()

	logger.Info("peer channel established",
		logger.KeyPeer, p.name,
		logger.KeyPeerProgress, p.believed,
	)

	if consuming {
		m.wg.Add(1)
		go m.consumeLoop(p)
	}

	select {
	case m.joined <- struct{}{}:
	default:
	}
}

// dropPeer closes a channel and removes it from the table if it is still the
// registered one.
func (m *Mesh) dropPeer(p *peer) {
	p.markDead()
	p.conn.Close()
	m.mu.Lock()
	if cur, ok := m.peers[p.name]; ok && cur == p {
		delete(m.peers, p.name)
	}
	m.mu.Unlock()
}

// consumeLoop reads one peer's channel for the life of the connection:
// slice requests are served from the log, everything else is parsed as an op
// and enqueued on the internal queue.
func (m *Mesh) consumeLoop(p *peer) {
	defer m.wg.Done()
	for {
		line, err := p.r.ReadLine()
		if err != nil {
			if !m.closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Info("peer channel lost", logger.KeyPeer, p.name, logger.KeyError, err)
			}
			m.dropPeer(p)
			return
		}

		if req, ok := wire.ParseSliceRequest(line); ok {
			m.serveSlice(p, req)
			continue
		}

		op, err := wire.ParseOp(line)
		if err != nil {
			logger.Warn("malformed record on peer channel, closing",
				logger.KeyPeer, p.name, logger.KeyError, err)
			m.dropPeer(p)
			return
		}
		if op.Kind == wire.KindTakeover || op.Kind == wire.KindFallover {
			// Role changes come from the local health monitor, never from
			// the wire. A peer sending one is broken or hostile.
			logger.Warn("control record on peer channel, closing",
				logger.KeyPeer, p.name, logger.KeyOp, string(op.Kind))
			m.dropPeer(p)
			return
		}

		// The sender logged the op before broadcasting it, so its own
		// progress is at least one past what we last believed.
		if op.Replicated() {
			p.wmu.Lock()
			p.believed++
			p.wmu.Unlock()
		}

		select {
		case m.inbound <- op:
		case <-m.done:
			return
		}
	}
}

// serveSlice answers a catch-up pull. A request whose upper bound the peer
// is already believed to hold is skipped: our proactive push crossed their
// request on the wire and the records are already in their socket buffer.
func (m *Mesh) serveSlice(p *peer, req wire.SliceRequest) {
	p.wmu.Lock()
	believed := p.believed
	p.wmu.Unlock()
	if req.Hi <= believed {
		logger.Debug("skipping already-delivered slice request",
			logger.KeyPeer, p.name,
			logger.KeySliceLo, req.Lo,
			logger.KeySliceHi, req.Hi,
			logger.KeyPeerProgress, believed,
		)
		return
	}

	ops, err := m.log.Slice(req.Lo, req.Hi)
	if err != nil {
		logger.Warn("cannot serve slice request",
			logger.KeyPeer, p.name,
			logger.KeySliceLo, req.Lo,
			logger.KeySliceHi, req.Hi,
			logger.KeyError, err,
		)
		return
	}

	logger.Info("serving catch-up slice",
		logger.KeyPeer, p.name,
		logger.KeySliceLo, req.Lo,
		logger.KeySliceHi, req.Hi,
	)

	p.wmu.Lock()
	var writeErr error
	for _, op := range ops {
		if writeErr = wire.WriteOp(p.conn, op); writeErr != nil {
			break
		}
	}
	if writeErr == nil && req.Hi > p.believed {
		p.believed = req.Hi
	}
	p.wmu.Unlock()

	if writeErr != nil {
		m.dropPeer(p)
	}
}

func (m *Mesh) snapshotPeers() []*peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// markDead flags the peer so writers stop using the channel.
func (p *peer) markDead() {
	p.wmu.Lock()
	p.dead = true
	p.wmu.Unlock()
}

// gone returns a channel closed when the connection dies. Implemented as a
// poll on the dead flag; the dial loop only needs second-level resolution.
func (p *peer) gone() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			p.wmu.Lock()
			dead := p.dead
			p.wmu.Unlock()
			if dead {
				close(ch)
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()
	return ch
}
