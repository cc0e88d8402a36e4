// Package replica assembles and runs one chatmesh replica: durable log,
// state machine, peer mesh, catch-up, health monitoring, the client gateway
// and the notification channel, all driven by a single dispatcher.
package replica

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/catchup"
	"github.com/chatmesh/chatmesh/internal/gateway"
	"github.com/chatmesh/chatmesh/internal/health"
	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/mesh"
	"github.com/chatmesh/chatmesh/internal/notify"
	"github.com/chatmesh/chatmesh/internal/ops"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/state"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Replica is one fully wired cluster member.
type Replica struct {
	cfg  *config.Config
	self cluster.Replica
	set  *cluster.Set

	store      *state.Store
	log        oplog.Log
	mesh       *mesh.Mesh
	monitor    *health.Monitor
	dispatcher *Dispatcher
	gateway    *gateway.Gateway
	notifier   *notify.Dispatcher
	opsServer  *ops.Server
	rm         metrics.ReplicaMetrics

	falloverOnce sync.Once
	fallover     chan struct{}
}

// New resolves the replica's identity and builds an unstarted replica.
func New(cfg *config.Config) (*Replica, error) {
	set, err := cfg.ReplicaSet()
	if err != nil {
		return nil, err
	}
	self, err := cfg.Self()
	if err != nil {
		return nil, err
	}
	return &Replica{
		cfg:      cfg,
		self:     self,
		set:      set,
		store:    state.NewStore(),
		rm:       metrics.NewReplicaMetrics(),
		fallover: make(chan struct{}),
	}, nil
}

// Run boots the replica and blocks until ctx ends, a fallover is requested,
// or a fatal error occurs. Boot order matters:
//
//  1. open the durable log and replay it into the state machine
//  2. bring the peer mesh up and wait for every sibling (boot barrier)
//  3. reconcile log progress with the peers (catch-up)
//  4. start consuming peer channels and dispatching
//  5. start health probing, which decides the initial role
//  6. open the client and notification listeners
func (r *Replica) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.openLog(); err != nil {
		return err
	}
	defer r.log.Close()

	r.mesh = mesh.New(mesh.Config{
		Self:      r.self,
		Set:       r.set,
		Log:       r.log,
		DialRetry: r.cfg.Timeouts.DialRetry,
		Metrics:   r.rm,
	})
	logger.Info("waiting for peer mesh", logger.KeyReplica, r.self.Name)
	if err := r.mesh.Start(runCtx); err != nil {
		return fmt.Errorf("replica: mesh: %w", err)
	}
	defer r.mesh.Close()

	r.dispatcher = NewDispatcher(r.store, r.log, r.mesh, r.rm)

	if err := catchup.Run(catchup.Config{
		Self: r.self.Name,
		Mesh: r.mesh,
		Log:  r.log,
		Apply: func(op wire.Op) error {
			return r.dispatcher.ApplyReplicated(op, "catchup")
		},
		Metrics: r.rm,
	}); err != nil {
		return fmt.Errorf("replica: catch-up: %w", err)
	}
	r.mesh.StartConsume()

	errCh := make(chan error, 1)
	go func() {
		if err := r.dispatcher.Run(runCtx); err != nil {
			errCh <- err
		}
	}()

	r.monitor = health.New(health.Config{
		Self:          r.self,
		Set:           r.set,
		ProbeInterval: r.cfg.Timeouts.ProbeInterval,
		ProbeTimeout:  r.cfg.Timeouts.ProbeTimeout,
		OnTakeover:    r.mesh.InjectTakeover,
		OnDemote:      r.dispatcher.Demote,
		Metrics:       r.rm,
	})
	if err := r.monitor.Start(); err != nil {
		return fmt.Errorf("replica: health monitor: %w", err)
	}
	defer r.monitor.Close()

	r.gateway = gateway.New(gateway.Config{
		Self:       r.self,
		IsPrimary:  r.monitor.IsPrimary,
		Submit:     r.dispatcher.Submit,
		OnFallover: r.triggerFallover,
	})
	if err := r.gateway.Start(runCtx); err != nil {
		return fmt.Errorf("replica: gateway: %w", err)
	}
	defer r.gateway.Close()

	r.notifier = notify.New(notify.Config{
		Self:         r.self,
		IsPrimary:    r.monitor.IsPrimary,
		Submit:       r.dispatcher.Submit,
		Queue:        r.store.Queue,
		QueuePoll:    r.cfg.Timeouts.QueuePoll,
		PingDeadline: r.cfg.Timeouts.PingDeadline,
		Metrics:      r.rm,
	})
	if err := r.notifier.Start(runCtx); err != nil {
		return fmt.Errorf("replica: notifier: %w", err)
	}
	defer r.notifier.Close()

	if r.cfg.Metrics.Port > 0 {
		r.opsServer = ops.NewServer(r.cfg.Metrics.Port, ops.Source{
			Replica:     r.self.Name,
			IsPrimary:   r.monitor.IsPrimary,
			Leader:      r.monitor.Leader,
			Living:      r.monitor.Living,
			Progress:    r.log.Progress,
			Subscribers: r.notifier.Subscribers,
			Stats:       r.store.Stats,
		})
		go func() {
			if err := r.opsServer.Start(runCtx); err != nil {
				logger.Error("ops server failed", logger.KeyError, err)
			}
		}()
	}

	if len(r.cfg.Seed) > 0 {
		go r.seedAccounts(runCtx)
	}

	logger.Info("replica running",
		logger.KeyReplica, r.self.Name,
		logger.KeyProgress, r.log.Progress(),
	)

	select {
	case <-ctx.Done():
		logger.Info("replica shutting down", logger.KeyReplica, r.self.Name)
		return nil
	case <-r.fallover:
		logger.Warn("replica falling over", logger.KeyReplica, r.self.Name)
		return nil
	case err := <-errCh:
		return fmt.Errorf("replica: dispatcher: %w", err)
	}
}

// openLog opens the durable log and replays it through the state machine.
func (r *Replica) openLog() error {
	if err := os.MkdirAll(r.cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("replica: data dir: %w", err)
	}
	path := oplog.Filename(r.cfg.Storage.DataDir, r.self.Name)
	log, err := oplog.Open(path)
	if err != nil {
		return fmt.Errorf("replica: open log: %w", err)
	}
	r.log = log

	progress := log.Progress()
	if progress > 0 {
		ops, err := log.Slice(0, progress)
		if err != nil {
			return fmt.Errorf("replica: replay: %w", err)
		}
		for i, op := range ops {
			resp, err := r.store.Apply(op)
			if err != nil {
				return fmt.Errorf("replica: replay op %d: %w", i, err)
			}
			if !resp.Success {
				logger.Warn("replayed op was refused, log may predate a crash mid-append",
					logger.KeyOp, string(op.Kind),
					logger.KeyProgress, i,
					logger.KeyError, resp.Error,
				)
			}
		}
		logger.Info("log replayed", logger.KeyProgress, progress)
	}

	metrics.SetProgress(r.rm, progress)
	metrics.SetQueuedChats(r.rm, r.store.Stats().QueuedChats)
	return nil
}

// seedAccounts creates the configured seed accounts once the replica is
// primary, but only on a genuinely fresh cluster: any progress at all means
// the accounts were seeded (or deleted) in an earlier life.
func (r *Replica) seedAccounts(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.log.Progress() > 0 {
			return
		}
		if !r.monitor.IsPrimary() {
			continue
		}

		for _, user := range r.cfg.Seed {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			resp, err := r.dispatcher.Submit(opCtx, wire.Op{Kind: wire.KindCreate, UserID: user})
			cancel()
			if err != nil {
				logger.Warn("seed account create failed", logger.KeyUser, user, logger.KeyError, err)
				return
			}
			logger.Info("seed account created", logger.KeyUser, user, logger.KeySuccess, resp.Success)
		}
		return
	}
}

// triggerFallover initiates graceful shutdown in response to the out-of-band
// fallover control record.
func (r *Replica) triggerFallover() {
	r.falloverOnce.Do(func() { close(r.fallover) })
}
