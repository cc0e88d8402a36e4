// Package catchup implements the one-shot boot reconciliation: after the
// peer mesh is up and before the replica serves anything, its log progress
// is brought into agreement with the living peers. A lagging replica pulls
// the missing tail from the most advanced peer; a leading replica that will
// be leader pushes the tail to every laggard.
package catchup

import (
	"fmt"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/mesh"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Config carries the coordinator dependencies.
type Config struct {
	Self string
	Mesh *mesh.Mesh
	Log  oplog.Log

	// Apply applies one pulled op through the state machine and the durable
	// log, exactly as the dispatcher would.
	Apply func(op wire.Op) error

	Metrics metrics.ReplicaMetrics
}

// Run reconciles this replica with its peers. Let P be local progress and Q
// the maximum progress any peer advertised in its handshake:
//
//   - P < Q: pull ops [P, Q) from a peer at Q and apply them in order.
//   - P ≥ Q: if this replica will be leader, push the tail to every lagging
//     peer; otherwise do nothing (the leader repairs laggards).
//
// Ties are broken by leader identity, so only one replica pushes per round.
func Run(cfg Config) error {
	local := cfg.Log.Progress()
	peers := cfg.Mesh.PeerProgress()

	names := make([]string, 0, len(peers))
	max := local
	for name, p := range peers {
		names = append(names, name)
		if p > max {
			max = p
		}
	}
	leader := cluster.Leader(cfg.Self, names)

	if local < max {
		return pull(cfg, local, max, peers, leader)
	}
	if leader == cfg.Self {
		return push(cfg, local, peers)
	}

	logger.Info("catch-up: up to date, waiting for leader to repair laggards",
		logger.KeyProgress, local,
		logger.KeyLeader, leader,
	)
	return nil
}

// pull fetches ops [local, max) from a donor at max progress. The would-be
// leader is preferred as donor when it is that advanced: its proactive push
// may already be in flight for the same range, and reading from the same
// channel makes the two indistinguishable. Otherwise the smallest-named
// peer at max progress serves.
func pull(cfg Config, local, max int, peers map[string]int, leader string) error {
	donor := ""
	for name, p := range peers {
		if p != max {
			continue
		}
		if name == leader {
			donor = name
			break
		}
		if donor == "" || name < donor {
			donor = name
		}
	}
	if donor == "" {
		return fmt.Errorf("catchup: no peer at progress %d", max)
	}

	logger.Info("catch-up: pulling tail",
		logger.KeyPeer, donor,
		logger.KeySliceLo, local,
		logger.KeySliceHi, max,
	)

	ops, err := cfg.Mesh.Pull(donor, local, max)
	if err != nil {
		return fmt.Errorf("catchup: pull [%d, %d) from %s: %w", local, max, donor, err)
	}
	for _, op := range ops {
		if err := cfg.Apply(op); err != nil {
			return fmt.Errorf("catchup: apply pulled op: %w", err)
		}
	}
	metrics.AddCatchupPulled(cfg.Metrics, len(ops))

	logger.Info("catch-up: complete", logger.KeyProgress, cfg.Log.Progress())
	return nil
}

// push repairs every lagging peer with the tail it is missing. Peers apply
// the ops through their normal inbound consume path.
func push(cfg Config, local int, peers map[string]int) error {
	pushed := 0
	for name, p := range peers {
		if p >= local {
			continue
		}
		ops, err := cfg.Log.Slice(p, local)
		if err != nil {
			return fmt.Errorf("catchup: slice [%d, %d) for %s: %w", p, local, name, err)
		}

		logger.Info("catch-up: pushing tail to laggard",
			logger.KeyPeer, name,
			logger.KeySliceLo, p,
			logger.KeySliceHi, local,
		)
		if err := cfg.Mesh.Push(name, ops); err != nil {
			// The peer died mid-push; the health monitor will notice. It
			// re-handshakes with its true progress when it returns.
			logger.Warn("catch-up: push failed", logger.KeyPeer, name, logger.KeyError, err)
			continue
		}
		pushed += len(ops)
	}
	metrics.AddCatchupPushed(cfg.Metrics, pushed)

	if pushed == 0 {
		logger.Info("catch-up: nothing to reconcile", logger.KeyProgress, local)
	}
	return nil
}
