// Package health implements the liveness subsystem: a HEALTH listener that
// answers probes with the ping token, and a probe loop that checks every
// sibling each round, maintains the living set, and recomputes leadership.
// Leadership follows one rule: the lexicographically first name among
// {self} ∪ living siblings is primary.
package health

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Config carries the monitor dependencies.
type Config struct {
	Self cluster.Replica
	Set  *cluster.Set

	// ProbeInterval is the pause between probe rounds; ProbeTimeout bounds
	// one connect-send-receive probe.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// OnTakeover is called on the backup-to-primary transition. It must push
	// the takeover marker onto the internal queue and return quickly.
	OnTakeover func()

	// OnDemote is called on the primary-to-backup transition (a smaller
	// name rejoined the living set).
	OnDemote func()

	Metrics metrics.ReplicaMetrics
}

// Monitor probes siblings and owns the is_primary decision.
type Monitor struct {
	cfg      Config
	siblings []cluster.Replica

	mu      sync.Mutex
	living  map[string]bool
	primary bool
	started bool

	listener  net.Listener
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds an unstarted monitor. Every sibling starts out presumed living;
// the first probe round corrects that within one interval.
func New(cfg Config) *Monitor {
	siblings := cfg.Set.Siblings(cfg.Self.Name)
	living := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		living[s.Name] = true
	}
	return &Monitor{
		cfg:      cfg,
		siblings: siblings,
		living:   living,
		done:     make(chan struct{}),
	}
}

// Start opens the HEALTH listener and begins probing. The first probe round
// runs immediately, so the initial role is decided within one probe timeout
// rather than one interval.
func (m *Monitor) Start() error {
	ln, err := net.Listen("tcp", m.cfg.Self.HealthAddr())
	if err != nil {
		return err
	}
	m.listener = ln

	logger.Info("health monitor listening", logger.KeyListenAddr, m.cfg.Self.HealthAddr())

	m.wg.Add(2)
	go m.serveLoop(ln)
	go m.probeLoop()
	return nil
}

// IsPrimary reports whether this replica currently considers itself primary.
func (m *Monitor) IsPrimary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// Living returns the names of siblings that passed the last probe round,
// sorted.
func (m *Monitor) Living() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.living))
	for name, alive := range m.living {
		if alive {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Leader returns the current leader name under the lexicographic rule.
func (m *Monitor) Leader() string {
	return cluster.Leader(m.cfg.Self.Name, m.Living())
}

// Close stops probing and serving. Safe to call more than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close()
		}
	})
	m.wg.Wait()
}

// serveLoop answers probes one connection at a time: read a record, write
// the ping token, close.
func (m *Monitor) serveLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			logger.Warn("health accept failed", logger.KeyError, err)
			continue
		}
		conn.SetDeadline(time.Now().Add(m.cfg.ProbeTimeout))
		r := wire.NewReader(conn)
		if _, err := r.ReadLine(); err == nil {
			_ = wire.WriteResponse(conn, wire.Ping)
		}
		conn.Close()
	}
}

// probeLoop runs one round immediately, then one per interval until closed.
func (m *Monitor) probeLoop() {
	defer m.wg.Done()
	m.probeRound()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probeRound()
		case <-m.done:
			return
		}
	}
}

// probeRound probes every sibling, dead or alive, so a recovered replica
// rejoins the living set within one round. After the pass it recomputes
// is_primary and fires the transition hooks.
func (m *Monitor) probeRound() {
	for _, sibling := range m.siblings {
		alive := m.probe(sibling)

		m.mu.Lock()
		was := m.living[sibling.Name]
		m.living[sibling.Name] = alive
		m.mu.Unlock()

		if was && !alive {
			logger.Info("sibling lost", logger.KeyPeer, sibling.Name)
		} else if !was && alive {
			logger.Info("sibling rejoined", logger.KeyPeer, sibling.Name)
		}
	}
	m.recompute()
}

// probe runs one connect-send-receive check against a sibling's HEALTH
// endpoint within the probe timeout.
func (m *Monitor) probe(sibling cluster.Replica) bool {
	conn, err := net.DialTimeout("tcp", sibling.HealthAddr(), m.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.cfg.ProbeTimeout))

	if err := wire.WriteResponse(conn, wire.Ping); err != nil {
		return false
	}
	_, err = wire.NewReader(conn).ReadLine()
	return err == nil
}

func (m *Monitor) recompute() {
	living := m.Living()
	leader := cluster.Leader(m.cfg.Self.Name, living)
	isPrimary := leader == m.cfg.Self.Name

	m.mu.Lock()
	was := m.primary
	first := !m.started
	m.started = true
	m.primary = isPrimary
	m.mu.Unlock()

	metrics.SetLivingSiblings(m.cfg.Metrics, len(living))
	metrics.SetRole(m.cfg.Metrics, isPrimary)

	if isPrimary && (first || !was) {
		logger.Info("taking over as primary",
			logger.KeyLiving, len(living),
			logger.KeyLeader, leader,
		)
		if m.cfg.OnTakeover != nil {
			m.cfg.OnTakeover()
		}
	} else if !isPrimary && !first && was {
		logger.Info("stepping down to backup", logger.KeyLeader, leader)
		if m.cfg.OnDemote != nil {
			m.cfg.OnDemote()
		}
	}
}
