// Package metrics defines the replica's metrics surface and the global
// registry gate. The Prometheus implementation lives in pkg/metrics/prometheus
// and registers itself through RegisterReplicaMetricsConstructor, which keeps
// this package free of the prometheus dependency and the import cycle it
// would cause.
//
// When metrics are disabled (InitRegistry never called) every constructor
// returns nil and the nil-safe helpers make recording a no-op.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection by creating the process-wide
// Prometheus registry. Call once at startup, before any component is built.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether metrics collection is enabled.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// ResetForTesting drops the registry so tests can exercise both the enabled
// and disabled paths.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
}

// ReplicaMetrics records everything a replica exposes about itself: role,
// replication progress, cluster liveness, operation throughput, notification
// delivery and catch-up volume.
type ReplicaMetrics interface {
	// SetRole records whether this replica currently considers itself primary.
	SetRole(primary bool)

	// SetProgress records the durable log progress.
	SetProgress(p int)

	// SetLivingSiblings records the size of the living set.
	SetLivingSiblings(n int)

	// ObserveApply records one applied operation with its kind ("create",
	// "send", ...), its source ("client", "peer", "replay", "catchup") and
	// the apply duration.
	ObserveApply(kind, source string, d time.Duration)

	// IncBroadcastFailure counts a failed replication write to a peer.
	IncBroadcastFailure()

	// IncNotifDelivered counts a chat pushed to a subscriber.
	IncNotifDelivered()

	// IncNotifPing counts a liveness ping sent to a subscriber.
	IncNotifPing()

	// IncNotifDrop counts a subscriber dropped by a failed ping-check or a
	// failed delivery.
	IncNotifDrop()

	// AddCatchupPulled counts ops received from a donor during catch-up.
	AddCatchupPulled(n int)

	// AddCatchupPushed counts ops pushed to lagging peers during catch-up.
	AddCatchupPushed(n int)

	// SetQueuedChats records the total number of undelivered chats.
	SetQueuedChats(n int)
}

// NewReplicaMetrics returns a ReplicaMetrics backed by the registered
// implementation, or nil when metrics are disabled. Callers pass the nil
// straight through; the helpers below tolerate it.
func NewReplicaMetrics() ReplicaMetrics {
	if !IsEnabled() || newReplicaMetrics == nil {
		return nil
	}
	return newReplicaMetrics()
}

var newReplicaMetrics func() ReplicaMetrics

// RegisterReplicaMetricsConstructor wires the Prometheus constructor in.
// Called by pkg/metrics/prometheus during package initialization.
func RegisterReplicaMetricsConstructor(constructor func() ReplicaMetrics) {
	newReplicaMetrics = constructor
}

// Nil-safe recording helpers.

// SetRole records the current role, tolerating a nil recorder.
func SetRole(m ReplicaMetrics, primary bool) {
	if m != nil {
		m.SetRole(primary)
	}
}

// SetProgress records log progress, tolerating a nil recorder.
func SetProgress(m ReplicaMetrics, p int) {
	if m != nil {
		m.SetProgress(p)
	}
}

// SetLivingSiblings records the living set size, tolerating a nil recorder.
func SetLivingSiblings(m ReplicaMetrics, n int) {
	if m != nil {
		m.SetLivingSiblings(n)
	}
}

// ObserveApply records one applied op, tolerating a nil recorder.
func ObserveApply(m ReplicaMetrics, kind, source string, d time.Duration) {
	if m != nil {
		m.ObserveApply(kind, source, d)
	}
}

// IncBroadcastFailure counts a failed peer write, tolerating a nil recorder.
func IncBroadcastFailure(m ReplicaMetrics) {
	if m != nil {
		m.IncBroadcastFailure()
	}
}

// IncNotifDelivered counts a delivered chat, tolerating a nil recorder.
func IncNotifDelivered(m ReplicaMetrics) {
	if m != nil {
		m.IncNotifDelivered()
	}
}

// IncNotifPing counts a subscriber ping, tolerating a nil recorder.
func IncNotifPing(m ReplicaMetrics) {
	if m != nil {
		m.IncNotifPing()
	}
}

// IncNotifDrop counts a dropped subscriber, tolerating a nil recorder.
func IncNotifDrop(m ReplicaMetrics) {
	if m != nil {
		m.IncNotifDrop()
	}
}

// AddCatchupPulled counts pulled catch-up ops, tolerating a nil recorder.
func AddCatchupPulled(m ReplicaMetrics, n int) {
	if m != nil {
		m.AddCatchupPulled(n)
	}
}

// AddCatchupPushed counts pushed catch-up ops, tolerating a nil recorder.
func AddCatchupPushed(m ReplicaMetrics, n int) {
	if m != nil {
		m.AddCatchupPushed(n)
	}
}

// SetQueuedChats records total undelivered chats, tolerating a nil recorder.
func SetQueuedChats(m ReplicaMetrics, n int) {
	if m != nil {
		m.SetQueuedChats(n)
	}
}
