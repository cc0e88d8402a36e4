// Package prometheus implements the chatmesh metrics surface with Prometheus
// collectors. Importing this package (blank import from the daemon) registers
// the constructors with pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chatmesh/chatmesh/pkg/metrics"
)

func init() {
	metrics.RegisterReplicaMetricsConstructor(NewReplicaMetrics)
}

// replicaMetrics is the Prometheus implementation of metrics.ReplicaMetrics.
type replicaMetrics struct {
	role           prometheus.Gauge
	progress       prometheus.Gauge
	livingSiblings prometheus.Gauge
	opsApplied     *prometheus.CounterVec
	applyDuration  *prometheus.HistogramVec
	broadcastFails prometheus.Counter
	notifDelivered prometheus.Counter
	notifPings     prometheus.Counter
	notifDrops     prometheus.Counter
	catchupPulled  prometheus.Counter
	catchupPushed  prometheus.Counter
	queuedChats    prometheus.Gauge
}

// NewReplicaMetrics creates a Prometheus-backed ReplicaMetrics, or nil when
// metrics are disabled.
func NewReplicaMetrics() metrics.ReplicaMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &replicaMetrics{
		role: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatmesh_replica_is_primary",
			Help: "1 when this replica currently considers itself primary, 0 otherwise",
		}),
		progress: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatmesh_replica_progress",
			Help: "Count of replicated operations durably appended to the log",
		}),
		livingSiblings: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatmesh_replica_living_siblings",
			Help: "Number of sibling replicas passing health probes",
		}),
		opsApplied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatmesh_ops_applied_total",
				Help: "Operations applied to the state machine by kind and source",
			},
			[]string{"kind", "source"}, // source: "client", "peer", "replay", "catchup"
		),
		applyDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "chatmesh_apply_duration_milliseconds",
				Help: "Duration of one state-machine apply, including the durable append",
				Buckets: []float64{
					0.05, // in-memory apply
					0.1,
					0.5,
					1,
					5, // fsync territory
					10,
					50,
					100,
					500,
				},
			},
			[]string{"kind"},
		),
		broadcastFails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_broadcast_failures_total",
			Help: "Replication writes that failed and closed a peer channel",
		}),
		notifDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_notif_delivered_total",
			Help: "Chats pushed to subscribers over the notification channel",
		}),
		notifPings: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_notif_pings_total",
			Help: "Liveness pings sent to notification subscribers",
		}),
		notifDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_notif_drops_total",
			Help: "Subscribers dropped after a failed ping-check or delivery",
		}),
		catchupPulled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_catchup_ops_pulled_total",
			Help: "Operations received from a donor during boot catch-up",
		}),
		catchupPushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_catchup_ops_pushed_total",
			Help: "Operations pushed to lagging peers during boot catch-up",
		}),
		queuedChats: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatmesh_undelivered_chats",
			Help: "Total chats waiting in undelivered queues across all users",
		}),
	}
}

func (m *replicaMetrics) SetRole(primary bool) {
	if primary {
		m.role.Set(1)
	} else {
		m.role.Set(0)
	}
}

func (m *replicaMetrics) SetProgress(p int) {
	m.progress.Set(float64(p))
}

func (m *replicaMetrics) SetLivingSiblings(n int) {
	m.livingSiblings.Set(float64(n))
}

func (m *replicaMetrics) ObserveApply(kind, source string, d time.Duration) {
	m.opsApplied.WithLabelValues(kind, source).Inc()
	m.applyDuration.WithLabelValues(kind).Observe(float64(d.Microseconds()) / 1000.0)
}

func (m *replicaMetrics) IncBroadcastFailure() {
	m.broadcastFails.Inc()
}

func (m *replicaMetrics) IncNotifDelivered() {
	m.notifDelivered.Inc()
}

func (m *replicaMetrics) IncNotifPing() {
	m.notifPings.Inc()
}

func (m *replicaMetrics) IncNotifDrop() {
	m.notifDrops.Inc()
}

func (m *replicaMetrics) AddCatchupPulled(n int) {
	m.catchupPulled.Add(float64(n))
}

func (m *replicaMetrics) AddCatchupPushed(n int) {
	m.catchupPushed.Add(float64(n))
}

func (m *replicaMetrics) SetQueuedChats(n int) {
	m.queuedChats.Set(float64(n))
}
