package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/metrics"
)

func TestNewReplicaMetricsDisabled(t *testing.T) {
	metrics.ResetForTesting()
	assert.Nil(t, NewReplicaMetrics())
}

func TestReplicaMetricsRecording(t *testing.T) {
	metrics.ResetForTesting()
	metrics.InitRegistry()
	t.Cleanup(metrics.ResetForTesting)

	m := NewReplicaMetrics()
	require.NotNil(t, m)

	m.SetRole(true)
	m.SetProgress(7)
	m.SetLivingSiblings(2)
	m.ObserveApply("send", "client", 3*time.Millisecond)
	m.ObserveApply("send", "peer", time.Millisecond)
	m.IncBroadcastFailure()
	m.IncNotifDelivered()
	m.IncNotifDrop()
	m.AddCatchupPulled(5)
	m.SetQueuedChats(3)

	impl := m.(*replicaMetrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(impl.role))
	assert.Equal(t, 7.0, testutil.ToFloat64(impl.progress))
	assert.Equal(t, 2.0, testutil.ToFloat64(impl.livingSiblings))
	assert.Equal(t, 1.0, testutil.ToFloat64(impl.opsApplied.WithLabelValues("send", "client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(impl.opsApplied.WithLabelValues("send", "peer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(impl.broadcastFails))
	assert.Equal(t, 5.0, testutil.ToFloat64(impl.catchupPulled))
	assert.Equal(t, 3.0, testutil.ToFloat64(impl.queuedChats))

	m.SetRole(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(impl.role))
}

func TestNilSafeHelpers(t *testing.T) {
	// All helpers must tolerate a nil recorder.
	metrics.SetRole(nil, true)
	metrics.SetProgress(nil, 1)
	metrics.SetLivingSiblings(nil, 1)
	metrics.ObserveApply(nil, "create", "client", time.Millisecond)
	metrics.IncBroadcastFailure(nil)
	metrics.IncNotifDelivered(nil)
	metrics.IncNotifPing(nil)
	metrics.IncNotifDrop(nil)
	metrics.AddCatchupPulled(nil, 1)
	metrics.AddCatchupPushed(nil, 1)
	metrics.SetQueuedChats(nil, 1)
}
