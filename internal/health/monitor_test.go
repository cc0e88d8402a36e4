package health

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/cluster"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testSet(t *testing.T, names ...string) *cluster.Set {
	t.Helper()
	replicas := make([]cluster.Replica, 0, len(names))
	for _, name := range names {
		replicas = append(replicas, cluster.Replica{
			Name:         name,
			Host:         "127.0.0.1",
			InternalPort: freePort(t),
			ClientPort:   freePort(t),
			HealthPort:   freePort(t),
			NotifPort:    freePort(t),
		})
	}
	set, err := cluster.NewSet(replicas)
	require.NoError(t, err)
	return set
}

func startMonitor(t *testing.T, set *cluster.Set, name string, onTakeover, onDemote func()) *Monitor {
	t.Helper()
	self, err := set.Get(name)
	require.NoError(t, err)
	m := New(Config{
		Self:          self,
		Set:           set,
		ProbeInterval: 50 * time.Millisecond,
		ProbeTimeout:  100 * time.Millisecond,
		OnTakeover:    onTakeover,
		OnDemote:      onDemote,
	})
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMonitorElectsSmallestName(t *testing.T) {
	set := testSet(t, "A", "B")
	takeoverA := make(chan struct{}, 1)

	a := startMonitor(t, set, "A", func() { takeoverA <- struct{}{} }, nil)
	b := startMonitor(t, set, "B", nil, nil)

	waitUntil(t, 2*time.Second, a.IsPrimary)
	select {
	case <-takeoverA:
	case <-time.After(2 * time.Second):
		t.Fatal("takeover hook never fired")
	}

	waitUntil(t, 2*time.Second, func() bool { return b.Leader() == "A" })
	assert.False(t, b.IsPrimary())
	assert.Equal(t, []string{"A"}, b.Living())
}

func TestMonitorSoleReplicaTakesOverAfterFirstRound(t *testing.T) {
	set := testSet(t, "A", "B", "C")
	takeover := make(chan struct{}, 1)

	// Only B runs. The first probe round finds both siblings dead, so B is
	// leader of {B} and takes over.
	b := startMonitor(t, set, "B", func() { takeover <- struct{}{} }, nil)

	select {
	case <-takeover:
	case <-time.After(2 * time.Second):
		t.Fatal("takeover hook never fired")
	}
	assert.True(t, b.IsPrimary())
	assert.Empty(t, b.Living())
	assert.Equal(t, "B", b.Leader())
}

func TestMonitorFailoverToNextName(t *testing.T) {
	set := testSet(t, "A", "B")
	takeoverB := make(chan struct{}, 1)

	a := startMonitor(t, set, "A", nil, nil)
	b := startMonitor(t, set, "B", func() { takeoverB <- struct{}{} }, nil)

	waitUntil(t, 2*time.Second, a.IsPrimary)
	assert.False(t, b.IsPrimary())

	a.Close()

	select {
	case <-takeoverB:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving replica never took over")
	}
	assert.True(t, b.IsPrimary())
	assert.Equal(t, "B", b.Leader())
}

func TestMonitorDemotesWhenSmallerNameRejoins(t *testing.T) {
	set := testSet(t, "A", "B")
	demoteB := make(chan struct{}, 1)

	b := startMonitor(t, set, "B", nil, func() { demoteB <- struct{}{} })
	waitUntil(t, 2*time.Second, b.IsPrimary)

	// A comes up after B already took over. B must step down.
	a := startMonitor(t, set, "A", nil, nil)

	select {
	case <-demoteB:
	case <-time.After(2 * time.Second):
		t.Fatal("demote hook never fired")
	}
	assert.False(t, b.IsPrimary())
	assert.Equal(t, "A", b.Leader())
	waitUntil(t, 2*time.Second, a.IsPrimary)
}
