package catchup

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/internal/mesh"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/state"
	"github.com/chatmesh/chatmesh/pkg/wire"
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

// node bundles one replica's mesh, log and state for a catch-up scenario.
type node struct {
	name  string
	mesh  *mesh.Mesh
	log   oplog.Log
	store *state.Store
}

// applyReplicated mirrors the dispatcher's catch-up path: apply to state,
// then append unconditionally so the log stays identical to the donor's.
func (n *node) applyReplicated(op wire.Op) error {
	n.store.Apply(op)
	return n.log.Append(op)
}

func startNodes(t *testing.T, set *cluster.Set, seed map[string][]wire.Op) map[string]*node {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes := make(map[string]*node, set.Size())
	errs := make(chan error, set.Size())
	for _, r := range set.Replicas() {
		n := &node{name: r.Name, log: oplog.NewMemory(), store: state.NewStore()}
		for _, op := range seed[r.Name] {
			n.store.Apply(op)
			require.NoError(t, n.log.Append(op))
		}
		n.mesh = mesh.New(mesh.Config{Self: r, Set: set, Log: n.log, DialRetry: 50 * time.Millisecond})
		nodes[r.Name] = n
		go func() { errs <- n.mesh.Start(ctx) }()
	}
	for range set.Replicas() {
		require.NoError(t, <-errs)
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.mesh.Close()
		}
	})
	return nodes
}

func runCatchup(n *node) error {
	return Run(Config{Self: n.name, Mesh: n.mesh, Log: n.log, Apply: n.applyReplicated})
}

func seedOps() []wire.Op {
	return []wire.Op{
		{Kind: wire.KindCreate, UserID: "alice"},
		{Kind: wire.KindCreate, UserID: "bob"},
		{Kind: wire.KindSend, UserID: "alice", Recipient: "bob", Text: "hi"},
	}
}

func TestCatchupLaggardPullsTail(t *testing.T) {
	set := testSet(t, "A", "B")
	ops := seedOps()
	nodes := startNodes(t, set, map[string][]wire.Op{"A": ops})

	// A is up to date and already serving; B reboots empty and pulls.
	nodes["A"].mesh.StartConsume()

	require.NoError(t, runCatchup(nodes["B"]))

	assert.Equal(t, 3, nodes["B"].log.Progress())
	got, err := nodes["B"].log.Slice(0, 3)
	require.NoError(t, err)
	assert.Equal(t, ops, got)
	assert.True(t, nodes["B"].store.Exists("alice"))
	assert.True(t, nodes["B"].store.Exists("bob"))
}

func TestCatchupLeaderPushesLaggard(t *testing.T) {
	set := testSet(t, "A", "B")
	ops := seedOps()
	nodes := startNodes(t, set, map[string][]wire.Op{"A": ops})

	// A is leader and at max progress: its catch-up round pushes the tail.
	require.NoError(t, runCatchup(nodes["A"]))

	nodes["B"].mesh.StartConsume()
	for i := 0; i < len(ops); i++ {
		select {
		case op := <-nodes["B"].mesh.Inbound():
			assert.Equal(t, ops[i], op)
			require.NoError(t, nodes["B"].applyReplicated(op))
		case <-time.After(2 * time.Second):
			t.Fatalf("pushed op %d never arrived", i)
		}
	}
	assert.Equal(t, 3, nodes["B"].log.Progress())
}

func TestCatchupCrossingPushAndPull(t *testing.T) {
	set := testSet(t, "A", "B")
	ops := seedOps()
	nodes := startNodes(t, set, map[string][]wire.Op{"A": ops})

	// Both sides reconcile at once: A pushes while B pulls. B must end up
	// with the tail exactly once.
	nodes["A"].mesh.StartConsume()
	require.NoError(t, runCatchup(nodes["A"]))
	require.NoError(t, runCatchup(nodes["B"]))

	assert.Equal(t, 3, nodes["B"].log.Progress())

	nodes["B"].mesh.StartConsume()
	select {
	case op := <-nodes["B"].mesh.Inbound():
		t.Fatalf("duplicate op after catch-up: %+v", op)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCatchupBackupAtMaxWaits(t *testing.T) {
	set := testSet(t, "A", "B")
	ops := seedOps()
	nodes := startNodes(t, set, map[string][]wire.Op{"A": ops, "B": ops})

	// B is at max progress but not leader: nothing to do.
	require.NoError(t, runCatchup(nodes["B"]))
	assert.Equal(t, 3, nodes["B"].log.Progress())
}
