package replica

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

// soloDispatcher runs a dispatcher over a single-replica mesh, so the boot
// barrier is trivially satisfied and no peers exist to replicate to.
func soloDispatcher(t *testing.T) (*Dispatcher, *state.Store, oplog.Log, *mesh.Mesh) {
	t.Helper()
	set, err := cluster.NewSet([]cluster.Replica{{
		Name:         "A",
		Host:         "127.0.0.1",
		InternalPort: freePort(t),
		ClientPort:   freePort(t),
		HealthPort:   freePort(t),
		NotifPort:    freePort(t),
	}})
	require.NoError(t, err)

	self, _ := set.Get("A")
	log := oplog.NewMemory()
	m := mesh.New(mesh.Config{Self: self, Set: set, Log: log, DialRetry: 50 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	m.StartConsume()
	t.Cleanup(m.Close)

	store := state.NewStore()
	return NewDispatcher(store, log, m, nil), store, log, m
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return cancel
}

func submit(t *testing.T, d *Dispatcher, op wire.Op) wire.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := d.Submit(ctx, op)
	require.NoError(t, err)
	return resp
}

func TestDispatcherServesClientsAfterTakeover(t *testing.T) {
	d, store, log, m := soloDispatcher(t)
	runDispatcher(t, d)
	m.InjectTakeover()

	resp := submit(t, d, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	assert.True(t, resp.Success)
	assert.True(t, store.Exists("alice"))
	assert.Equal(t, 1, log.Progress())
}

func TestDispatcherRefusedOpIsNotLogged(t *testing.T) {
	d, _, log, m := soloDispatcher(t)
	runDispatcher(t, d)
	m.InjectTakeover()

	require.True(t, submit(t, d, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)

	resp := submit(t, d, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	assert.False(t, resp.Success)
	assert.Equal(t, "User already exists", resp.Error)
	assert.Equal(t, 1, log.Progress())
}

func TestDispatcherReadOnlyOpsDoNotAdvanceLog(t *testing.T) {
	d, _, log, m := soloDispatcher(t)
	runDispatcher(t, d)
	m.InjectTakeover()

	require.True(t, submit(t, d, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)

	resp := submit(t, d, wire.Op{Kind: wire.KindList, UserID: "alice", Wildcard: "", Page: 0})
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"alice"}, resp.Accounts)
	assert.Equal(t, 1, log.Progress())
}

func TestDispatcherBackupIgnoresClientQueue(t *testing.T) {
	d, _, _, _ := soloDispatcher(t)
	runDispatcher(t, d)

	// No takeover: the dispatcher stays on the internal stream and never
	// picks up client requests.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherDemoteSwitchesToInternalStream(t *testing.T) {
	d, _, _, m := soloDispatcher(t)
	runDispatcher(t, d)
	m.InjectTakeover()

	require.True(t, submit(t, d, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)

	d.Demote()
	time.Sleep(50 * time.Millisecond)

	// Back on the internal stream, client requests sit unserved.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, wire.Op{Kind: wire.KindCreate, UserID: "bob"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherRefuseQueuedAnswersNotPrimary(t *testing.T) {
	d, _, _, _ := soloDispatcher(t)

	req := Request{
		Op:    wire.Op{Kind: wire.KindCreate, UserID: "alice"},
		Reply: make(chan wire.Response, 1),
	}
	d.clientQ <- req
	d.refuseQueued()

	select {
	case resp := <-req.Reply:
		assert.False(t, resp.Success)
		assert.Equal(t, "not primary", resp.Error)
	default:
		t.Fatal("queued request never answered")
	}
}

func TestDispatcherApplyReplicatedAppendsUnconditionally(t *testing.T) {
	d, store, log, _ := soloDispatcher(t)

	op := wire.Op{Kind: wire.KindCreate, UserID: "alice"}
	require.NoError(t, d.ApplyReplicated(op, "peer"))
	require.NoError(t, d.ApplyReplicated(op, "peer"))

	// The duplicate is refused by the state machine but still appended, so
	// the log stays byte-identical with the primary's.
	assert.True(t, store.Exists("alice"))
	assert.Equal(t, 2, log.Progress())
}
