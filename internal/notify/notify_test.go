package notify

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/state"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

type testNotify struct {
	d       *Dispatcher
	addr    string
	primary atomic.Bool
	store   *state.Store
}

func startNotify(t *testing.T) *testNotify {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tn := &testNotify{store: state.NewStore()}
	tn.primary.Store(true)

	self := cluster.Replica{Name: "A", Host: "127.0.0.1", NotifPort: port}
	tn.d = New(Config{
		Self:      self,
		IsPrimary: tn.primary.Load,
		Submit: func(ctx context.Context, op wire.Op) (wire.Response, error) {
			return tn.store.Apply(op)
		},
		Queue:        tn.store.Queue,
		QueuePoll:    50 * time.Millisecond,
		PingDeadline: 100 * time.Millisecond,
	})
	require.NoError(t, tn.d.Start(context.Background()))
	t.Cleanup(tn.d.Close)
	tn.addr = self.NotifAddr()
	return tn
}

// subscribe dials the NOTIF endpoint, sends the user_id and returns the
// registration response.
func subscribe(t *testing.T, tn *testNotify, user string) (net.Conn, *wire.Reader, wire.Response) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", tn.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, wire.WriteLine(conn, user))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := wire.NewReader(conn)
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	conn.SetReadDeadline(time.Time{})
	return conn, r, resp
}

func mustApply(t *testing.T, store *state.Store, op wire.Op) {
	t.Helper()
	resp, err := store.Apply(op)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
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

func TestNotifyRegistersOneSocketPerUser(t *testing.T) {
	tn := startNotify(t)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})

	_, _, first := subscribe(t, tn, "alice")
	assert.True(t, first.Success)
	assert.Equal(t, 1, tn.d.Subscribers())

	_, _, second := subscribe(t, tn, "alice")
	assert.False(t, second.Success)
	assert.Equal(t, "already logged in", second.Error)
	assert.Equal(t, 1, tn.d.Subscribers())
}

func TestNotifyDeliversQueuedChat(t *testing.T) {
	tn := startNotify(t)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "bob"})
	mustApply(t, tn.store, wire.Op{Kind: wire.KindSend, UserID: "alice", Recipient: "bob", Text: "hi bob"})

	conn, r, reg := subscribe(t, tn, "bob")
	require.True(t, reg.Success)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, wire.RespNotif, resp.Kind)
	require.NotNil(t, resp.Chat)
	assert.Equal(t, "alice", resp.Chat.Author)
	assert.Equal(t, "hi bob", resp.Chat.Text)

	// The delivery was a replicated dequeue: the queue is now empty.
	assert.Equal(t, 0, tn.store.Queue("bob").Len())
}

func TestNotifyAnsweredPingKeepsSubscription(t *testing.T) {
	tn := startNotify(t)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})

	conn, r, reg := subscribe(t, tn, "alice")
	require.True(t, reg.Success)

	// Answer pings for several poll windows; the registration must hold.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		resp, err := r.ReadResponse()
		if err != nil {
			break
		}
		require.Equal(t, wire.RespPing, resp.Kind)
		require.NoError(t, wire.WriteResponse(conn, wire.Ping))
	}
	assert.Equal(t, 1, tn.d.Subscribers())
}

func TestNotifyDropsSilentSubscriber(t *testing.T) {
	tn := startNotify(t)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})

	_, _, reg := subscribe(t, tn, "alice")
	require.True(t, reg.Success)

	// Never answer the ping: the user_id is released and a fresh subscribe
	// succeeds.
	waitUntil(t, 2*time.Second, func() bool { return tn.d.Subscribers() == 0 })

	_, _, again := subscribe(t, tn, "alice")
	assert.True(t, again.Success)
}

func TestNotifyBackupNeverDelivers(t *testing.T) {
	tn := startNotify(t)
	tn.primary.Store(false)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "bob"})
	mustApply(t, tn.store, wire.Op{Kind: wire.KindSend, UserID: "alice", Recipient: "bob", Text: "hi"})

	conn, r, reg := subscribe(t, tn, "bob")
	require.True(t, reg.Success)

	// Only pings arrive while the replica is a backup.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.RespPing, resp.Kind)
	assert.Equal(t, 1, tn.store.Queue("bob").Len())
}

func TestNotifyDropsSubscriberWhenAccountDeleted(t *testing.T) {
	tn := startNotify(t)
	mustApply(t, tn.store, wire.Op{Kind: wire.KindCreate, UserID: "alice"})

	_, _, reg := subscribe(t, tn, "alice")
	require.True(t, reg.Success)

	mustApply(t, tn.store, wire.Op{Kind: wire.KindDelete, UserID: "alice"})

	waitUntil(t, 2*time.Second, func() bool { return tn.d.Subscribers() == 0 })
}
