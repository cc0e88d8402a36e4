package replica

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/client"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/oplog"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// testClusterHarness runs a full in-process cluster with per-replica
// lifecycle control.
type testClusterHarness struct {
	cfgs    map[string]*config.Config
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
	dataDir string
}

func bootCluster(t *testing.T, names ...string) *testClusterHarness {
	t.Helper()
	dataDir := t.TempDir()

	table := make([]config.ReplicaConfig, 0, len(names))
	for _, name := range names {
		table = append(table, config.ReplicaConfig{
			Name:         name,
			Host:         "127.0.0.1",
			InternalPort: freePort(t),
			ClientPort:   freePort(t),
			HealthPort:   freePort(t),
			NotifPort:    freePort(t),
		})
	}

	h := &testClusterHarness{
		cfgs:    make(map[string]*config.Config),
		cancels: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
		dataDir: dataDir,
	}
	for _, name := range names {
		cfg := &config.Config{
			Replica: name,
			Cluster: table,
			Storage: config.StorageConfig{DataDir: dataDir},
			Timeouts: config.TimeoutsConfig{
				ProbeInterval: 50 * time.Millisecond,
				ProbeTimeout:  100 * time.Millisecond,
				QueuePoll:     50 * time.Millisecond,
				PingDeadline:  100 * time.Millisecond,
				DialRetry:     50 * time.Millisecond,
			},
		}
		h.cfgs[name] = cfg
	}
	for _, name := range names {
		h.startReplica(t, name)
	}
	t.Cleanup(func() {
		for name := range h.cancels {
			h.stopReplica(t, name)
		}
	})
	return h
}

func (h *testClusterHarness) startReplica(t *testing.T, name string) {
	t.Helper()
	rep, err := New(h.cfgs[name])
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancels[name] = cancel
	h.done[name] = done
	go func() {
		defer close(done)
		if err := rep.Run(ctx); err != nil {
			t.Errorf("replica %s: %v", name, err)
		}
	}()
}

func (h *testClusterHarness) stopReplica(t *testing.T, name string) {
	t.Helper()
	cancel, ok := h.cancels[name]
	if !ok {
		return
	}
	delete(h.cancels, name)
	cancel()
	select {
	case <-h.done[name]:
	case <-time.After(5 * time.Second):
		t.Errorf("replica %s did not stop", name)
	}
}

// waitStopped waits for a replica that exits on its own (fallover).
func (h *testClusterHarness) waitStopped(t *testing.T, name string) {
	t.Helper()
	select {
	case <-h.done[name]:
		delete(h.cancels, name)
	case <-time.After(5 * time.Second):
		t.Fatalf("replica %s did not fall over", name)
	}
}

func (h *testClusterHarness) newClient(t *testing.T) *client.Client {
	t.Helper()
	var anyCfg *config.Config
	for _, cfg := range h.cfgs {
		anyCfg = cfg
		break
	}
	set, err := anyCfg.ReplicaSet()
	require.NoError(t, err)
	c := client.New(client.Config{Set: set, DialTimeout: 500 * time.Millisecond, RetryPause: 50 * time.Millisecond})
	t.Cleanup(c.Close)
	return c
}

func (h *testClusterHarness) logBytes(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(oplog.Filename(h.dataDir, name))
	require.NoError(t, err)
	return data
}

func (h *testClusterHarness) waitLogsEqual(t *testing.T, names ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		first := h.logBytes(t, names[0])
		equal := len(first) > 0
		for _, name := range names[1:] {
			if string(h.logBytes(t, name)) != string(first) {
				equal = false
				break
			}
		}
		if equal {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("replica logs never converged")
}

func mustDo(t *testing.T, c *client.Client, op wire.Op) wire.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Do(ctx, op)
	require.NoError(t, err)
	return resp
}

func TestClusterEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full cluster boot")
	}
	h := bootCluster(t, "A", "B", "C")
	c := h.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "A", c.Primary())

	// Accounts and a chat.
	assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)
	assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "bob"}).Success)
	resp := mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "alice"})
	assert.False(t, resp.Success)
	assert.Equal(t, "User already exists", resp.Error)

	assert.True(t, mustDo(t, c, wire.Op{
		Kind: wire.KindSend, UserID: "alice", Recipient: "bob", Text: "hi bob",
	}).Success)

	// Reads serve from the primary without touching the log.
	resp = mustDo(t, c, wire.Op{Kind: wire.KindList, UserID: "alice", Wildcard: "", Page: 0})
	require.True(t, resp.Success)
	assert.ElementsMatch(t, []string{"alice", "bob"}, resp.Accounts)

	resp = mustDo(t, c, wire.Op{Kind: wire.KindLogs, UserID: "bob", Wildcard: "", Page: 0})
	require.True(t, resp.Success)
	require.Len(t, resp.Chats, 1)
	assert.Equal(t, "hi bob", resp.Chats[0].Text)

	// The replicated ops reached every backup byte for byte.
	h.waitLogsEqual(t, "A", "B", "C")

	// Real-time delivery drains bob's queue through a replicated notif op.
	chats := make(chan wire.Chat, 1)
	sub, err := c.Subscribe(ctx, "bob", func(chat wire.Chat) { chats <- chat })
	require.NoError(t, err)
	defer sub.Close()
	select {
	case chat := <-chats:
		assert.Equal(t, wire.Chat{Author: "alice", Recipient: "bob", Text: "hi bob"}, chat)
	case <-time.After(5 * time.Second):
		t.Fatal("queued chat never pushed")
	}
	h.waitLogsEqual(t, "A", "B", "C")
}

func TestClusterFalloverPromotesNextReplica(t *testing.T) {
	if testing.Short() {
		t.Skip("full cluster boot")
	}
	h := bootCluster(t, "A", "B", "C")
	c := h.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Equal(t, "A", c.Primary())

	assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)
	h.waitLogsEqual(t, "A", "B", "C")

	// Fallover shuts the primary down after the ack.
	assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindFallover, UserID: "-"}).Success)
	h.waitStopped(t, "A")

	// The connector fails over to the new primary and retransmits.
	resp := mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "bob"})
	assert.True(t, resp.Success)
	assert.Equal(t, "B", c.Primary())
	h.waitLogsEqual(t, "B", "C")
}

func TestClusterRestartedReplicaCatchesUp(t *testing.T) {
	if testing.Short() {
		t.Skip("full cluster boot")
	}
	h := bootCluster(t, "A", "B")
	c := h.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: "alice"}).Success)
	h.waitLogsEqual(t, "A", "B")

	h.stopReplica(t, "B")

	// Ops applied while B is down.
	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("user%d", i)
		assert.True(t, mustDo(t, c, wire.Op{Kind: wire.KindCreate, UserID: user}).Success)
	}

	// B reboots, replays its log, and pulls the missing tail.
	h.startReplica(t, "B")
	h.waitLogsEqual(t, "A", "B")

	resp := mustDo(t, c, wire.Op{Kind: wire.KindList, UserID: "alice", Wildcard: "user", Page: 0})
	require.True(t, resp.Success)
	assert.Len(t, resp.Accounts, 3)
}
