package gateway

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

type testGateway struct {
	gw       *Gateway
	addr     string
	primary  atomic.Bool
	fallover chan struct{}
	store    *state.Store
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tg := &testGateway{
		fallover: make(chan struct{}, 1),
		store:    state.NewStore(),
	}
	tg.primary.Store(true)

	self := cluster.Replica{Name: "A", Host: "127.0.0.1", ClientPort: port}
	tg.gw = New(Config{
		Self:      self,
		IsPrimary: tg.primary.Load,
		Submit: func(ctx context.Context, op wire.Op) (wire.Response, error) {
			resp, err := tg.store.Apply(op)
			return resp, err
		},
		OnFallover: func() { tg.fallover <- struct{}{} },
	})
	require.NoError(t, tg.gw.Start(context.Background()))
	t.Cleanup(tg.gw.Close)
	tg.addr = self.ClientAddr()
	return tg
}

// dialGateway connects and consumes the greeting.
func dialGateway(t *testing.T, tg *testGateway) (net.Conn, *wire.Reader, wire.Response) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", tg.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := wire.NewReader(conn)
	greeting, err := r.ReadResponse()
	require.NoError(t, err)
	return conn, r, greeting
}

func TestGatewayGreetsWithRole(t *testing.T) {
	tg := startGateway(t)

	_, _, greeting := dialGateway(t, tg)
	assert.True(t, greeting.Success)
	assert.Equal(t, "A", greeting.UserID)

	tg.primary.Store(false)
	_, _, greeting = dialGateway(t, tg)
	assert.False(t, greeting.Success)
	assert.Equal(t, "not primary", greeting.Error)
}

func TestGatewayServesRequests(t *testing.T) {
	tg := startGateway(t)
	conn, r, _ := dialGateway(t, tg)

	require.NoError(t, wire.WriteOp(conn, wire.Op{Kind: wire.KindCreate, UserID: "alice"}))
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, tg.store.Exists("alice"))

	// Same connection keeps serving.
	require.NoError(t, wire.WriteOp(conn, wire.Op{Kind: wire.KindCreate, UserID: "alice"}))
	resp, err = r.ReadResponse()
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "User already exists", resp.Error)
}

func TestGatewayRefusesOnBackupWithoutClosing(t *testing.T) {
	tg := startGateway(t)
	conn, r, _ := dialGateway(t, tg)

	tg.primary.Store(false)
	require.NoError(t, wire.WriteOp(conn, wire.Op{Kind: wire.KindCreate, UserID: "alice"}))
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "not primary", resp.Error)
	assert.False(t, tg.store.Exists("alice"))

	// The connection survives the refusal and works again after takeover.
	tg.primary.Store(true)
	require.NoError(t, wire.WriteOp(conn, wire.Op{Kind: wire.KindCreate, UserID: "alice"}))
	resp, err = r.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestGatewayFalloverAcksThenTriggers(t *testing.T) {
	tg := startGateway(t)
	conn, r, _ := dialGateway(t, tg)

	require.NoError(t, wire.WriteOp(conn, wire.Op{Kind: wire.KindFallover, UserID: "-"}))
	resp, err := r.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.Success)

	select {
	case <-tg.fallover:
	case <-time.After(2 * time.Second):
		t.Fatal("fallover callback never fired")
	}

	// The connection is closed after the ack.
	_, err = r.ReadLine()
	assert.Error(t, err)
}

func TestGatewayClosesOnMalformedRecord(t *testing.T) {
	tg := startGateway(t)
	conn, r, _ := dialGateway(t, tg)

	require.NoError(t, wire.WriteLine(conn, "not@@a@@valid@@kind@@at@@all@@x"))
	_, err := r.ReadResponse()
	assert.Error(t, err)
}
