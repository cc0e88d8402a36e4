// Package client implements the failover-aware connector used by the shell:
// it finds the current primary by probing replicas in table order, sends
// framed operations over one CLIENT connection, and transparently re-finds
// the primary and retransmits when the connection or the primary dies.
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// Config carries the connector settings.
type Config struct {
	Set *cluster.Set

	// DialTimeout bounds one connect-and-greet probe against one replica.
	DialTimeout time.Duration

	// RetryPause is the pause after a full fruitless cycle over the table.
	RetryPause time.Duration

	// WatchInterval is the pause between background liveness probes of the
	// connected primary's HEALTH endpoint, so a dead primary is noticed
	// while the connection is idle. Zero disables the watch.
	WatchInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.RetryPause <= 0 {
		c.RetryPause = time.Second
	}
}

// Client is a connection to the current primary. Safe for one goroutine;
// the shell serializes its requests anyway.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    net.Conn
	r       *wire.Reader
	primary string
	closed  bool

	done chan struct{}
}

// New builds a disconnected client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{cfg: cfg, done: make(chan struct{})}
	if cfg.WatchInterval > 0 {
		go c.watch()
	}
	return c
}

// Primary returns the name of the replica the client last confirmed as
// primary, or "" before the first connect.
func (c *Client) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// Connect finds the primary and establishes the CLIENT connection. It keeps
// cycling the replica table until it succeeds or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	_, _, err := c.ensureConnected(ctx)
	return err
}

// Close drops the connection. Any blocked Do fails with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.dropConn()
}

// Do sends one operation to the primary and returns its response. On any
// connection failure, and on a demoted primary's refusal, it re-finds the
// primary and retransmits the same operation; it gives up only when ctx ends
// or the client is closed.
func (c *Client) Do(ctx context.Context, op wire.Op) (wire.Response, error) {
	for {
		conn, r, err := c.ensureConnected(ctx)
		if err != nil {
			return wire.Response{}, err
		}

		resp, err := roundTrip(conn, r, op)
		if err != nil {
			logger.Debug("request failed, re-finding primary",
				logger.KeyOp, string(op.Kind), logger.KeyError, err)
			c.invalidate(conn)
			continue
		}
		if resp.Kind == wire.RespBasic && !resp.Success && resp.Error == "not primary" {
			// Demoted under us; the op was refused, retransmit is safe.
			logger.Debug("replica demoted mid-connection, re-finding primary")
			c.invalidate(conn)
			continue
		}
		return resp, nil
	}
}

// roundTrip writes one op and reads one response on the live connection.
func roundTrip(conn net.Conn, r *wire.Reader, op wire.Op) (wire.Response, error) {
	if err := wire.WriteOp(conn, op); err != nil {
		return wire.Response{}, err
	}
	return r.ReadResponse()
}

// ensureConnected returns the live connection, finding the primary first
// when there is none. The mutex is held only to read state and install the
// new connection, never across dials or the retry pause, so Close and the
// health watch stay responsive during an unbounded primary search.
func (c *Client) ensureConnected(ctx context.Context) (net.Conn, *wire.Reader, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if c.conn != nil {
			conn, r := c.conn, c.r
			c.mu.Unlock()
			return conn, r, nil
		}
		c.mu.Unlock()

		for _, replica := range c.cfg.Set.Replicas() {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			conn, r, ok := c.probe(replica)
			if !ok {
				continue
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return nil, nil, ErrClosed
			}
			c.conn = conn
			c.r = r
			c.primary = replica.Name
			c.mu.Unlock()
			logger.Info("connected to primary", logger.KeyReplica, replica.Name)
			return conn, r, nil
		}

		logger.Debug("no primary found, retrying", logger.KeyCount, c.cfg.Set.Size())
		select {
		case <-time.After(c.cfg.RetryPause):
		case <-c.done:
			return nil, nil, ErrClosed
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// invalidate closes a connection and forgets it if it is still the installed
// one; the next Do re-finds the primary.
func (c *Client) invalidate(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.r = nil
	}
	c.mu.Unlock()
}

// probe connects to one replica's CLIENT endpoint and reads the greeting.
// Success means this replica is primary and the connection is kept.
func (c *Client) probe(replica cluster.Replica) (net.Conn, *wire.Reader, bool) {
	conn, err := net.DialTimeout("tcp", replica.ClientAddr(), c.cfg.DialTimeout)
	if err != nil {
		return nil, nil, false
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	r := wire.NewReader(conn)
	resp, err := r.ReadResponse()
	if err != nil || !resp.Success {
		conn.Close()
		return nil, nil, false
	}
	conn.SetReadDeadline(time.Time{})
	return conn, r, true
}

// dropConn closes the connection; the next Do re-finds the primary.
// Caller holds the mutex.
func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

// watch probes the connected primary's HEALTH endpoint each interval and
// drops the connection when the probe fails, so an idle client does not sit
// on a socket to a dead replica until its next request.
func (c *Client) watch() {
	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		name := ""
		if c.conn != nil {
			name = c.primary
		}
		c.mu.Unlock()
		if name == "" {
			continue
		}
		replica, err := c.cfg.Set.Get(name)
		if err != nil || c.healthProbe(replica.HealthAddr()) {
			continue
		}

		c.mu.Lock()
		if c.primary == name {
			logger.Info("primary failed health probe, dropping connection",
				logger.KeyReplica, name)
			c.dropConn()
		}
		c.mu.Unlock()
	}
}

// healthProbe runs one connect-send-receive check against a HEALTH endpoint.
func (c *Client) healthProbe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := wire.WriteResponse(conn, wire.Ping); err != nil {
		return false
	}
	_, err = wire.NewReader(conn).ReadLine()
	return err == nil
}
