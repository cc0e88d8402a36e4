package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// ErrAlreadyLoggedIn is returned when another live NOTIF socket already
// holds the user_id.
var ErrAlreadyLoggedIn = errors.New("client: already logged in")

// Subscription is a live NOTIF channel for one user. It answers server
// pings and hands every pushed chat to the callback; when the connection or
// the primary dies it re-finds the primary and re-subscribes.
type Subscription struct {
	cfg    Config
	user   string
	onChat func(wire.Chat)

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	wg     sync.WaitGroup
}

// Subscribe registers user on the primary's NOTIF endpoint and starts the
// receive loop. A refusal on the first registration attempt is surfaced as
// ErrAlreadyLoggedIn; refusals during later re-subscribes are retried, since
// the stale registration is dropped by the server's ping-check.
func (c *Client) Subscribe(ctx context.Context, user string, onChat func(wire.Chat)) (*Subscription, error) {
	s := &Subscription{cfg: c.cfg, user: user, onChat: onChat}

	conn, r, err := s.register(ctx, false)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(ctx, conn, r)
	return s, nil
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// register finds the primary and performs the NOTIF registration exchange:
// send the user_id as the first record, read the basic response. With
// retryDuplicate set, a duplicate refusal is retried instead of surfaced:
// after a reconnect the duplicate is our own dead socket, which the server's
// ping-check releases within two poll intervals.
func (s *Subscription) register(ctx context.Context, retryDuplicate bool) (net.Conn, *wire.Reader, error) {
	for {
		for _, replica := range s.primaryOrder(ctx) {
			conn, r, ok := s.tryRegister(replica)
			if ok {
				logger.Info("subscribed for notifications",
					logger.KeyReplica, replica.Name, logger.KeySubscriber, s.user)
				return conn, r, nil
			}
			if conn == nil {
				continue
			}
			conn.Close()
			if !retryDuplicate {
				return nil, nil, ErrAlreadyLoggedIn
			}
		}
		select {
		case <-time.After(s.cfg.RetryPause):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// primaryOrder returns the replicas to try, primary-confirmed first. Probing
// the CLIENT endpoint keeps registration off backups whose queues nobody
// drains.
func (s *Subscription) primaryOrder(ctx context.Context) []cluster.Replica {
	for _, replica := range s.cfg.Set.Replicas() {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := net.DialTimeout("tcp", replica.ClientAddr(), s.cfg.DialTimeout)
		if err != nil {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
		resp, err := wire.NewReader(conn).ReadResponse()
		conn.Close()
		if err == nil && resp.Success {
			return []cluster.Replica{replica}
		}
	}
	return nil
}

// tryRegister runs the registration exchange against one replica's NOTIF
// endpoint. Returns (conn, reader, true) on success, (conn, nil, false) when
// refused as a duplicate, (nil, nil, false) on any connection problem. The
// returned reader already buffered the ack and must carry the whole
// subscription: records the server pushed right behind the ack sit in its
// buffer, a fresh reader on the raw conn would never see them.
func (s *Subscription) tryRegister(replica cluster.Replica) (net.Conn, *wire.Reader, bool) {
	conn, err := net.DialTimeout("tcp", replica.NotifAddr(), s.cfg.DialTimeout)
	if err != nil {
		return nil, nil, false
	}
	if err := wire.WriteLine(conn, s.user); err != nil {
		conn.Close()
		return nil, nil, false
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	r := wire.NewReader(conn)
	resp, err := r.ReadResponse()
	if err != nil {
		conn.Close()
		return nil, nil, false
	}
	conn.SetReadDeadline(time.Time{})
	if !resp.Success {
		if strings.Contains(resp.Error, "already logged in") {
			return conn, nil, false
		}
		conn.Close()
		return nil, nil, false
	}
	return conn, r, true
}

// receiveLoop reads pushed records until the subscription closes: pings are
// answered immediately, notif responses are handed to the callback. A dead
// connection triggers re-registration against the current primary.
func (s *Subscription) receiveLoop(ctx context.Context, conn net.Conn, r *wire.Reader) {
	defer s.wg.Done()
	for {
		resp, err := r.ReadResponse()
		if err != nil {
			conn.Close()
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			logger.Info("notification channel lost, re-subscribing",
				logger.KeySubscriber, s.user, logger.KeyError, err)
			next, nr, rerr := s.register(ctx, true)
			if rerr != nil {
				if !errors.Is(rerr, context.Canceled) {
					logger.Warn("re-subscribe failed", logger.KeySubscriber, s.user, logger.KeyError, rerr)
				}
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				next.Close()
				return
			}
			s.conn = next
			s.mu.Unlock()
			conn, r = next, nr
			continue
		}

		switch resp.Kind {
		case wire.RespPing:
			if err := wire.WriteResponse(conn, wire.Ping); err != nil {
				conn.Close()
			}
		case wire.RespNotif:
			if resp.Chat != nil && s.onChat != nil {
				s.onChat(*resp.Chat)
			}
		default:
			// Duplicate registration acks after a server-side race are harmless.
		}
	}
}
