// Package gateway owns the CLIENT listener: the request/response surface
// clients talk to. Each accepted connection is greeted with a probe response
// that tells the connector whether this replica is primary; requests on a
// non-primary are refused politely without closing the connection.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/internal/telemetry"
	"github.com/chatmesh/chatmesh/pkg/cluster"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Config carries the gateway dependencies.
type Config struct {
	Self cluster.Replica

	// IsPrimary reports the current role; consulted per request, not per
	// connection, so a connection opened against a backup starts working
	// the moment the replica takes over.
	IsPrimary func() bool

	// Submit routes one accepted request through the dispatcher and returns
	// the response to write back.
	Submit func(ctx context.Context, op wire.Op) (wire.Response, error)

	// OnFallover triggers graceful shutdown. Wired to the out-of-band
	// fallover control record used by failover tests and demos.
	OnFallover func()
}

// Gateway accepts and serves client connections.
type Gateway struct {
	cfg      Config
	listener net.Listener

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds an unstarted gateway.
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg, done: make(chan struct{})}
}

// Start opens the CLIENT listener and begins accepting.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Self.ClientAddr())
	if err != nil {
		return err
	}
	g.listener = ln

	logger.Info("client gateway listening", logger.KeyListenAddr, g.cfg.Self.ClientAddr())

	g.wg.Add(1)
	go g.acceptLoop(ctx, ln)
	return nil
}

// Close stops accepting and unblocks every handler.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.listener != nil {
			g.listener.Close()
		}
	})
	g.wg.Wait()
}

func (g *Gateway) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if g.closed() {
				return
			}
			logger.Warn("client accept failed", logger.KeyError, err)
			continue
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer conn.Close()
			g.handle(ctx, conn)
		}()
	}
}

// handle serves one client connection: greet with the probe response, then
// read framed operations until the connection dies or a malformed record
// arrives.
func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()[:8]
	log := logger.With(
		logger.KeyConnID, connID,
		logger.KeyRemoteAddr, conn.RemoteAddr().String(),
	)

	if err := g.greet(conn); err != nil {
		return
	}
	log.Debug("client connected")

	r := wire.NewReader(conn)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !g.closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("client read failed", logger.KeyError, err)
			}
			return
		}

		op, err := wire.ParseOp(line)
		if err != nil || op.Kind == wire.KindTakeover {
			// Malformed record: close the socket, the client reconnects.
			log.Warn("malformed client record", logger.KeyError, err)
			return
		}

		if op.Kind == wire.KindFallover {
			log.Warn("fallover requested, shutting down")
			_ = wire.WriteResponse(conn, wire.Response{
				UserID: op.UserID, Kind: wire.RespBasic, Success: true,
			})
			if g.cfg.OnFallover != nil {
				g.cfg.OnFallover()
			}
			return
		}

		if !g.cfg.IsPrimary() {
			// Refuse without closing; the client drops and retries elsewhere.
			if err := wire.WriteResponse(conn, notPrimary(op.UserID)); err != nil {
				return
			}
			continue
		}

		if !g.serve(ctx, conn, op, log) {
			return
		}
	}
}

// greet writes the probe response the connector's primary search reads:
// success exactly when this replica is primary.
func (g *Gateway) greet(conn net.Conn) error {
	if g.cfg.IsPrimary() {
		return wire.WriteResponse(conn, wire.Response{
			UserID: g.cfg.Self.Name, Kind: wire.RespBasic, Success: true,
		})
	}
	return wire.WriteResponse(conn, notPrimary(g.cfg.Self.Name))
}

// serve submits one request and writes the response back. Returns false
// when the connection should close.
func (g *Gateway) serve(ctx context.Context, conn net.Conn, op wire.Op, log *slog.Logger) bool {
	start := time.Now()
	reqCtx, span := telemetry.StartRequestSpan(ctx, string(op.Kind), op.UserID,
		telemetry.ClientAddr(conn.RemoteAddr().String()))
	defer span.End()

	resp, err := g.cfg.Submit(reqCtx, op)
	if err != nil {
		telemetry.RecordError(reqCtx, err)
		return false
	}
	telemetry.SetAttributes(reqCtx, telemetry.Success(resp.Success))

	if err := wire.WriteResponse(conn, resp); err != nil {
		return false
	}
	log.Debug("request served",
		logger.KeyOp, string(op.Kind),
		logger.KeyUser, op.UserID,
		logger.KeySuccess, resp.Success,
		logger.KeyDurationMs, logger.Duration(start),
	)
	return true
}

func notPrimary(user string) wire.Response {
	return wire.Response{UserID: user, Kind: wire.RespBasic, Error: "not primary"}
}
