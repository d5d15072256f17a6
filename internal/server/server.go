// Package server is the process-owned ServerContext: it owns the storage-layer
// collaborators (MetaStore, PartStore, the partition-key JIT cache, the
// ingest pipeline, the read-path execution engine) and the two TCP accept
// loops that hand each connection its own goroutine, one running the
// primary binary protocol (internal/session), the other the secondary
// MySQL-compatible protocol (internal/mysqlsrv). Nothing here is a
// package-level variable; every request handler receives this struct by
// reference instead of reaching for ambient state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"basecol/internal/catalog"
	"basecol/internal/engine"
	"basecol/internal/ingest"
	"basecol/internal/mysqlsrv"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/session"
)

// Context bundles the storage engine's collaborators, constructed once at
// startup and shared read-only across every accepted connection.
type Context struct {
	Catalog *catalog.Store
	Parts   *partstore.Store
	JIT     *ptkjit.Cache
	Ingest  *ingest.Pipeline
	Engine  *engine.Executor
	Logger  *zap.Logger
}

// deps adapts Context to the shape internal/session and internal/mysqlsrv
// expect; both protocols share identical collaborators, so there is
// exactly one Deps value per server process.
func (sc *Context) deps() session.Deps {
	return session.Deps{
		Catalog: sc.Catalog,
		Parts:   sc.Parts,
		JIT:     sc.JIT,
		Ingest:  sc.Ingest,
		Engine:  sc.Engine,
		Logger:  sc.Logger,
	}
}

// Server owns the two listeners this process accepts connections on.
type Server struct {
	ctx      *Context
	timeouts session.Timeouts
}

// New constructs a Server over ctx, using session.DefaultTimeouts for
// every protocol phase unless overridden via WithTimeouts.
func New(ctx *Context) *Server {
	return &Server{ctx: ctx, timeouts: session.DefaultTimeouts}
}

// WithTimeouts overrides the per-phase deadlines every accepted
// connection is served with.
func (s *Server) WithTimeouts(t session.Timeouts) *Server {
	s.timeouts = t
	return s
}

// ServeBinary accepts connections on addr and serves each with the
// primary binary protocol until ctx is canceled or the listener
// fails. It blocks until the listener closes.
func (s *Server) ServeBinary(ctx context.Context, addr string) error {
	return s.serve(ctx, addr, "binary", func(conn net.Conn) {
		session.Serve(conn, s.ctx.deps(), s.timeouts)
	})
}

// ServeMySQL accepts connections on addr and serves each with the
// secondary MySQL-compatible protocol until ctx is canceled or the
// listener fails. It blocks until the listener closes.
func (s *Server) ServeMySQL(ctx context.Context, addr string) error {
	return s.serve(ctx, addr, "mysql", func(conn net.Conn) {
		mysqlsrv.Serve(conn, s.ctx.deps(), s.timeouts)
	})
}

// serve is the accept loop shared by both protocols: one goroutine per
// accepted connection, nothing shared between connections except ctx's
// read-only collaborators.
func (s *Server) serve(ctx context.Context, addr, proto string, handle func(net.Conn)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s on %s: %w", proto, addr, err)
	}

	log := s.ctx.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("listening", zap.String("proto", proto), zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept %s: %w", proto, err)
		}
		go handle(conn)
	}
}

// NewLogger builds the process-wide structured logger every connection's
// per-request logger is derived from via Logger.With(...). Production
// builds use zap's JSON production config; this is the one place the
// server chooses an encoding, everywhere else just logs through the
// *zap.Logger it was handed.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
