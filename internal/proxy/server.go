package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"

	"go.uber.org/zap"
)

// Version is the httpbridge release version.
const Version = "0.1.0"

// serverVersion is advertised in the Proxy-agent header of CONNECT replies.
const serverVersion = "httpbridge/" + Version

// Server accepts client connections and runs one connection handler
// goroutine per connection. Concurrency is unbounded: a stalled destination
// occupies its goroutine until a peer closes.
type Server struct {
	ctx     context.Context
	handler Handler
	log     *zap.Logger
}

// NewServer constructs a server dispatching to handler. ctx is the base
// context for outbound dials.
func NewServer(ctx context.Context, handler Handler, log *zap.Logger) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, handler: handler, log: log}
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn runs the connection pipeline: parse, dispatch, relay. All
// failures are handled here; nothing propagates to the accept loop. The
// client connection is closed on every exit path.
func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With(zap.String("conn", connID()), zap.String("client", conn.RemoteAddr().String()))
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	req, err := ReadRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoRequest):
			log.Debug("client closed without sending a request")
		case errors.Is(err, ErrMalformedRequest):
			log.Warn("malformed request", zap.Error(err))
		default:
			log.Warn("reading request failed", zap.Error(err))
		}
		return
	}

	log.Info("request",
		zap.String("method", req.Method),
		zap.String("target", req.Target),
		zap.String("proto", req.Proto))
	log.Debug("request headers", zap.Stringer("headers", &req.Headers))

	s.handler.HandleRequest(s.ctx, conn, req, log)
}

// connID returns a short random token correlating the log lines of one
// connection. Collisions are unlikely and harmless.
func connID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
