package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/pathware/httpbridge/internal/transport"
)

// Handler dispatches one parsed request on its client connection. The
// implementation is selected once at startup (direct vs bridge). A handler
// owns any outbound connection it opens and must close it on every exit
// path; the client connection is closed by the caller.
type Handler interface {
	HandleRequest(ctx context.Context, clientConn net.Conn, req *Request, log *zap.Logger)
}

// Destination identifies the outbound peer of one proxied exchange.
type Destination struct {
	Host string
	Port int
}

// Addr returns the destination in host:port form.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// parseDestination resolves an authority (host[:port]) into a Destination.
// defaultPort is applied when the port is absent; zero means an explicit
// port is required.
func parseDestination(authority string, defaultPort int) (Destination, error) {
	host := authority
	port := defaultPort
	if h, p, err := net.SplitHostPort(authority); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Destination{}, fmt.Errorf("invalid port %q", p)
		}
		host, port = h, n
	} else if defaultPort == 0 {
		return Destination{}, fmt.Errorf("missing port in %q", authority)
	}

	if host == "" {
		return Destination{}, fmt.Errorf("missing host in %q", authority)
	}
	if port < 1 || port > 65535 {
		return Destination{}, fmt.Errorf("port %d out of range", port)
	}
	return Destination{Host: host, Port: port}, nil
}

// DirectHandler resolves destinations from request targets and connects to
// origin servers itself.
type DirectHandler struct {
	dialer transport.Dialer
}

func NewDirectHandler(d transport.Dialer) *DirectHandler {
	return &DirectHandler{dialer: d}
}

func (h *DirectHandler) HandleRequest(ctx context.Context, clientConn net.Conn, req *Request, log *zap.Logger) {
	switch req.Method {
	case "CONNECT":
		h.handleConnect(ctx, clientConn, req, log)
	case "GET", "HEAD", "POST", "PUT", "DELETE":
		h.handleForward(ctx, clientConn, req, log)
	default:
		log.Warn("unsupported method", zap.String("method", req.Method))
	}
}

// handleConnect opens a tunnel to the host:port named by the request target
// and relays raw bytes. The target must carry an explicit port; no default
// is applied. No error status is written back on failure - the client sees
// a plain close.
func (h *DirectHandler) handleConnect(ctx context.Context, clientConn net.Conn, req *Request, log *zap.Logger) {
	dest, err := parseDestination(req.Target, 0)
	if err != nil {
		log.Warn("bad CONNECT target", zap.String("target", req.Target), zap.Error(err))
		return
	}

	serverConn, err := h.dialer.DialContext(ctx, "tcp", dest.Addr())
	if err != nil {
		log.Error("connecting to destination failed", zap.String("dest", dest.Addr()), zap.Error(err))
		return
	}
	defer serverConn.Close()

	reply := req.Proto + " 200 Connection established\r\nProxy-agent: " + serverVersion + "\r\n\r\n"
	if _, err := io.WriteString(clientConn, reply); err != nil {
		log.Debug("writing CONNECT reply failed", zap.Error(err))
		return
	}

	Relay(clientConn, serverConn, log)
}

// handleForward proxies a non-CONNECT request: the absolute http URI is
// resolved to a destination, the Connection header is forced to close, and
// the request head is re-sent with an origin-form target and an HTTP/1.0
// request line to avoid chunked/keep-alive ambiguity downstream.
func (h *DirectHandler) handleForward(ctx context.Context, clientConn net.Conn, req *Request, log *zap.Logger) {
	u, err := url.Parse(req.Target)
	if err != nil || u.Scheme != "http" || u.Host == "" {
		log.Warn("bad request URL", zap.String("target", req.Target), zap.Error(err))
		return
	}

	if _, ok := req.Headers.Get("Connection"); ok {
		req.Headers.Set("Connection", "close")
	}

	dest, err := parseDestination(u.Host, 80)
	if err != nil {
		log.Warn("bad request URL", zap.String("target", req.Target), zap.Error(err))
		return
	}

	serverConn, err := h.dialer.DialContext(ctx, "tcp", dest.Addr())
	if err != nil {
		log.Error("connecting to destination failed", zap.String("dest", dest.Addr()), zap.Error(err))
		return
	}
	defer serverConn.Close()

	out := Request{Method: req.Method, Target: u.RequestURI(), Proto: "HTTP/1.0", Headers: req.Headers}
	if _, err := out.WriteTo(serverConn); err != nil {
		log.Error("sending request to destination failed", zap.String("dest", dest.Addr()), zap.Error(err))
		return
	}

	Relay(clientConn, serverConn, log)
}

// BridgeHandler forwards every accepted request verbatim to one fixed
// downstream proxy instead of interpreting it locally. The bridge peer is
// trusted to apply CONNECT semantics itself, so the target is never
// inspected here.
type BridgeHandler struct {
	dialer transport.Dialer
	bridge string
}

func NewBridgeHandler(d transport.Dialer, bridgeAddr string) *BridgeHandler {
	return &BridgeHandler{dialer: d, bridge: bridgeAddr}
}

func (h *BridgeHandler) HandleRequest(ctx context.Context, clientConn net.Conn, req *Request, log *zap.Logger) {
	switch req.Method {
	case "CONNECT", "GET", "HEAD", "POST", "PUT", "DELETE":
	default:
		log.Warn("dropping unsupported method", zap.String("method", req.Method))
		return
	}

	serverConn, err := h.dialer.DialContext(ctx, "tcp", h.bridge)
	if err != nil {
		log.Error("connecting to bridge proxy failed", zap.String("bridge", h.bridge), zap.Error(err))
		return
	}
	defer serverConn.Close()

	if _, err := req.WriteTo(serverConn); err != nil {
		log.Error("forwarding request to bridge proxy failed", zap.String("bridge", h.bridge), zap.Error(err))
		return
	}

	Relay(clientConn, serverConn, log)
}
