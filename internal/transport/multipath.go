package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"
)

// alpnProto is the ALPN protocol name spoken with the multi-path peer.
const alpnProto = "httpbridge"

// MultipathDialer reaches the bridge peer over a multi-path QUIC session.
//
// It maintains (at most) one shared QUIC session per remote address and
// multiplexes proxied connections over it by opening one bidirectional
// stream per DialContext call. The configured administrative domain pair
// (cfg.LocalDomain, cfg.RemoteDomain) identifies the route; it is carried
// for diagnostics only and has no meaning to the proxy core.
//
// Lifecycle notes:
//   - The QUIC session is created lazily on the first DialContext call.
//   - Each DialContext call returns a net.Conn representing a single stream.
//   - Closing the returned conn closes only that stream, not the session.
//   - If opening a stream fails (e.g. the session is dead), the dialer
//     discards the session, reconnects once, and retries the stream open.
type MultipathDialer struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]quic.Connection
	sf       singleflight.Group
}

func NewMultipathDialer(cfg Config) *MultipathDialer {
	return &MultipathDialer{cfg: cfg, sessions: make(map[string]quic.Connection)}
}

// DialContext opens a new proxied connection to address over QUIC.
func (d *MultipathDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("multipath dial %s %s: unsupported network", network, address)
	}

	sess, err := d.getSession(ctx, address)
	if err != nil {
		return nil, err
	}

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		// The session may be dead. Discard it, reconnect once, and retry.
		d.invalidateSession(address, sess)
		if sess, err = d.getSession(ctx, address); err != nil {
			return nil, err
		}
		if stream, err = sess.OpenStreamSync(ctx); err != nil {
			return nil, fmt.Errorf("multipath open stream %s: %w", address, err)
		}
	}

	return &streamConn{stream: stream, local: sess.LocalAddr(), remote: sess.RemoteAddr()}, nil
}

// getSession returns the shared QUIC session for address, creating it if
// needed.
//
// Uses singleflight so only one session attempt per address occurs at a
// time. Callers can bail out early if their context is canceled, while the
// attempt continues for other waiters.
func (d *MultipathDialer) getSession(ctx context.Context, address string) (quic.Connection, error) {
	d.mu.Lock()
	sess := d.sessions[address]
	d.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	ch := d.sf.DoChan(address, func() (any, error) {
		// Double-check in case a previous call just finished.
		d.mu.Lock()
		if s := d.sessions[address]; s != nil {
			d.mu.Unlock()
			return s, nil
		}
		d.mu.Unlock()

		// Background context so the session attempt completes even if the
		// triggering caller's context is canceled; other waiters may still
		// want the result.
		s, err := d.dialSession(context.Background(), address)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.sessions[address] = s
		d.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(quic.Connection), nil
	}
}

func (d *MultipathDialer) dialSession(ctx context.Context, address string) (quic.Connection, error) {
	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("multipath dial %s: %w", address, err)
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         host,
		NextProtos:         []string{alpnProto},
		InsecureSkipVerify: d.cfg.Insecure,
	}

	sess, err := quic.DialAddr(ctx, address, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("multipath dial %s (%s -> %s): %w",
			address, d.cfg.LocalDomain, d.cfg.RemoteDomain, err)
	}
	return sess, nil
}

// invalidateSession discards the cached session for address if it is still
// the one that failed, and closes it.
func (d *MultipathDialer) invalidateSession(address string, sess quic.Connection) {
	d.mu.Lock()
	if d.sessions[address] == sess {
		delete(d.sessions, address)
	}
	d.mu.Unlock()
	_ = sess.CloseWithError(0, "transport reset")
}

// streamConn adapts one bidirectional QUIC stream to net.Conn.
//
// CloseWrite closes only the send side, giving the peer a clean
// end-of-stream. Close additionally cancels pending reads.
type streamConn struct {
	stream quic.Stream
	local  net.Addr
	remote net.Addr
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *streamConn) Close() error {
	c.stream.CancelRead(0)
	return c.stream.Close()
}

func (c *streamConn) CloseWrite() error { return c.stream.Close() }

func (c *streamConn) LocalAddr() net.Addr  { return c.local }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
