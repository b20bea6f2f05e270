package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// MultipathListener accepts proxied connections over multi-path QUIC. It is
// the peer of MultipathDialer: each bidirectional stream opened by a remote
// dialer surfaces here as one accepted net.Conn, so a second instance can
// serve its proxy over the multi-path transport instead of plain TCP.
type MultipathListener struct {
	ln    *quic.Listener
	conns chan net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// ListenMultipath listens for multi-path QUIC sessions on addr. When no
// certificate files are configured, an ephemeral self-signed certificate is
// generated and peers must dial with verification disabled.
func ListenMultipath(cfg Config, addr string) (*MultipathListener, error) {
	tlsConf, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("multipath listen %s: %w", addr, err)
	}

	l := &MultipathListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	go l.acceptSessions()
	return l, nil
}

// Accept returns the next stream opened by any connected session.
func (l *MultipathListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *MultipathListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (l *MultipathListener) Addr() net.Addr {
	return l.ln.Addr()
}

// acceptSessions accepts QUIC sessions until the listener is closed. Streams
// from all sessions funnel into one Accept queue.
func (l *MultipathListener) acceptSessions() {
	for {
		sess, err := l.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go l.acceptStreams(sess)
	}
}

func (l *MultipathListener) acceptStreams(sess quic.Connection) {
	for {
		stream, err := sess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		conn := &streamConn{stream: stream, local: sess.LocalAddr(), remote: sess.RemoteAddr()}
		select {
		case l.conns <- conn:
		case <-l.done:
			_ = conn.Close()
			return
		}
	}
}

func serverTLSConfig(cfg Config) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	} else {
		cert, err = ephemeralCertificate()
	}
	if err != nil {
		return nil, fmt.Errorf("multipath listener certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func ephemeralCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "httpbridge"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
