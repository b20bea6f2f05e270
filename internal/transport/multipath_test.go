package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/pathware/httpbridge/internal/testutil"
)

var (
	_ Dialer                          = (*MultipathDialer)(nil)
	_ net.Conn                        = (*streamConn)(nil)
	_ interface{ CloseWrite() error } = (*streamConn)(nil)
	_ net.Listener                    = (*MultipathListener)(nil)
)

func testTLSServerConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpnProto},
	}
}

// startEchoQUICServer echoes every accepted stream until the peer closes
// its send side.
func startEchoQUICServer(t *testing.T, tlsConf *tls.Config) *quic.Listener {
	t.Helper()

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			sess, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				for {
					stream, err := sess.AcceptStream(context.Background())
					if err != nil {
						return
					}
					go func() {
						defer stream.Close()
						_, _ = io.Copy(stream, stream)
					}()
				}
			}()
		}
	}()

	return ln
}

func TestMultipathDialerEcho(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln := startEchoQUICServer(t, testTLSServerConfig(t))
	defer ln.Close()

	d := NewMultipathDialer(Config{
		DialTimeout:  2 * time.Second,
		LocalDomain:  "1-11",
		RemoteDomain: "2-26",
		Insecure:     true,
	})

	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("over the multi-path session"))

	// A second dial reuses the session and gets an independent stream.
	conn2, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()

	if len(d.sessions) != 1 {
		t.Fatalf("expected one shared session, got %d", len(d.sessions))
	}

	testutil.AssertEcho(t, conn2, conn2, []byte("second stream"))
}

// Two instances pair over the multi-path transport: streams opened by the
// dialer surface as accepted conns on the listener.
func TestMultipathListenerPairsWithDialer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := ListenMultipath(Config{}, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	d := NewMultipathDialer(Config{DialTimeout: 2 * time.Second, Insecure: true})

	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("first paired stream"))

	conn2, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	testutil.AssertEcho(t, conn2, conn2, []byte("second paired stream"))
}

func TestMultipathListenerClose(t *testing.T) {
	t.Parallel()

	ln, err := ListenMultipath(Config{}, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ln.Accept(); err != net.ErrClosed {
		t.Fatalf("expected net.ErrClosed got %v", err)
	}
	// Close is idempotent.
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMultipathDialerRejectsNonTCP(t *testing.T) {
	t.Parallel()

	d := NewMultipathDialer(Config{})
	if _, err := d.DialContext(context.Background(), "udp", "example.com:53"); err == nil {
		t.Fatal("expected error")
	}
}
