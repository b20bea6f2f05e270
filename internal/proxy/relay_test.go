package proxy

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

// tcpPair returns the two ends of a connected loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	accepted := <-ch
	if accepted.err != nil {
		t.Fatal(accepted.err)
	}

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = accepted.conn.Close()
	})

	return dialed.(*net.TCPConn), accepted.conn.(*net.TCPConn)
}

func startRelay(t *testing.T, near, far net.Conn) <-chan struct{} {
	t.Helper()

	done := make(chan struct{})
	go func() {
		Relay(near, far, zap.NewNop())
		close(done)
	}()
	return done
}

func waitRelay(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not return")
	}
}

func TestRelayRoundTrip(t *testing.T) {
	t.Parallel()

	// a <-> near is the client pair, far <-> c the destination pair.
	a, near := tcpPair(t)
	far, c := tcpPair(t)
	done := startRelay(t, near, far)

	for _, payload := range [][]byte{
		[]byte("x"),
		[]byte("hello, relay"),
	} {
		if _, err := a.Write(payload); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, payload) {
			t.Fatalf("expected %q got %q", payload, buf)
		}

		// And the reverse direction.
		if _, err := c.Write(payload); err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadFull(a, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, payload) {
			t.Fatalf("expected %q got %q", payload, buf)
		}
	}

	_ = a.Close()
	_ = c.Close()
	waitRelay(t, done)
}

// Payloads larger than the relay buffer must arrive complete and in order.
func TestRelayLargePayload(t *testing.T) {
	t.Parallel()

	a, near := tcpPair(t)
	far, c := tcpPair(t)
	done := startRelay(t, near, far)

	payload := make([]byte, 50000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	go func() {
		_, _ = a.Write(payload)
		_ = a.CloseWrite()
	}()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted: got %d bytes want %d", len(got), len(payload))
	}

	_ = c.Close()
	_ = a.Close()
	waitRelay(t, done)
}

// Closing one write side must end only that direction; the reverse
// direction keeps flowing, and Relay returns only once both have stopped.
func TestRelayDirectionsEndIndependently(t *testing.T) {
	t.Parallel()

	a, near := tcpPair(t)
	far, c := tcpPair(t)
	done := startRelay(t, near, far)

	if err := a.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// The destination observes end-of-stream.
	if _, err := io.ReadAll(c); err != nil {
		t.Fatal(err)
	}

	// The reverse direction is still alive.
	msg := []byte("still flowing")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", msg, buf)
	}

	select {
	case <-done:
		t.Fatal("relay returned while one direction was still open")
	default:
	}

	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	waitRelay(t, done)

	// With both directions ended, the client sees end-of-stream too.
	if _, err := a.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF got %v", err)
	}
}
