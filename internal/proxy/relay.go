package proxy

import (
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// relayBufferSize is the per-direction copy buffer size.
const relayBufferSize = 8192

var relayBuffers = newBufferPool(relayBufferSize)

// closeWriter is satisfied by endpoints that can shut down just their write
// side (*net.TCPConn among them).
type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes between near and far in both directions until each
// direction reaches end-of-stream or fails, and returns only once both have
// stopped. As a direction drains, the write side of its destination is shut
// down so the peer observes end-of-stream; the other direction keeps running
// until its own source ends. Neither endpoint is fully closed here - that is
// the caller's cleanup responsibility.
//
// There is no timeout: an idle relay blocks until one peer closes.
func Relay(near, far net.Conn, log *zap.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		relayDirection(near, far, log.With(zap.String("dir", "c2s")))
		return nil
	})
	g.Go(func() error {
		relayDirection(far, near, log.With(zap.String("dir", "s2c")))
		return nil
	})
	_ = g.Wait()
}

// relayDirection copies src to dst one chunk at a time, then shuts down
// dst's write side. Peer resets during normal teardown are expected, so
// mid-stream errors are logged at debug level only.
func relayDirection(src, dst net.Conn, log *zap.Logger) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				log.Debug("relay write failed", zap.Error(werr))
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("relay read failed", zap.Error(err))
			}
			break
		}
	}

	halfClose(dst)
	log.Debug("relay direction done")
}

// halfClose shuts down c's write side, best effort. Endpoints without a
// half-close primitive are fully closed instead.
func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
