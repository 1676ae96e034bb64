// Package relay moves bytes between the two ends of a tunnel flow: the public
// side (an accepted connection or a UDP source) and the client side (a data
// connection dialed back by the agent).
package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

type halfCloser interface{ CloseWrite() error }

// Stream copies bytes concurrently in both directions between public and
// tunnel until both directions reach end-of-stream or either errors. A clean
// EOF on one direction half-closes the peer when the transport supports it;
// an error tears both sides down. Returns bytes moved public->tunnel (in) and
// tunnel->public (out). Both connections are closed on return.
func Stream(public, tunnel net.Conn) (in, out int64) {
	var once sync.Once
	closeBoth := func() { _ = public.Close(); _ = tunnel.Close() }
	var wg sync.WaitGroup
	copyFn := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		c, err := io.Copy(dst, src)
		atomic.AddInt64(n, c)
		if err == nil {
			if hc, ok := dst.(halfCloser); ok {
				_ = hc.CloseWrite()
				return
			}
		}
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(tunnel, public, &in)
	go copyFn(public, tunnel, &out)
	wg.Wait()
	once.Do(closeBoth)
	return atomic.LoadInt64(&in), atomic.LoadInt64(&out)
}

// BufferedConn lets a connection whose first bytes were already consumed into
// a bufio.Reader keep serving reads without losing the buffered remainder.
type BufferedConn struct {
	net.Conn
	R io.Reader
}

func (b *BufferedConn) Read(p []byte) (int, error) { return b.R.Read(p) }

// CloseWrite forwards the half-close when the underlying transport is TCP.
func (b *BufferedConn) CloseWrite() error {
	if tc, ok := b.Conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}
