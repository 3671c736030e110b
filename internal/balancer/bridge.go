package balancer

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// connBridge records the outcome of one upstream handshake. The coordinator
// fires its callbacks inline before the acceptor decides whether to reply
// success to the client and start pumping.
type connBridge struct {
	ready    bool
	readyErr bool
	ended    bool
	err      error
}

func (b *connBridge) OnUpReady() { b.ready = true }

func (b *connBridge) OnUpReadyError() { b.readyErr = true }

func (b *connBridge) OnUpEnd() { b.ended = true }

func (b *connBridge) OnError(err error) { b.err = err }

// pump copies bytes between the client and the upstream until both sides
// are done, propagating half-close and counting traffic. clientReader wraps
// the client conn so bytes already buffered by the handshake are not lost.
// l carries the per-connection id so transfer errors stay correlated.
func pump(clientConn net.Conn, clientReader io.Reader, upstreamConn net.Conn, uplink, downlink *atomic.Uint64, l zerolog.Logger) {
	countedUp := newCountedConn(upstreamConn, uplink, downlink)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(countedUp, clientReader)
		if err != nil {
			l.Debug().Err(err).Int64("bytes", n).Msg("uplink copy ended with error")
		}
		if c, ok := upstreamConn.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(clientConn, countedUp)
		if err != nil {
			l.Debug().Err(err).Int64("bytes", n).Msg("downlink copy ended with error")
		}
		if c, ok := clientConn.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()

	wg.Wait()
	l.Debug().Msg("bridge finished")
}

// countedConn wraps a net.Conn and atomically counts bytes in each
// direction.
type countedConn struct {
	net.Conn
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

func newCountedConn(conn net.Conn, uplink, downlink *atomic.Uint64) *countedConn {
	return &countedConn{Conn: conn, uplink: uplink, downlink: downlink}
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}
