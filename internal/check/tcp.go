package check

import (
	"context"
	"net"
	"time"
)

// TCPProbe answers whether (host, port) accepts a TCP connection within the
// timeout. The socket is closed right after the connect succeeds.
func TCPProbe(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
