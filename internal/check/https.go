package check

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// testRequestPath is sent verbatim on the request line. Deployments that
// check for this balancer expect the single backslash.
const testRequestPath = `\`

// HTTPSProber runs the end-to-end liveness test: dial the upstream as a
// SOCKS5 client, tunnel a TLS connection to the test remote, send one GET
// and require a parseable HTTP status line back.
type HTTPSProber struct {
	testRemoteHost string
	testRemotePort uint16
	timeout        time.Duration
}

func NewHTTPSProber(testRemoteHost string, testRemotePort uint16, timeout time.Duration) *HTTPSProber {
	return &HTTPSProber{
		testRemoteHost: testRemoteHost,
		testRemotePort: testRemotePort,
		timeout:        timeout,
	}
}

// Probe tunnels one HTTPS request through the upstream at addr.
func (p *HTTPSProber) Probe(ctx context.Context, addr, authUser, authPwd string) error {
	var auth *proxy.Auth
	if authUser != "" {
		auth = &proxy.Auth{User: authUser, Password: authPwd}
	}
	dialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: p.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := net.JoinHostPort(p.testRemoteHost, strconv.Itoa(int(p.testRemotePort)))
	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(p.timeout))

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         p.testRemoteHost,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		testRequestPath, p.testRemoteHost)
	if _, err := tlsConn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(tlsConn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read status line: %w", err)
	}
	return checkStatusLine(line)
}

// checkStatusLine accepts any well-formed HTTP status line; the status code
// value itself does not matter for liveness.
func checkStatusLine(line string) error {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return fmt.Errorf("malformed status line: %q", line)
	}
	if code, err := strconv.Atoi(fields[1]); err != nil || code < 100 || code > 999 {
		return fmt.Errorf("malformed status code in %q", line)
	}
	return nil
}
