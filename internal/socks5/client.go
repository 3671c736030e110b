package socks5

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"socks5balancer/internal/shared/logger"
)

const readBufSize = 512

// Client drives the client side of a SOCKS5 handshake on a stream that is
// already connected to a SOCKS5 server: greeting, optional username/password
// authentication, then CONNECT. It reads and writes no user payload; after
// Handshake returns nil the stream is a transparent tunnel to the target.
//
// The client has no intrinsic timeout; deadlines on the conn are the
// caller's business.
type Client struct {
	conn       net.Conn
	targetHost string
	targetPort uint16
	authUser   string
	authPwd    string

	// UDPRequested is inspected but never changes the command byte; UDP
	// relaying is not implemented and CONNECT is always sent.
	UDPRequested bool

	logger zerolog.Logger
}

func NewClient(conn net.Conn, targetHost string, targetPort uint16, authUser, authPwd string) *Client {
	return &Client{
		conn:       conn,
		targetHost: targetHost,
		targetPort: targetPort,
		authUser:   authUser,
		authPwd:    authPwd,
		logger:     logger.WithComponent("Socks5Client"),
	}
}

// Handshake runs the full state machine. Each phase is one write or one
// read; the sequence of blocking calls is the state machine.
func (c *Client) Handshake() error {
	needAuth, err := c.greet()
	if err != nil {
		return err
	}
	if needAuth {
		if err := c.auth(); err != nil {
			return err
		}
	}
	return c.connect()
}

// greet advertises exactly one method: no-auth when no credentials are
// configured, username/password otherwise. Returns whether the server
// demanded the auth sub-negotiation.
func (c *Client) greet() (bool, error) {
	greeting := []byte{0x05, 0x01, 0x00}
	if c.authUser != "" {
		greeting[2] = 0x02
	}
	if err := c.writeFull(PhaseGreetWrite, greeting); err != nil {
		return false, err
	}

	// Bytes past the two-octet reply are ignored.
	buf := make([]byte, readBufSize)
	if _, err := io.ReadAtLeast(c.conn, buf, 2); err != nil {
		return false, ioErr(PhaseGreetRead, err)
	}
	if buf[0] != 0x05 {
		return false, protoErr(PhaseGreetRead, "bad version")
	}
	switch buf[1] {
	case 0x00:
		return false, nil
	case 0x02:
		if c.authUser == "" {
			return false, protoErr(PhaseGreetRead, "we cannot auth")
		}
		return true, nil
	}
	return false, protoErr(PhaseGreetRead, "invalid auth type")
}

// auth runs RFC 1929 username/password sub-negotiation.
func (c *Client) auth() error {
	ulen, plen := len(c.authUser), len(c.authPwd)
	if ulen > 255 || plen > 255 {
		return protoErr(PhaseAuthWrite, "credentials longer than 255 bytes")
	}

	data := make([]byte, 0, 3+ulen+plen)
	data = append(data, 0x01, byte(ulen))
	data = append(data, c.authUser...)
	data = append(data, byte(plen))
	data = append(data, c.authPwd...)
	if len(data) != 3+ulen+plen {
		return protoErr(PhaseAuthWrite, "auth buffer size mismatch")
	}
	if err := c.writeFull(PhaseAuthWrite, data); err != nil {
		return err
	}

	buf := make([]byte, readBufSize)
	if _, err := io.ReadAtLeast(c.conn, buf, 2); err != nil {
		return ioErr(PhaseAuthRead, err)
	}
	if buf[0] != 0x01 || buf[1] != 0x00 {
		return protoErr(PhaseAuthRead, "auth rejected")
	}
	return nil
}

// connect sends the CONNECT request and validates the reply. The ATYP is
// chosen purely by whether the target host parses as an IP literal.
func (c *Client) connect() error {
	var req bytes.Buffer
	req.Write([]byte{0x05, 0x01, 0x00})
	if err := AppendAddr(&req, c.targetHost); err != nil {
		return protoErr(PhaseConnectWrite, err.Error())
	}
	_ = binary.Write(&req, binary.BigEndian, c.targetPort)

	if c.UDPRequested {
		// UDP ASSOCIATE hook: the command stays CONNECT in this release.
		c.logger.Debug().Msg("udp requested by downside, still sending CONNECT")
	}

	if err := c.writeFull(PhaseConnectWrite, req.Bytes()); err != nil {
		return err
	}
	return c.readConnectReply()
}

func (c *Client) readConnectReply() error {
	buf := make([]byte, readBufSize)
	n, err := io.ReadAtLeast(c.conn, buf, 6)
	if err != nil {
		return ioErr(PhaseConnectRead, err)
	}
	if buf[0] != Version || buf[1] != 0x00 || buf[2] != 0x00 ||
		(buf[3] != ATYPIPv4 && buf[3] != ATYPDomain && buf[3] != ATYPIPv6) {
		return &ConnectReplyError{Header: append([]byte(nil), buf[:4]...)}
	}

	var want int
	switch buf[3] {
	case ATYPIPv4:
		want = 4 + 4 + 2
	case ATYPIPv6:
		want = 4 + 16 + 2
	case ATYPDomain:
		want = 4 + 1 + int(buf[4]) + 2
	}
	for n < want {
		m, err := c.conn.Read(buf[n:])
		if err != nil {
			return ioErr(PhaseConnectRead, err)
		}
		n += m
	}
	if n != want {
		return protoErr(PhaseConnectRead, "reply length mismatch")
	}

	// A non-zero BND.PORT means a multi-homed server wants subsequent
	// traffic elsewhere; that is not supported, the tunnel stays on this
	// socket.
	if bindPort := binary.BigEndian.Uint16(buf[n-2 : n]); bindPort != 0 {
		c.logger.Warn().Uint16("bnd_port", bindPort).Msg("multi-homed SOCKS5 server not supported")
	}
	return nil
}

func (c *Client) writeFull(phase string, data []byte) error {
	n, err := c.conn.Write(data)
	if err != nil {
		return ioErr(phase, err)
	}
	if n != len(data) {
		return protoErr(phase, fmt.Sprintf("short write: %d of %d", n, len(data)))
	}
	return nil
}
