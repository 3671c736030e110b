package balancer

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
	"socks5balancer/internal/socks5"
	"socks5balancer/internal/upstream"
)

const upstreamDialTimeout = 10 * time.Second

// Acceptor is the client-facing SOCKS5 ingress. For each accepted client it
// reads the CONNECT request, asks the selector for an upstream, drives the
// upstream handshake through a Coordinator and then bridges bytes both ways.
type Acceptor struct {
	cfg      *types.Config
	registry *upstream.Registry
	selector *upstream.Selector

	listener          net.Listener
	closeOnce         sync.Once
	waitGroup         sync.WaitGroup
	activeConns       sync.Map
	activeConnections atomic.Int64
	uplinkBytes       atomic.Uint64
	downlinkBytes     atomic.Uint64
	logger            zerolog.Logger
}

func NewAcceptor(cfg *types.Config, registry *upstream.Registry, selector *upstream.Selector) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		registry: registry,
		selector: selector,
		logger:   logger.WithComponent("Acceptor"),
	}
}

// Start binds the listener and begins accepting in the background.
func (a *Acceptor) Start() error {
	addr := net.JoinHostPort(a.cfg.ListenerConf.Host, strconv.Itoa(a.cfg.ListenerConf.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.listener = listener
	a.logger.Info().Str("listen_addr", listener.Addr().String()).Msg("ingress listening")

	a.waitGroup.Add(1)
	go a.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Acceptor) acceptLoop() {
	defer a.waitGroup.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.logger.Debug().Err(err).Msg("listener stopped accepting connections")
			return
		}

		a.activeConns.Store(conn, struct{}{})
		a.activeConnections.Add(1)
		a.waitGroup.Add(1)
		go func(c net.Conn) {
			defer a.waitGroup.Done()
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Msgf("panic recovered in connection handler for %s: %v", c.RemoteAddr(), r)
				}
				c.Close()
				a.activeConnections.Add(-1)
				a.activeConns.Delete(c)
			}()
			a.handleClientConnection(c)
		}(conn)
	}
}

// Close stops the listener and every open connection, then waits.
func (a *Acceptor) Close() {
	a.closeOnce.Do(func() {
		if a.listener != nil {
			a.listener.Close()
		}
		a.activeConns.Range(func(key, value interface{}) bool {
			if conn, ok := key.(net.Conn); ok {
				conn.Close()
			}
			return true
		})
		a.waitGroup.Wait()
		a.logger.Info().Msg("listener and all connections closed")
	})
}

// TrafficStats returns total bytes pumped in each direction.
func (a *Acceptor) TrafficStats() (uplink, downlink uint64) {
	return a.uplinkBytes.Load(), a.downlinkBytes.Load()
}

// ActiveConnections returns the number of currently open client sockets.
func (a *Acceptor) ActiveConnections() int64 {
	return a.activeConnections.Load()
}

func (a *Acceptor) handleClientConnection(clientConn net.Conn) {
	l := a.logger.With().Str("conn_id", uuid.NewString()).Logger()

	reader := bufio.NewReader(clientConn)
	cmd, targetHost, targetPort, err := negotiate(clientConn, reader, l)
	if err != nil {
		l.Warn().Err(err).Msg("SOCKS5 handshake with client failed")
		return
	}
	if cmd != 0x01 { // only CONNECT is balanced
		l.Warn().Uint8("cmd", cmd).Msg("unsupported SOCKS5 command")
		writeReply(clientConn, 0x07)
		return
	}
	l.Debug().Str("target", net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort)))).Msg("client requested target")

	srv := a.selector.Pick()
	if srv == nil {
		l.Warn().Msg("no eligible upstream for client connection")
		writeReply(clientConn, 0x01)
		return
	}

	upConn, err := net.DialTimeout("tcp", srv.Addr(), upstreamDialTimeout)
	if err != nil {
		l.Error().Err(err).Str("upstream", srv.Addr()).Msg("failed to dial upstream")
		writeReply(clientConn, 0x04)
		return
	}
	defer upConn.Close()

	br := &connBridge{}
	coord := socks5.NewCoordinator(&socks5.HandshakeContext{
		UpstreamConn: upConn,
		TargetHost:   targetHost,
		TargetPort:   targetPort,
		Server:       srv,
	}, br)
	coord.Start()

	if !br.ready {
		switch {
		case br.readyErr:
			l.Warn().Str("upstream", srv.Addr()).Msg("upstream sent malformed CONNECT reply")
		case br.err != nil:
			l.Warn().Err(br.err).Str("upstream", srv.Addr()).Msg("upstream handshake failed")
		}
		writeReply(clientConn, 0x05)
		return
	}

	a.registry.MarkConnected(srv.Index)
	if _, err := clientConn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		l.Warn().Err(err).Msg("failed to write SOCKS5 success reply")
		return
	}

	pump(clientConn, reader, upConn, &a.uplinkBytes, &a.downlinkBytes, l)
	l.Debug().Msg("connection closed")
}

func writeReply(conn net.Conn, rep byte) {
	conn.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

// negotiate runs the server side of the SOCKS5 exchange with a downstream
// client. The ingress answers no-auth regardless of what the client offers;
// the request address is decoded with the same ATYP rules the upstream
// handshake encodes with.
func negotiate(conn net.Conn, reader *bufio.Reader, l zerolog.Logger) (cmd byte, host string, port uint16, err error) {
	greeting := make([]byte, 2)
	if _, err = io.ReadFull(reader, greeting); err != nil {
		return 0, "", 0, fmt.Errorf("client greeting: %w", err)
	}
	if greeting[0] != socks5.Version {
		return 0, "", 0, fmt.Errorf("client speaks version %#02x, not SOCKS5", greeting[0])
	}
	if _, err = io.CopyN(io.Discard, reader, int64(greeting[1])); err != nil {
		return 0, "", 0, fmt.Errorf("client method list: %w", err)
	}
	if _, err = conn.Write([]byte{socks5.Version, 0x00}); err != nil {
		return 0, "", 0, fmt.Errorf("method selection reply: %w", err)
	}

	request := make([]byte, 4)
	if _, err = io.ReadFull(reader, request); err != nil {
		return 0, "", 0, fmt.Errorf("client request: %w", err)
	}
	if request[0] != socks5.Version {
		return 0, "", 0, fmt.Errorf("client request carries version %#02x", request[0])
	}
	cmd = request[1]
	if host, err = socks5.ReadAddr(reader, request[3]); err != nil {
		return cmd, "", 0, fmt.Errorf("client request address: %w", err)
	}
	if port, err = socks5.ReadPort(reader); err != nil {
		return cmd, "", 0, fmt.Errorf("client request port: %w", err)
	}
	l.Debug().Uint8("cmd", cmd).Str("host", host).Uint16("port", port).Msg("client request decoded")
	return cmd, host, port, nil
}
