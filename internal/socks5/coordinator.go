package socks5

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/upstream"
)

// Bridge receives the one-shot notifications about one in-flight handshake.
// Exactly one of the three paths fires: {OnUpReady, OnUpEnd},
// {OnUpReadyError, OnUpEnd} or {OnError}.
type Bridge interface {
	OnUpReady()
	OnUpReadyError()
	OnUpEnd()
	OnError(err error)
}

// HandshakeContext is the per-connection state owned by a Coordinator for
// the lifetime of one handshake. It does not survive its state machine.
type HandshakeContext struct {
	UpstreamConn net.Conn
	TargetHost   string
	TargetPort   uint16
	Server       *upstream.Server
	UDPRequested bool
}

// Coordinator owns one handshake's context and publishes its outcome to the
// bridge. Callbacks are one-shot; after Detach they are dropped silently.
type Coordinator struct {
	hc     *HandshakeContext
	bridge Bridge
	done   atomic.Bool
	gone   atomic.Bool
	logger zerolog.Logger
}

func NewCoordinator(hc *HandshakeContext, bridge Bridge) *Coordinator {
	return &Coordinator{
		hc:     hc,
		bridge: bridge,
		logger: logger.WithComponent("Coordinator"),
	}
}

// Detach marks the owning bridge as torn down. A handshake that finishes
// afterwards makes no callbacks.
func (c *Coordinator) Detach() {
	c.gone.Store(true)
}

// Start runs the handshake to completion and fires exactly one outcome path
// on the bridge. It blocks until the state machine terminates; callers who
// need concurrency spawn it themselves.
func (c *Coordinator) Start() {
	var authUser, authPwd string
	if c.hc.Server != nil {
		authUser = c.hc.Server.AuthUser
		authPwd = c.hc.Server.AuthPwd
	}
	client := NewClient(c.hc.UpstreamConn, c.hc.TargetHost, c.hc.TargetPort, authUser, authPwd)
	client.UDPRequested = c.hc.UDPRequested

	err := client.Handshake()
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	if c.gone.Load() {
		// Owner torn down while we were suspended on I/O; drop the result.
		c.logger.Debug().Msg("handshake finished after owner teardown, result dropped")
		return
	}

	var replyErr *ConnectReplyError
	switch {
	case err == nil:
		c.bridge.OnUpReady()
		c.bridge.OnUpEnd()
	case errors.As(err, &replyErr):
		c.logger.Warn().Err(err).Msg("malformed CONNECT reply from upstream")
		c.bridge.OnUpReadyError()
		c.bridge.OnUpEnd()
	default:
		c.bridge.OnError(err)
	}
}
