package upstream

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Server is the descriptor plus liveness state of one SOCKS5 backend.
//
// Identity and auth fields are fixed at load. Liveness fields are mutated
// only through Registry methods; every access must hold the Registry lock.
type Server struct {
	Index    int
	Name     string
	Host     string
	Port     uint16
	AuthUser string
	AuthPwd  string

	LastOnlineTime    *time.Time // most recent successful TCP probe
	LastConnectTime   *time.Time // most recent successful end-to-end probe
	LastConnectFailed bool
	IsOffline         bool
	IsManualDisable   bool
	ConnectCount      uint64
}

// Addr returns the host:port dial address of the backend.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Eligible reports whether the server passes all liveness and admin checks
// and may be handed out by the selector. Caller must hold the Registry lock.
func (s *Server) Eligible() bool {
	return s != nil &&
		s.LastConnectTime != nil &&
		s.LastOnlineTime != nil &&
		!s.LastConnectFailed &&
		!s.IsOffline &&
		!s.IsManualDisable
}

func (s *Server) String() string {
	return fmt.Sprintf("[index:%d, name:%s, host:%s, port:%d]", s.Index, s.Name, s.Host, s.Port)
}

// ServerStatus is an immutable snapshot of one Server, safe to serialize.
type ServerStatus struct {
	Index             int        `json:"index"`
	Name              string     `json:"name"`
	Host              string     `json:"host"`
	Port              uint16     `json:"port"`
	IsOffline         bool       `json:"isOffline"`
	LastConnectFailed bool       `json:"lastConnectFailed"`
	IsManualDisable   bool       `json:"isManualDisable"`
	Eligible          bool       `json:"eligible"`
	ConnectCount      uint64     `json:"connectCount"`
	LastOnlineTime    *time.Time `json:"lastOnlineTime,omitempty"`
	LastConnectTime   *time.Time `json:"lastConnectTime,omitempty"`
}
