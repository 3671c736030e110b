package types

import "time"

// UpstreamProfile is one entry of upstreams.json. The list is fixed for the
// lifetime of the process; there is no runtime add/remove.
type UpstreamProfile struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Disable  bool   `json:"disable,omitempty"`
	AuthUser string `json:"authUser,omitempty"`
	AuthPwd  string `json:"authPwd,omitempty"`
}

// ListenerConf describes the client-facing SOCKS5 ingress.
type ListenerConf struct {
	Host string `ini:"host"`
	Port int    `ini:"port"`
}

// BalanceConf selects the upstream selection policy.
type BalanceConf struct {
	UpstreamSelectRule string `ini:"upstream_select_rule"`
	ServerChangeTime   int    `ini:"server_change_time"` // ms, change_by_time window
}

// CheckConf drives the two health check timers. All durations are in ms.
type CheckConf struct {
	TCPCheckStart       int    `ini:"tcp_check_start"`
	TCPCheckPeriod      int    `ini:"tcp_check_period"`
	TCPCheckTimeout     int    `ini:"tcp_check_timeout"`
	ConnectCheckStart   int    `ini:"connect_check_start"`
	ConnectCheckPeriod  int    `ini:"connect_check_period"`
	ConnectTimeout      int    `ini:"connect_timeout"`
	TestRemoteHost      string `ini:"test_remote_host"`
	TestRemotePort      int    `ini:"test_remote_port"`
	MaxConcurrentProbes int    `ini:"max_concurrent_probes"`
}

// WebConf configures the read-only status server. Port 0 disables it.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified behaviour configuration mapped from balancer.ini.
// The upstream list is data, not behaviour, and lives in upstreams.json.
type Config struct {
	ListenerConf `ini:"listener"`
	BalanceConf  `ini:"balance"`
	CheckConf    `ini:"check"`
	WebConf      `ini:"web"`
	LogConf      `ini:"log"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c CheckConf) TCPCheckStartDur() time.Duration      { return ms(c.TCPCheckStart) }
func (c CheckConf) TCPCheckPeriodDur() time.Duration     { return ms(c.TCPCheckPeriod) }
func (c CheckConf) TCPCheckTimeoutDur() time.Duration    { return ms(c.TCPCheckTimeout) }
func (c CheckConf) ConnectCheckStartDur() time.Duration  { return ms(c.ConnectCheckStart) }
func (c CheckConf) ConnectCheckPeriodDur() time.Duration { return ms(c.ConnectCheckPeriod) }
func (c CheckConf) ConnectTimeoutDur() time.Duration     { return ms(c.ConnectTimeout) }

func (c BalanceConf) ServerChangeTimeDur() time.Duration { return ms(c.ServerChangeTime) }
