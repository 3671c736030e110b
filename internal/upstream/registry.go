package upstream

import (
	"sync"
	"time"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
)

// Registry holds the ordered, fixed set of upstream servers built once from
// configuration. It is the single serialization domain for all shared pool
// state: liveness fields (written by the health scheduler), the round-robin
// cursor (written by the selector) and the change_by_time timestamp.
type Registry struct {
	mu   sync.RWMutex
	pool []*Server

	lastUseUpstreamIndex   int
	lastChangeUpstreamTime time.Time
}

// NewRegistry builds the pool from the loaded upstream profiles, in config
// order. Config-time disabled entries are mapped to IsManualDisable so every
// policy skips them the same way.
func NewRegistry(profiles []*types.UpstreamProfile) *Registry {
	r := &Registry{}
	for i, p := range profiles {
		s := &Server{
			Index:             i,
			Name:              p.Name,
			Host:              p.Host,
			Port:              p.Port,
			AuthUser:          p.AuthUser,
			AuthPwd:           p.AuthPwd,
			LastConnectFailed: true,
			IsOffline:         true,
			IsManualDisable:   p.Disable,
		}
		r.pool = append(r.pool, s)
	}
	return r
}

// Len returns the number of pool entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pool)
}

// ForceSetIndex sets the round-robin cursor, ignoring out-of-range values.
func (r *Registry) ForceSetIndex(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= 0 && i < len(r.pool) {
		r.lastUseUpstreamIndex = i
	}
}

// LastUseIndex returns the current round-robin cursor.
func (r *Registry) LastUseIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUseUpstreamIndex
}

// SetManualDisable flips the runtime admin switch of one entry.
func (r *Registry) SetManualDisable(index int, disabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.pool) {
		return false
	}
	r.pool[index].IsManualDisable = disabled
	return true
}

// MarkTCPResult applies the outcome of one TCP reachability probe.
// On success a previously offline server gets LastConnectFailed cleared so
// the end-to-end probe can re-confirm it.
func (r *Registry) MarkTCPResult(index int, ok bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.pool) {
		return
	}
	s := r.pool[index]
	if ok {
		if s.IsOffline {
			s.LastConnectFailed = false
		}
		t := now
		s.LastOnlineTime = &t
		s.IsOffline = false
	} else {
		s.IsOffline = true
	}
}

// MarkConnectResult applies the outcome of one end-to-end HTTPS probe.
func (r *Registry) MarkConnectResult(index int, ok bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.pool) {
		return
	}
	s := r.pool[index]
	if ok {
		t := now
		s.LastConnectTime = &t
		s.LastConnectFailed = false
	} else {
		s.LastConnectFailed = true
	}
}

// MarkConnected counts one bridged client connection assigned to the entry.
func (r *Registry) MarkConnected(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.pool) {
		return
	}
	r.pool[index].ConnectCount++
}

// Snapshot returns a read-only view of the pool for the status server.
func (r *Registry) Snapshot() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.pool))
	for _, s := range r.pool {
		out = append(out, ServerStatus{
			Index:             s.Index,
			Name:              s.Name,
			Host:              s.Host,
			Port:              s.Port,
			IsOffline:         s.IsOffline,
			LastConnectFailed: s.LastConnectFailed,
			IsManualDisable:   s.IsManualDisable,
			Eligible:          s.Eligible(),
			ConnectCount:      s.ConnectCount,
			LastOnlineTime:    s.LastOnlineTime,
			LastConnectTime:   s.LastConnectTime,
		})
	}
	return out
}

// ProbeTargets lists (index, host, port, auth) of every entry so the health
// scheduler can launch probes without holding the lock while dialing.
func (r *Registry) ProbeTargets() []ProbeTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProbeTarget, 0, len(r.pool))
	for _, s := range r.pool {
		out = append(out, ProbeTarget{
			Index:    s.Index,
			Host:     s.Host,
			Port:     s.Port,
			AuthUser: s.AuthUser,
			AuthPwd:  s.AuthPwd,
		})
	}
	return out
}

// ProbeTarget is the dial information of one pool entry, detached from the
// shared state so probes never touch the Server while in flight.
type ProbeTarget struct {
	Index    int
	Host     string
	Port     uint16
	AuthUser string
	AuthPwd  string
}

// getNextServer advances the cursor one slot then scans at most one full
// revolution for an eligible entry, committing the cursor when found.
// Caller must hold the write lock.
func (r *Registry) getNextServer() *Server {
	if len(r.pool) == 0 {
		return nil
	}
	start := r.lastUseUpstreamIndex
	for {
		r.lastUseUpstreamIndex++
		if r.lastUseUpstreamIndex >= len(r.pool) {
			r.lastUseUpstreamIndex = 0
		}
		if r.pool[r.lastUseUpstreamIndex].Eligible() {
			return r.pool[r.lastUseUpstreamIndex]
		}
		if r.lastUseUpstreamIndex == start {
			return nil
		}
	}
}

// tryGetLastServer returns the cursor's entry if it is still eligible,
// otherwise scans forward for the next eligible one. Caller must hold the
// write lock.
func (r *Registry) tryGetLastServer() *Server {
	if len(r.pool) == 0 {
		return nil
	}
	start := r.lastUseUpstreamIndex
	for {
		if r.lastUseUpstreamIndex >= len(r.pool) {
			r.lastUseUpstreamIndex = 0
		}
		if r.pool[r.lastUseUpstreamIndex].Eligible() {
			return r.pool[r.lastUseUpstreamIndex]
		}
		r.lastUseUpstreamIndex++
		if r.lastUseUpstreamIndex >= len(r.pool) {
			r.lastUseUpstreamIndex = 0
		}
		if r.lastUseUpstreamIndex == start {
			return nil
		}
	}
}

// filterEligible materializes the eligible entries. Caller must hold a lock.
func (r *Registry) filterEligible() []*Server {
	var out []*Server
	for _, s := range r.pool {
		if s.Eligible() {
			out = append(out, s)
		}
	}
	return out
}

// LogPool writes the full pool state at debug level, one line per entry.
func (r *Registry) LogPool() {
	l := logger.WithComponent("Registry")
	for _, s := range r.Snapshot() {
		l.Debug().
			Int("index", s.Index).
			Str("name", s.Name).
			Str("host", s.Host).
			Uint16("port", s.Port).
			Bool("isOffline", s.IsOffline).
			Bool("lastConnectFailed", s.LastConnectFailed).
			Bool("eligible", s.Eligible).
			Msg("pool entry")
	}
}
