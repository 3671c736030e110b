package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
	"socks5balancer/internal/upstream"
)

// basicAuthMiddleware enforces HTTP Basic Authentication when both user and
// password are configured; otherwise requests pass through untouched.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatsProvider reports the ingress runtime counters surfaced on the
// status endpoint.
type StatsProvider interface {
	TrafficStats() (uplink, downlink uint64)
	ActiveConnections() int64
}

// NewMux builds the status/admin handler tree. stats may be nil when no
// ingress is running (the counters are then reported as zero).
func NewMux(cfg *types.Config, registry *upstream.Registry, stats StatsProvider) http.Handler {
	h := &handler{cfg: cfg, registry: registry, stats: stats}
	mux := http.NewServeMux()

	user, pass := cfg.WebConf.User, cfg.WebConf.Password
	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(h.handleStatus), user, pass))
	mux.Handle("/api/force_index", basicAuthMiddleware(http.HandlerFunc(h.handleForceIndex), user, pass))
	mux.Handle("/api/server/enable", basicAuthMiddleware(http.HandlerFunc(h.handleEnable), user, pass))
	mux.Handle("/api/server/disable", basicAuthMiddleware(http.HandlerFunc(h.handleDisable), user, pass))
	return mux
}

// StartServer runs the status server in the background and returns it so
// the caller can Shutdown. Returns nil when the [web] port is 0 or negative.
func StartServer(cfg *types.Config, registry *upstream.Registry, stats StatsProvider) *http.Server {
	l := logger.WithComponent("WebServer")
	if cfg.WebConf.Port <= 0 {
		l.Info().Msg("status server is disabled (web port is 0 or not set)")
		return nil
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(cfg.WebConf.Port)),
		Handler: NewMux(cfg, registry, stats),
	}
	go func() {
		l.Info().Str("addr", srv.Addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("status server stopped")
		}
	}()
	return srv
}

type handler struct {
	cfg      *types.Config
	registry *upstream.Registry
	stats    StatsProvider
}

type statusResponse struct {
	Rule                 string                  `json:"upstreamSelectRule"`
	LastUseUpstreamIndex int                     `json:"lastUseUpstreamIndex"`
	ActiveConnections    int64                   `json:"activeConnections"`
	UplinkBytes          uint64                  `json:"uplinkBytes"`
	DownlinkBytes        uint64                  `json:"downlinkBytes"`
	Upstreams            []upstream.ServerStatus `json:"upstreams"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Rule:                 h.cfg.BalanceConf.UpstreamSelectRule,
		LastUseUpstreamIndex: h.registry.LastUseIndex(),
		Upstreams:            h.registry.Snapshot(),
	}
	if h.stats != nil {
		resp.UplinkBytes, resp.DownlinkBytes = h.stats.TrafficStats()
		resp.ActiveConnections = h.stats.ActiveConnections()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *handler) handleForceIndex(w http.ResponseWriter, r *http.Request) {
	index, ok := h.indexParam(w, r)
	if !ok {
		return
	}
	h.registry.ForceSetIndex(index)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleEnable(w http.ResponseWriter, r *http.Request) {
	h.setDisable(w, r, false)
}

func (h *handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	h.setDisable(w, r, true)
}

func (h *handler) setDisable(w http.ResponseWriter, r *http.Request, disabled bool) {
	index, ok := h.indexParam(w, r)
	if !ok {
		return
	}
	if !h.registry.SetManualDisable(index, disabled) {
		http.Error(w, "index out of range", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return 0, false
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return 0, false
	}
	return index, true
}
