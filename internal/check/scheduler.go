package check

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socks5balancer/internal/shared/logger"
	"socks5balancer/internal/shared/types"
	"socks5balancer/internal/upstream"
)

// Scheduler drives the two independent probe timers against every entry of
// the registry. Probes launched at one tick may still be in flight at the
// next; ticks never wait for them. A semaphore caps how many run at once.
type Scheduler struct {
	cfg      types.CheckConf
	registry *upstream.Registry

	// injectable for tests
	tcpProbe     func(ctx context.Context, target upstream.ProbeTarget) error
	connectProbe func(ctx context.Context, target upstream.ProbeTarget) error

	semaphore chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func NewScheduler(cfg types.CheckConf, registry *upstream.Registry) *Scheduler {
	concurrency := cfg.MaxConcurrentProbes
	if concurrency <= 0 {
		concurrency = 8
	}
	prober := NewHTTPSProber(cfg.TestRemoteHost, uint16(cfg.TestRemotePort), cfg.ConnectTimeoutDur())
	s := &Scheduler{
		cfg:       cfg,
		registry:  registry,
		semaphore: make(chan struct{}, concurrency),
		stopChan:  make(chan struct{}),
		logger:    logger.WithComponent("HealthScheduler"),
	}
	s.tcpProbe = func(ctx context.Context, t upstream.ProbeTarget) error {
		addr := net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
		return TCPProbe(ctx, addr, cfg.TCPCheckTimeoutDur())
	}
	s.connectProbe = func(ctx context.Context, t upstream.ProbeTarget) error {
		addr := net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
		return prober.Probe(ctx, addr, t.AuthUser, t.AuthPwd)
	}
	return s
}

// StartCheckTimer arms both timers. The first TCP tick fires after
// tcp_check_start, then every tcp_check_period; the connect timer likewise.
func (s *Scheduler) StartCheckTimer() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.timerLoop("tcp", s.cfg.TCPCheckStartDur(), s.cfg.TCPCheckPeriodDur(), s.runTCPSweep)
		go s.timerLoop("connect", s.cfg.ConnectCheckStartDur(), s.cfg.ConnectCheckPeriodDur(), s.runConnectSweep)
		s.logger.Info().
			Dur("tcp_period", s.cfg.TCPCheckPeriodDur()).
			Dur("connect_period", s.cfg.ConnectCheckPeriodDur()).
			Msg("check timers started")
	})
}

// EndCheckTimer cancels pending ticks. Probes already in flight are not
// aborted; their completions may still write liveness state.
func (s *Scheduler) EndCheckTimer() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Scheduler) timerLoop(name string, start, period time.Duration, sweep func()) {
	defer s.wg.Done()
	timer := time.NewTimer(start)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.logger.Debug().Str("timer", name).Msg("check tick")
			sweep()
			timer.Reset(period)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runTCPSweep() {
	s.registry.LogPool()
	for _, target := range s.registry.ProbeTargets() {
		t := target
		go func() {
			s.semaphore <- struct{}{}
			defer func() { <-s.semaphore }()
			err := s.tcpProbe(context.Background(), t)
			s.registry.MarkTCPResult(t.Index, err == nil, time.Now())
			if err != nil {
				s.logger.Debug().Err(err).Int("index", t.Index).Str("host", t.Host).Msg("tcp probe failed")
			}
		}()
	}
}

func (s *Scheduler) runConnectSweep() {
	for _, target := range s.registry.ProbeTargets() {
		t := target
		go func() {
			s.semaphore <- struct{}{}
			defer func() { <-s.semaphore }()
			err := s.connectProbe(context.Background(), t)
			s.registry.MarkConnectResult(t.Index, err == nil, time.Now())
			if err != nil {
				s.logger.Debug().Err(err).Int("index", t.Index).Str("host", t.Host).Msg("connect probe failed")
			}
		}()
	}
}
