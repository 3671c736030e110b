package check

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"socks5balancer/internal/shared/types"
	"socks5balancer/internal/upstream"
)

func testCheckConf() types.CheckConf {
	return types.CheckConf{
		TCPCheckStart:       1,
		TCPCheckPeriod:      10,
		TCPCheckTimeout:     100,
		ConnectCheckStart:   1,
		ConnectCheckPeriod:  10,
		ConnectTimeout:      100,
		TestRemoteHost:      "test.invalid",
		TestRemotePort:      443,
		MaxConcurrentProbes: 4,
	}
}

func testRegistry(n int) *upstream.Registry {
	profiles := make([]*types.UpstreamProfile, 0, n)
	for i := 0; i < n; i++ {
		profiles = append(profiles, &types.UpstreamProfile{
			Name: "s",
			Host: "127.0.0.1",
			Port: uint16(3000 + i),
		})
	}
	return upstream.NewRegistry(profiles)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestSchedulerMarksHealthy(t *testing.T) {
	registry := testRegistry(2)
	s := NewScheduler(testCheckConf(), registry)
	s.tcpProbe = func(ctx context.Context, target upstream.ProbeTarget) error { return nil }
	s.connectProbe = func(ctx context.Context, target upstream.ProbeTarget) error { return nil }

	s.StartCheckTimer()
	defer s.EndCheckTimer()

	waitFor(t, func() bool {
		for _, st := range registry.Snapshot() {
			if !st.Eligible {
				return false
			}
		}
		return true
	}, "all servers eligible after successful probes")
}

func TestSchedulerMarksOffline(t *testing.T) {
	registry := testRegistry(1)
	s := NewScheduler(testCheckConf(), registry)
	s.tcpProbe = func(ctx context.Context, target upstream.ProbeTarget) error {
		return errors.New("connection refused")
	}
	s.connectProbe = func(ctx context.Context, target upstream.ProbeTarget) error {
		return errors.New("tunnel failed")
	}

	s.StartCheckTimer()
	defer s.EndCheckTimer()

	waitFor(t, func() bool {
		st := registry.Snapshot()[0]
		return st.IsOffline && st.LastConnectFailed && !st.Eligible
	}, "server marked offline after failed probes")
}

func TestSchedulerProbesEveryEntryEachTick(t *testing.T) {
	registry := testRegistry(3)
	var probed atomic.Int64
	s := NewScheduler(testCheckConf(), registry)
	s.tcpProbe = func(ctx context.Context, target upstream.ProbeTarget) error {
		probed.Add(1)
		return nil
	}
	s.connectProbe = func(ctx context.Context, target upstream.ProbeTarget) error { return nil }

	s.StartCheckTimer()
	defer s.EndCheckTimer()

	// At least two full sweeps of three entries.
	waitFor(t, func() bool { return probed.Load() >= 6 }, "tcp probes keep running per tick")
}

func TestEndCheckTimerStopsTicks(t *testing.T) {
	registry := testRegistry(1)
	var probed atomic.Int64
	s := NewScheduler(testCheckConf(), registry)
	s.tcpProbe = func(ctx context.Context, target upstream.ProbeTarget) error {
		probed.Add(1)
		return nil
	}
	s.connectProbe = func(ctx context.Context, target upstream.ProbeTarget) error { return nil }

	s.StartCheckTimer()
	waitFor(t, func() bool { return probed.Load() >= 1 }, "first tick fired")
	s.EndCheckTimer()

	after := probed.Load()
	time.Sleep(50 * time.Millisecond)
	// A probe launched right at cancellation may still land; ticks must not.
	if got := probed.Load(); got > after+1 {
		t.Errorf("ticks kept firing after EndCheckTimer: %d -> %d", after, got)
	}
}

func TestInFlightResultStillApplies(t *testing.T) {
	registry := testRegistry(1)
	release := make(chan struct{})
	s := NewScheduler(testCheckConf(), registry)
	s.tcpProbe = func(ctx context.Context, target upstream.ProbeTarget) error {
		<-release
		return nil
	}
	s.connectProbe = func(ctx context.Context, target upstream.ProbeTarget) error { return nil }

	s.StartCheckTimer()
	time.Sleep(20 * time.Millisecond)
	s.EndCheckTimer()

	// The probe finishes after the timers are gone; its result must still
	// be written.
	close(release)
	waitFor(t, func() bool { return !registry.Snapshot()[0].IsOffline }, "late probe result applied")
}
