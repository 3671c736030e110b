package upstream

import (
	"testing"
	"time"

	"socks5balancer/internal/shared/types"
)

func testProfiles(n int) []*types.UpstreamProfile {
	profiles := make([]*types.UpstreamProfile, 0, n)
	for i := 0; i < n; i++ {
		profiles = append(profiles, &types.UpstreamProfile{
			Name: string(rune('a' + i)),
			Host: "127.0.0.1",
			Port: uint16(3000 + i),
		})
	}
	return profiles
}

// markHealthy drives one entry through the same probe transitions the
// scheduler would apply.
func markHealthy(r *Registry, index int) {
	now := time.Now()
	r.MarkTCPResult(index, true, now)
	r.MarkConnectResult(index, true, now)
}

func TestNewRegistryInitialState(t *testing.T) {
	r := NewRegistry(testProfiles(2))
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	for i, s := range r.Snapshot() {
		if s.Index != i {
			t.Errorf("entry %d has index %d", i, s.Index)
		}
		if !s.IsOffline || !s.LastConnectFailed {
			t.Errorf("entry %d must start offline with lastConnectFailed", i)
		}
		if s.Eligible {
			t.Errorf("entry %d must not be eligible before probing", i)
		}
	}
}

func TestConfigDisableMapsToManualDisable(t *testing.T) {
	profiles := testProfiles(1)
	profiles[0].Disable = true
	r := NewRegistry(profiles)
	markHealthy(r, 0)
	if s := r.Snapshot()[0]; !s.IsManualDisable || s.Eligible {
		t.Errorf("config-time disabled entry must stay ineligible: %+v", s)
	}
}

func TestHealthRecovery(t *testing.T) {
	r := NewRegistry(testProfiles(1))
	now := time.Now()

	r.MarkTCPResult(0, true, now)
	s := r.Snapshot()[0]
	if s.IsOffline {
		t.Errorf("tcp probe success must clear isOffline")
	}
	if s.LastConnectFailed {
		t.Errorf("tcp probe success on an offline server must re-arm lastConnectFailed")
	}
	if s.LastOnlineTime == nil {
		t.Errorf("tcp probe success must set lastOnlineTime")
	}
	if s.Eligible {
		t.Errorf("server must not be eligible before the connect probe confirms")
	}

	r.MarkConnectResult(0, true, now)
	s = r.Snapshot()[0]
	if s.LastConnectTime == nil || !s.Eligible {
		t.Errorf("server must be eligible after both probes succeed: %+v", s)
	}
}

func TestTCPFailureKeepsLastOnlineTime(t *testing.T) {
	r := NewRegistry(testProfiles(1))
	now := time.Now()
	markHealthy(r, 0)

	r.MarkTCPResult(0, false, now.Add(time.Second))
	s := r.Snapshot()[0]
	if !s.IsOffline {
		t.Errorf("tcp probe failure must set isOffline")
	}
	if s.LastOnlineTime == nil {
		t.Errorf("tcp probe failure must leave lastOnlineTime untouched")
	}
	if s.Eligible {
		t.Errorf("offline server must not be eligible")
	}
}

func TestTCPSuccessOnOnlineServerKeepsConnectFailed(t *testing.T) {
	// lastConnectFailed is only re-armed when the server was offline;
	// a repeat TCP success must not mask a failed connect probe.
	r := NewRegistry(testProfiles(1))
	now := time.Now()
	markHealthy(r, 0)
	r.MarkConnectResult(0, false, now)

	r.MarkTCPResult(0, true, now.Add(time.Second))
	if s := r.Snapshot()[0]; !s.LastConnectFailed || s.Eligible {
		t.Errorf("tcp success must not clear a connect failure on an online server: %+v", s)
	}
}

func TestConnectFailure(t *testing.T) {
	r := NewRegistry(testProfiles(1))
	markHealthy(r, 0)
	r.MarkConnectResult(0, false, time.Now())
	if s := r.Snapshot()[0]; s.Eligible {
		t.Errorf("connect probe failure must make the server ineligible")
	}
}

func TestNoOnlineWithoutTimestamp(t *testing.T) {
	r := NewRegistry(testProfiles(3))
	markHealthy(r, 1)
	r.MarkTCPResult(2, false, time.Now())
	for _, s := range r.Snapshot() {
		if !s.IsOffline && s.LastOnlineTime == nil {
			t.Errorf("invariant violated: entry %d online without lastOnlineTime", s.Index)
		}
	}
}

func TestForceSetIndex(t *testing.T) {
	r := NewRegistry(testProfiles(3))
	r.ForceSetIndex(2)
	if got := r.LastUseIndex(); got != 2 {
		t.Errorf("LastUseIndex() = %d, want 2", got)
	}
	r.ForceSetIndex(5)
	if got := r.LastUseIndex(); got != 2 {
		t.Errorf("out-of-range ForceSetIndex must be ignored, got %d", got)
	}
	r.ForceSetIndex(-1)
	if got := r.LastUseIndex(); got != 2 {
		t.Errorf("negative ForceSetIndex must be ignored, got %d", got)
	}
}

func TestSetManualDisable(t *testing.T) {
	r := NewRegistry(testProfiles(1))
	markHealthy(r, 0)
	if !r.SetManualDisable(0, true) {
		t.Fatalf("SetManualDisable(0) failed")
	}
	if s := r.Snapshot()[0]; s.Eligible {
		t.Errorf("manually disabled server must not be eligible")
	}
	if !r.SetManualDisable(0, false) {
		t.Fatalf("re-enable failed")
	}
	if s := r.Snapshot()[0]; !s.Eligible {
		t.Errorf("re-enabled server must be eligible again")
	}
	if r.SetManualDisable(9, true) {
		t.Errorf("out-of-range index must report false")
	}
}

func TestMarkConnected(t *testing.T) {
	r := NewRegistry(testProfiles(1))
	r.MarkConnected(0)
	r.MarkConnected(0)
	if got := r.Snapshot()[0].ConnectCount; got != 2 {
		t.Errorf("ConnectCount = %d, want 2", got)
	}
}
