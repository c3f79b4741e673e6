// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package state

import "testing"

func TestNewAreaStartsUndiscoveredColdStart(t *testing.T) {
	area := NewArea(2)
	if area.PrimaryNodeID() != PrimaryUndiscovered {
		t.Fatalf("primary_node_id = %d, want %d (cold start forces discovery before serving)", area.PrimaryNodeID(), PrimaryUndiscovered)
	}
	for i := 0; i < 2; i++ {
		snap, ok := area.Snapshot(i)
		if !ok || snap.Status != StatusUnused {
			t.Fatalf("backend %d status = %v ok=%v, want StatusUnused before Configure", i, snap.Status, ok)
		}
	}
}

func TestConfigureMovesToConnectWait(t *testing.T) {
	area := NewArea(1)
	area.Configure(0, "host", 5432, "/data", BackendFlags{}, RolePrimary)
	snap, ok := area.Snapshot(0)
	if !ok || snap.Status != StatusConnectWait {
		t.Fatalf("status = %v ok=%v, want StatusConnectWait after Configure", snap.Status, ok)
	}
	if !snap.IsValid() {
		t.Fatal("expected a freshly configured backend to be valid")
	}
}

func TestTryBeginSwitchingExcludesConcurrentSweep(t *testing.T) {
	area := NewArea(1)
	if !area.TryBeginSwitching() {
		t.Fatal("expected first TryBeginSwitching to succeed")
	}
	if area.TryBeginSwitching() {
		t.Fatal("expected a second sweep to be excluded while switching=true")
	}
	area.EndSwitching()
	if !area.TryBeginSwitching() {
		t.Fatal("expected TryBeginSwitching to succeed again after EndSwitching")
	}
}

func TestAtMostOnePrimaryOutsideDiscovery(t *testing.T) {
	area := NewArea(3)
	area.Configure(0, "a", 5432, "/data", BackendFlags{}, RolePrimary)
	area.Configure(1, "b", 5432, "/data", BackendFlags{}, RoleStandby)
	area.Configure(2, "c", 5432, "/data", BackendFlags{}, RoleStandby)
	area.SetStatuses([]BackendStatus{StatusUp, StatusUp, StatusUp})

	primaries := 0
	for _, snap := range area.All() {
		if snap.Role == RolePrimary && (snap.Status == StatusUp || snap.Status == StatusConnectWait) {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("got %d live primaries, want at most 1", primaries)
	}
}

func TestQuarantineMakesBackendInvalid(t *testing.T) {
	area := NewArea(1)
	area.Configure(0, "a", 5432, "/data", BackendFlags{}, RolePrimary)
	area.SetStatus(0, StatusUp)
	area.SetQuarantine(0, true)
	snap, _ := area.Snapshot(0)
	if snap.IsValid() {
		t.Fatal("expected a quarantined backend to be invalid regardless of status")
	}
}

func TestChildrenBoundToMatchesOnlyConnectedSlotsForThatBackend(t *testing.T) {
	area := NewArea(2)
	area.SetConnectionSlot(1, 0, ConnectionSlot{Connected: true, LoadBalancingNode: 0})
	area.SetConnectionSlot(2, 0, ConnectionSlot{Connected: true, LoadBalancingNode: 1})
	area.SetConnectionSlot(3, 0, ConnectionSlot{Connected: false, LoadBalancingNode: 0})

	bound := area.ChildrenBoundTo(0)
	if len(bound) != 1 || bound[0] != 1 {
		t.Fatalf("children bound to backend 0 = %v, want [1]", bound)
	}
}
