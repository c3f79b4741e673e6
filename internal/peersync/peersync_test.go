// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package peersync

import (
	"context"
	"testing"

	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

func firstUpFinder(area *state.Area) int32 {
	for _, s := range area.All() {
		if s.IsValid() {
			return int32(s.ID)
		}
	}
	return -1
}

func TestReconcileScenarioFive(t *testing.T) {
	// spec.md §8 scenario 5: leader reports {DOWN, UP, UP}, local has
	// {UP, UP, UP}; expect status[0]->DOWN, main recomputed to 1, and a
	// partial restart keyed on [0].
	area := state.NewArea(3)
	for i := 0; i < 3; i++ {
		area.Configure(i, "h", 5432+i, "/data", state.BackendFlags{}, state.RoleStandby)
		area.SetStatus(i, state.StatusUp)
	}
	area.SetMainNodeID(0)
	area.SetPrimaryNodeID(0)

	leader := watchdog.BackendStatusSnapshot{
		PrimaryNodeID: 0,
		Statuses: []watchdog.BackendState{
			{Up: false},
			{Up: true},
			{Up: true},
		},
	}

	result := Reconcile(context.Background(), area, leader, true, firstUpFinder, logging.Logger())

	snap, _ := area.Snapshot(0)
	if snap.Status != state.StatusDown {
		t.Fatalf("expected backend 0 DOWN, got %v", snap.Status)
	}
	if area.MainNodeID() != 1 {
		t.Fatalf("expected main node recomputed to 1, got %d", area.MainNodeID())
	}
	if result.Scope != RestartPartial || len(result.DownList) != 1 || result.DownList[0] != 0 {
		t.Fatalf("expected partial restart on [0], got %+v", result)
	}
}

func TestReconcileNoChangeIsNoRestart(t *testing.T) {
	area := state.NewArea(2)
	for i := 0; i < 2; i++ {
		area.Configure(i, "h", 5432+i, "/data", state.BackendFlags{}, state.RoleStandby)
		area.SetStatus(i, state.StatusUp)
	}
	area.SetMainNodeID(0)
	area.SetPrimaryNodeID(0)

	leader := watchdog.BackendStatusSnapshot{
		PrimaryNodeID: 0,
		Statuses:      []watchdog.BackendState{{Up: true}, {Up: true}},
	}
	result := Reconcile(context.Background(), area, leader, true, firstUpFinder, logging.Logger())
	if result.Scope != RestartNone {
		t.Fatalf("expected no restart, got %v", result.Scope)
	}
}

func TestReconcilePrimaryChangeForcesFullRestart(t *testing.T) {
	area := state.NewArea(2)
	for i := 0; i < 2; i++ {
		area.Configure(i, "h", 5432+i, "/data", state.BackendFlags{}, state.RoleStandby)
		area.SetStatus(i, state.StatusUp)
	}
	area.SetPrimaryNodeID(0)

	leader := watchdog.BackendStatusSnapshot{
		PrimaryNodeID: 1,
		Statuses:      []watchdog.BackendState{{Up: true}, {Up: true}},
	}
	result := Reconcile(context.Background(), area, leader, true, firstUpFinder, logging.Logger())
	if result.Scope != RestartFull {
		t.Fatalf("expected full restart on primary change, got %v", result.Scope)
	}
	if area.PrimaryNodeID() != 1 {
		t.Fatalf("expected primary adopted from leader, got %d", area.PrimaryNodeID())
	}
}

func TestReconcileNonStreamingAlwaysFullRestart(t *testing.T) {
	area := state.NewArea(1)
	area.Configure(0, "h", 5432, "/data", state.BackendFlags{}, state.RoleStandby)
	area.SetStatus(0, state.StatusUp)
	area.SetPrimaryNodeID(0)

	leader := watchdog.BackendStatusSnapshot{PrimaryNodeID: 0, Statuses: []watchdog.BackendState{{Up: true}}}
	result := Reconcile(context.Background(), area, leader, false, firstUpFinder, logging.Logger())
	if result.Scope != RestartFull {
		t.Fatalf("expected full restart outside streaming mode, got %v", result.Scope)
	}
}

func TestReconcileClearsQuarantine(t *testing.T) {
	area := state.NewArea(1)
	area.Configure(0, "h", 5432, "/data", state.BackendFlags{}, state.RoleStandby)
	area.SetStatus(0, state.StatusDown)
	area.SetQuarantine(0, true)

	leader := watchdog.BackendStatusSnapshot{PrimaryNodeID: -1, Statuses: []watchdog.BackendState{{Up: true}}}
	Reconcile(context.Background(), area, leader, true, firstUpFinder, logging.Logger())

	snap, _ := area.Snapshot(0)
	if snap.Quarantine {
		t.Fatalf("expected quarantine cleared on peer sync")
	}
	if snap.Status != state.StatusConnectWait {
		t.Fatalf("expected CONNECT_WAIT after leader reports UP, got %v", snap.Status)
	}
}
