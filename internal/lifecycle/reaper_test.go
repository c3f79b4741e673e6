// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package lifecycle

import (
	"errors"
	"testing"

	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/state"
)

func TestReaperRespawnsNormalExit(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleWorker, 2)

	var respawnedRole registry.Role
	var respawnedIndex int
	r := &Reaper{
		Registry: reg,
		Area:     state.NewArea(1),
		Log:      logging.Logger(),
		Respawn: func(role registry.Role, index int) {
			respawnedRole, respawnedIndex = role, index
		},
	}

	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleWorker, Index: 2, ExitKind: registry.ExitNormal})

	if respawnedRole != registry.RoleWorker || respawnedIndex != 2 {
		t.Fatalf("expected respawn of worker[2], got role=%v index=%d", respawnedRole, respawnedIndex)
	}
	if _, ok := reg.Get(rec.ID); ok {
		t.Fatalf("expected terminated child removed from registry")
	}
}

func TestReaperDoesNotRespawnFatalExit(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleWorker, 0)

	respawned := false
	fatal := false
	r := &Reaper{
		Registry: reg,
		Area:     state.NewArea(1),
		Log:      logging.Logger(),
		Respawn:  func(role registry.Role, index int) { respawned = true },
		Fatal:    func(err error) { fatal = true },
	}

	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleWorker, ExitKind: registry.ExitFatal, Err: errors.New("boom")})

	if respawned {
		t.Fatalf("expected no respawn on fatal exit")
	}
	if !fatal {
		t.Fatalf("expected Fatal hook invoked")
	}
}

func TestReaperSkipsRespawnWhenExiting(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleHealthCheck, 0)

	respawned := false
	r := &Reaper{
		Registry: reg,
		Area:     state.NewArea(1),
		Log:      logging.Logger(),
		Respawn:  func(role registry.Role, index int) { respawned = true },
		Exiting:  func() bool { return true },
	}

	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleHealthCheck, ExitKind: registry.ExitNormal})

	if respawned {
		t.Fatalf("expected no respawn while supervisor is exiting")
	}
}

func TestReaperSkipsRespawnDuringSwitching(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleWorker, 0)
	area := state.NewArea(1)
	area.TryBeginSwitching()

	respawned := false
	r := &Reaper{
		Registry: reg,
		Area:     area,
		Log:      logging.Logger(),
		Respawn:  func(role registry.Role, index int) { respawned = true },
	}

	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleWorker, ExitKind: registry.ExitNormal})

	if respawned {
		t.Fatalf("expected no respawn during an in-progress failover sweep")
	}
}

func TestReaperMarksCleanupRequiredOnAbnormalWatchdogExit(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleWatchdog, 0)
	area := state.NewArea(1)

	r := &Reaper{
		Registry: reg,
		Area:     area,
		Log:      logging.Logger(),
		Respawn:  func(role registry.Role, index int) {},
	}

	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleWatchdog, ExitKind: registry.ExitNormal})

	if !area.CleanupRequired() {
		t.Fatalf("expected CleanupRequired set after abnormal watchdog exit")
	}
}

func TestReaperDoesNotMarkCleanupOnExplicitWatchdogStop(t *testing.T) {
	reg := registry.New()
	rec := reg.Add(registry.RoleWatchdog, 0)
	area := state.NewArea(1)

	r := &Reaper{Registry: reg, Area: area, Log: logging.Logger()}
	r.Observe(ReapEvent{ChildID: rec.ID, Role: registry.RoleWatchdog, ExitKind: registry.ExitNoRestart})

	if area.CleanupRequired() {
		t.Fatalf("expected CleanupRequired untouched for an intentional watchdog stop")
	}
}
