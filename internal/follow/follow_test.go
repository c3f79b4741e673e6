// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package follow

import (
	"context"
	"testing"

	"github.com/pgpool-go/supervisor/internal/followlock"
	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

func newTestArea() *state.Area {
	area := state.NewArea(3)
	area.Configure(0, "h0", 5432, "/data0", state.BackendFlags{}, state.RoleStandby)
	area.Configure(1, "h1", 5433, "/data1", state.BackendFlags{}, state.RolePrimary)
	area.Configure(2, "h2", 5434, "/data2", state.BackendFlags{}, state.RoleStandby)
	return area
}

func TestRunSkipsNewPrimaryAndReleasesLocks(t *testing.T) {
	area := newTestArea()
	lock := &followlock.Lock{}

	err := Run(context.Background(), area, lock, watchdog.NoopClient{}, "true", 1, 1, 0, logging.Logger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.State() != followlock.Free {
		t.Fatalf("expected lock released to Free, got %v", lock.State())
	}
	if area.FollowPrimaryOngoing() {
		t.Fatalf("expected FollowPrimaryOngoing cleared after Run returns")
	}
}

func TestRunEmptyTemplateIsNoop(t *testing.T) {
	area := newTestArea()
	lock := &followlock.Lock{}
	if err := Run(context.Background(), area, lock, watchdog.NoopClient{}, "", 1, 1, 0, logging.Logger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.State() != followlock.Free {
		t.Fatalf("expected lock untouched for empty template, got %v", lock.State())
	}
}

func TestRunPropagatesFirstCommandError(t *testing.T) {
	area := state.NewArea(1)
	area.Configure(0, "h0", 5432, "/data0", state.BackendFlags{}, state.RoleStandby)
	lock := &followlock.Lock{}

	err := Run(context.Background(), area, lock, watchdog.NoopClient{}, "false", -1, -1, -1, logging.Logger())
	if err == nil {
		t.Fatalf("expected error from failing follow-primary command")
	}
}
