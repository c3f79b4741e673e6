// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/pgpool-go/supervisor/internal/discovery"
	"github.com/pgpool-go/supervisor/internal/failover"
	"github.com/pgpool-go/supervisor/internal/followlock"
	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/queue"
	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/statusfile"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

// TestSwitchoverRestartsOnlyBoundWorkers exercises spec.md §8 end-to-end
// scenario 2: NODE_DOWN(1) carrying the SWITCHOVER flag against a standby
// in streaming mode restarts only the workers holding a pool slot bound
// to backend 1, leaves the primary untouched, and writes "up\ndown\n".
func TestSwitchoverRestartsOnlyBoundWorkers(t *testing.T) {
	skipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	primary := startStandalone(ctx, t)
	defer primary.cleanup(t, ctx)
	standby := startStandalone(ctx, t)
	defer standby.cleanup(t, ctx)

	area := state.NewArea(2)
	area.Configure(0, primary.host, primary.port, "/var/lib/postgresql/data", state.BackendFlags{}, state.RolePrimary)
	area.Configure(1, standby.host, standby.port, "/var/lib/postgresql/data", state.BackendFlags{}, state.RoleStandby)
	area.SetStatuses([]state.BackendStatus{state.StatusUp, state.StatusUp})
	area.SetMainNodeID(0)
	area.SetPrimaryNodeID(0)

	reg := registry.New()
	bound := reg.Add(registry.RoleWorker, 1).ID
	unbound := reg.Add(registry.RoleWorker, 2).ID
	area.SetConnectionSlot(bound, 0, state.ConnectionSlot{Connected: true, LoadBalancingNode: 1})
	area.SetConnectionSlot(unbound, 0, state.ConnectionSlot{Connected: true, LoadBalancingNode: 0})

	statusPath := t.TempDir() + "/pgpool_status"

	var fullRestarted bool
	var partialChildren []registry.ChildID
	partialFired := make(chan struct{}, 1)

	engine := &failover.Engine{
		Area:       area,
		Queue:      queue.New(queue.DefaultSize),
		Registry:   reg,
		Discoverer: discovery.NewDiscoverer(discovery.SQLProber{ConnectTimeout: 5 * time.Second}, logging.Logger(), 2),
		Lock:       &followlock.Lock{},
		Watchdog:   watchdog.NoopClient{},
		Log:        logging.WithComponent("test-failover"),
		Config: failover.Config{
			StreamingMode:  true,
			StatusFilePath: statusPath,
		},
		Backends: func() []discovery.Backend {
			var out []discovery.Backend
			for _, s := range area.All() {
				out = append(out, discovery.Backend{ID: s.ID, Host: s.Host, Port: s.Port, Flags: s.Flags, IsValid: s.IsValid()})
			}
			return out
		},
		Hooks: failover.Hooks{
			RestartAllWorkers: func(ctx context.Context) { fullRestarted = true },
			RestartWorkers: func(ctx context.Context, children []registry.ChildID) {
				partialChildren = children
				select {
				case partialFired <- struct{}{}:
				default:
				}
			},
		},
	}

	if err := engine.Enqueue(ctx, queue.NodeDown, []int{1}, queue.FlagSwitchover); err != nil {
		t.Fatalf("enqueue NODE_DOWN: %v", err)
	}

	select {
	case <-partialFired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial-restart hook to fire")
	}

	if fullRestarted {
		t.Fatal("expected a partial restart, got a full restart")
	}
	if len(partialChildren) != 1 || partialChildren[0] != bound {
		t.Fatalf("restarted children = %v, want only %v", partialChildren, bound)
	}

	snap1, _ := area.Snapshot(1)
	if snap1.Status != state.StatusDown {
		t.Fatalf("backend 1 status = %v, want DOWN", snap1.Status)
	}
	if area.PrimaryNodeID() != 0 {
		t.Fatalf("primary_node_id = %d, want unchanged 0", area.PrimaryNodeID())
	}

	statuses, err := statusfile.Read(statusPath, 2, false)
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	if statuses[0] != state.StatusUp || statuses[1] != state.StatusDown {
		t.Fatalf("status file statuses = %v, want [up down]", statuses)
	}
}
