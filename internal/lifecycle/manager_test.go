// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/state"
)

func TestManagerDrainsFailoverSignalOnWake(t *testing.T) {
	area := state.NewArea(1)
	area.RaiseSignal(state.SignalFailover)

	var drained atomic.Int32
	m := &Manager{
		Area:       area,
		DrainQueue: func(ctx context.Context) { drained.Add(1) },
		Log:        logging.Logger(),
	}

	m.wake(context.Background())

	if drained.Load() != 1 {
		t.Fatalf("expected DrainQueue called once, got %d", drained.Load())
	}
	if area.DrainSignal(state.SignalFailover) {
		t.Fatalf("expected failover signal already cleared by wake")
	}
}

func TestManagerWakeChildrenRunsFirst(t *testing.T) {
	area := state.NewArea(1)
	var order []string
	m := &Manager{
		Area:         area,
		WakeChildren: func() { order = append(order, "wake") },
		Reap:         func(ctx context.Context) { order = append(order, "reap") },
		ReloadConfig: func(ctx context.Context) error { order = append(order, "reload"); return nil },
		Log:          logging.Logger(),
	}

	m.wake(context.Background())

	if len(order) != 3 || order[0] != "wake" || order[1] != "reap" || order[2] != "reload" {
		t.Fatalf("expected wake,reap,reload order, got %v", order)
	}
}

func TestManagerServeWakesOnTicker(t *testing.T) {
	area := state.NewArea(1)
	var wakes atomic.Int32
	m := &Manager{
		Area:         area,
		WakeChildren: func() { wakes.Add(1) },
		Tick:         5 * time.Millisecond,
		Log:          logging.Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	<-done
	if wakes.Load() < 1 {
		t.Fatalf("expected at least one ticker-driven wake, got %d", wakes.Load())
	}
}

func TestManagerServeWakesOnQueueSignal(t *testing.T) {
	area := state.NewArea(1)
	queueWake := make(chan struct{}, 1)
	var wakes atomic.Int32
	m := &Manager{
		Area:         area,
		QueueWake:    queueWake,
		WakeChildren: func() { wakes.Add(1) },
		Log:          logging.Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Serve(ctx)
	queueWake <- struct{}{}

	deadline := time.Now().Add(time.Second)
	for wakes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if wakes.Load() == 0 {
		t.Fatalf("expected queue-wake-driven wake")
	}
}
