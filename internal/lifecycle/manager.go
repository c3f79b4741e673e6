// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/state"
)

// WakeTick is the periodic fallback wake interval — spec.md §4.4's
// "3-second select timeout" translated to a time.Ticker.
const WakeTick = 3 * time.Second

// Manager is the supervisor's single event loop goroutine (spec.md
// §4.4). It is a suture.Service: Serve blocks until ctx is canceled.
type Manager struct {
	Area *state.Area

	// Signals delivers the OS signal bridge's translated events
	// (internal/signals). nil is treated as "no signal source".
	Signals <-chan struct{}

	// QueueWake is closed or sent to whenever a new request lands in
	// the failover queue, waking the loop without waiting for the tick.
	QueueWake <-chan struct{}

	// WakeChildren broadcasts to every worker that it should
	// re-evaluate its need_to_restart bit at its next idle point
	// (priority step 1).
	WakeChildren func()

	// DrainQueue triggers the failover engine's sweep (priority step 2,
	// via state.Area.DrainSignal(state.SignalFailover)).
	DrainQueue func(ctx context.Context)

	// Reap runs the reaper's pending work (priority step 3). In this
	// goroutine model termination notifications are usually delivered
	// directly to the Reaper by the suture EventHook, so this hook is
	// typically a no-op placeholder for batched/polled reap strategies.
	Reap func(ctx context.Context)

	// ReloadConfig re-reads configuration (priority step 4).
	ReloadConfig func(ctx context.Context) error

	// Tick overrides the fallback wake interval; zero means WakeTick.
	// Exposed mainly so tests don't have to wait out the real 3s period.
	Tick time.Duration

	Log zerolog.Logger
}

// Serve runs the event loop until ctx is canceled.
func (m *Manager) Serve(ctx context.Context) error {
	tick := m.Tick
	if tick <= 0 {
		tick = WakeTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signalsOrNever():
			m.wake(ctx)
		case <-m.queueWakeOrNever():
			m.wake(ctx)
		case <-ticker.C:
			m.wake(ctx)
		}
	}
}

func (m *Manager) signalsOrNever() <-chan struct{} {
	if m.Signals == nil {
		return nil
	}
	return m.Signals
}

func (m *Manager) queueWakeOrNever() <-chan struct{} {
	if m.QueueWake == nil {
		return nil
	}
	return m.QueueWake
}

// wake runs exactly one pass of the four priority steps spec.md §4.4
// assigns to each wakeup, in order: (1) wake children, (2) drain
// USR1-equivalent signal slots, (3) reap, (4) reload config.
func (m *Manager) wake(ctx context.Context) {
	if m.WakeChildren != nil {
		m.WakeChildren()
	}

	if m.Area != nil {
		if m.Area.DrainSignal(state.SignalFailover) && m.DrainQueue != nil {
			m.DrainQueue(ctx)
		}
		if m.Area.DrainSignal(state.SignalBackendSyncRequired) {
			m.Log.Debug().Msg("lifecycle: backend-sync-required signal drained")
		}
		if m.Area.DrainSignal(state.SignalWDStateChanged) {
			m.Log.Debug().Msg("lifecycle: watchdog-state-changed signal drained")
		}
		if m.Area.DrainSignal(state.SignalWDQuorumChanged) {
			m.Log.Debug().Msg("lifecycle: watchdog-quorum-changed signal drained")
		}
		if m.Area.DrainSignal(state.SignalInformQuarantineNodes) {
			m.Log.Debug().Msg("lifecycle: inform-quarantine-nodes signal drained")
		}
	}

	if m.Reap != nil {
		m.Reap(ctx)
	}

	if m.ReloadConfig != nil {
		if err := m.ReloadConfig(ctx); err != nil {
			m.Log.Warn().Err(err).Msg("lifecycle: config reload failed")
		}
	}
}
