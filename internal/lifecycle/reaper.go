// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package lifecycle implements the supervisor's single-goroutine event
// loop (spec.md §4.4): the original signal-handler + self-pipe + select
// loop, replaced by one goroutine reading a buffered event channel fed
// by the OS signal bridge, the request queue's wake path, and a ticker.
package lifecycle

import (
	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/state"
)

// ReapEvent is what the caller's suture EventHook translates a
// terminated-service notification into before handing it to Reaper —
// lifecycle itself never imports thejerf/suture, so it stays testable
// without a running supervisor tree.
type ReapEvent struct {
	ChildID  registry.ChildID
	Role     registry.Role
	Index    int
	ExitKind registry.ExitKind
	Err      error
}

// Reaper applies spec.md §4.4's exit policy to each terminated child.
type Reaper struct {
	Registry *registry.Registry
	Area     *state.Area
	Log      zerolog.Logger

	// Respawn is called for any child the policy decides to respawn.
	Respawn func(role registry.Role, index int)

	// Fatal is called when a child's exit means the supervisor itself
	// must shut down (ExitFatal).
	Fatal func(err error)

	// Exiting reports whether the supervisor is already shutting down —
	// in that state nothing gets respawned.
	Exiting func() bool
}

// Observe classifies one terminated child and applies the exit policy.
func (r *Reaper) Observe(ev ReapEvent) {
	r.Registry.Remove(ev.ChildID)

	if ev.Role == registry.RoleWatchdog {
		// Abnormal watchdog termination: any exit other than a clean,
		// explicitly-requested stop taints local cleanup state (spec.md
		// §4.4 "Watchdog child terminated abnormally").
		if ev.ExitKind != registry.ExitNoRestart {
			r.Area.SetCleanupRequired(true)
		}
	}

	switch ev.ExitKind {
	case registry.ExitFatal:
		r.Log.Error().Err(ev.Err).Str("role", ev.Role.String()).Msg("lifecycle: child exited fatally, shutting down")
		if r.Fatal != nil {
			r.Fatal(ev.Err)
		}
		return
	case registry.ExitNoRestart:
		r.Log.Info().Str("role", ev.Role.String()).Msg("lifecycle: child exited, not respawning")
		return
	}

	if r.Exiting != nil && r.Exiting() {
		r.Log.Debug().Str("role", ev.Role.String()).Msg("lifecycle: child exited during shutdown, not respawning")
		return
	}
	if r.Area != nil && r.Area.Switching() {
		// A respawn mid-sweep would race the failover engine's restart
		// decisions; the sweep's own restart-scope execution will spawn
		// whatever the new topology needs, so skip the reaper's respawn.
		r.Log.Debug().Str("role", ev.Role.String()).Msg("lifecycle: child exited during a failover sweep, deferring respawn")
		return
	}

	r.Log.Warn().Err(ev.Err).Str("role", ev.Role.String()).Int("index", ev.Index).Msg("lifecycle: child exited, respawning")
	if r.Respawn != nil {
		r.Respawn(ev.Role, ev.Index)
	}
}
