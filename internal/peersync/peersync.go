// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package peersync implements the standby-coordinator catch-up of
// spec.md §4.8: pulling the authoritative backend-status vector and
// primary id from the watchdog cluster's leader and reconciling local
// state to match, with the minimum restart scope the change warrants.
package peersync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/metrics"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

// RestartScope mirrors the failover engine's restart-scope vocabulary
// (spec.md §4.5), reused here because peer sync makes the same kind of
// decision (spec.md §4.8).
type RestartScope int

const (
	RestartNone RestartScope = iota
	RestartPartial
	RestartFull
)

func (s RestartScope) String() string {
	switch s {
	case RestartFull:
		return "full"
	case RestartPartial:
		return "partial"
	default:
		return "none"
	}
}

// Result is what one Reconcile call produced, for the caller to act on
// (signal the worker singleton, spawn missing health checks, restart the
// children named in DownList if RestartPartial).
type Result struct {
	Scope    RestartScope
	DownList []int
}

// MainNodeFinder recomputes main_node_id, the same predicate the failover
// engine uses (spec.md §4.5 "Determining new main node").
type MainNodeFinder func(area *state.Area) int32

// Reconcile pulls leader, diffs it against area's current backend
// statuses, mutates area to match, and reports the restart scope the
// change warrants. streamingMode controls whether any primary change at
// all forces a full restart versus degrading gracefully outside
// streaming replication (spec.md §4.8: "if primary changed or not in
// streaming mode, full restart").
func Reconcile(ctx context.Context, area *state.Area, leader watchdog.BackendStatusSnapshot, streamingMode bool, findMain MainNodeFinder, log zerolog.Logger) Result {
	var downList []int
	primaryChanged := false

	numBackends := area.NumBackends()
	for id := 0; id < numBackends && id < len(leader.Statuses); id++ {
		snap, ok := area.Snapshot(id)
		if !ok {
			continue
		}
		leaderState := leader.Statuses[id]

		area.SetQuarantine(id, false)

		leaderDown := !leaderState.Up && !leaderState.Waiting
		if leaderDown && snap.Status != state.StatusDown {
			area.SetStatus(id, state.StatusDown)
			downList = append(downList, id)
			continue
		}
		if !leaderDown && snap.Status == state.StatusDown {
			area.SetStatus(id, state.StatusConnectWait)
		}
	}

	localPrimary := area.PrimaryNodeID()
	if leader.PrimaryNodeID != int(localPrimary) {
		// "leader's primary is not -1-masked by a local CON_DOWN": if
		// the leader's candidate primary is locally DOWN because of a
		// connectivity problem peer sync itself just introduced above,
		// still adopt it — the local DOWN mark is about routing, not
		// about whether the leader's view of primary-ness is trusted.
		area.SetPrimaryNodeID(int32(leader.PrimaryNodeID))
		primaryChanged = true
	}

	if newMain := findMain(area); newMain != area.MainNodeID() {
		area.SetMainNodeID(newMain)
	}

	scope := RestartNone
	switch {
	case primaryChanged || !streamingMode:
		scope = RestartFull
	case len(downList) > 0:
		scope = RestartPartial
	}

	metrics.PeerSyncTotal.WithLabelValues(scope.String()).Inc()
	log.Info().
		Str("restart_scope", scope.String()).
		Ints("down_list", downList).
		Bool("primary_changed", primaryChanged).
		Msg("peersync: reconciled against leader")

	return Result{Scope: scope, DownList: downList}
}
