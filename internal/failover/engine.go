// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package failover implements the supervisor's failover/failback/promote
// state machine: spec.md §4.5, the single module this rewrite commits to
// changing nothing about except its substrate (goroutines, not
// processes) — see SPEC_FULL.md §4.5.
package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/audit"
	"github.com/pgpool-go/supervisor/internal/command"
	"github.com/pgpool-go/supervisor/internal/discovery"
	"github.com/pgpool-go/supervisor/internal/followlock"
	"github.com/pgpool-go/supervisor/internal/metrics"
	"github.com/pgpool-go/supervisor/internal/queue"
	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/statusfile"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

// RestartScope is the restart-disruption-minimizing decision of spec.md
// §4.5 ("the crux of minimizing client-visible disruption").
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

// Hooks are the side effects the engine triggers but does not itself
// implement — the pre-forked worker pool, the PCP worker, and the
// follow-primary child are external collaborators (spec.md §1).
type Hooks struct {
	// RestartAllWorkers signals every worker (SIGQUIT-equivalent) and
	// re-spawns them immediately, per spec.md §4.5's full-restart path.
	RestartAllWorkers func(ctx context.Context)

	// RestartWorkers cooperatively marks only the given children
	// need_to_restart=1 (spec.md §4.5 partial restart).
	RestartWorkers func(ctx context.Context, children []registry.ChildID)

	// SignalWorkerSingleton forces the worker-singleton to re-evaluate
	// (spec.md §4.5: "Send SIGUSR1 to the worker-singleton").
	SignalWorkerSingleton func()

	// SpawnMissingHealthChecks starts a health-check child for any
	// backend that does not already have one (spec.md §4.5, NODE_UP).
	SpawnMissingHealthChecks func(ctx context.Context)

	// SpawnFollowChild starts the follow-primary child (spec.md §4.7).
	SpawnFollowChild func(ctx context.Context, oldMain, newPrimary, oldPrimary int)

	// RestartPCP SIGUSR1s, waits for, and re-forks the PCP worker after
	// a topology-changing sweep (spec.md §4.5).
	RestartPCP func(ctx context.Context)

	// CloseIdleConnections services a CLOSE_IDLE request.
	CloseIdleConnections func(ctx context.Context, targets []int)
}

// Config are the engine's operational parameters, loaded from
// internal/config.
type Config struct {
	StreamingMode        bool // false = raw mode (spec.md §4.5 "raw mode")
	DetachFalsePrimary   bool
	FailoverCommand      string
	FailbackCommand      string
	FollowPrimaryCommand string
	StatusFilePath       string
	SearchPrimaryTimeout time.Duration
}

// Engine drains the request queue under the exclusive switching flag,
// exactly as spec.md §4.3/§4.5 describe.
type Engine struct {
	Area       *state.Area
	Queue      *queue.Queue
	Registry   *registry.Registry
	Discoverer *discovery.Discoverer
	Lock       *followlock.Lock
	Watchdog   watchdog.Client
	Journal    *audit.Journal // optional; nil disables the audit trail
	Hooks      Hooks
	Config     Config
	Log        zerolog.Logger

	// Backends returns the current probe-eligible backend list, built
	// fresh from Area on every discovery call.
	Backends func() []discovery.Backend
}

// Enqueue implements the "who calls the failover engine" half of
// spec.md §4.3: if no sweep is running, it drains inline on the calling
// goroutine, whichever goroutine that is; otherwise it just enqueues and
// counts on the already-running Drain to pick it up.
func (e *Engine) Enqueue(ctx context.Context, kind queue.Kind, ids []int, flags queue.Flags) error {
	if err := e.Queue.Enqueue(kind, ids, flags); err != nil {
		metrics.QueueFullTotal.Inc()
		return err
	}
	metrics.QueueDepth.Set(float64(e.Queue.Len()))
	if !e.Area.Switching() {
		e.Drain(ctx)
	}
	return nil
}

// Drain CASes switching false->true and processes every queued request
// until the queue is observed empty with switching successfully reset
// (spec.md §4.3/§4.5). Returns immediately, doing nothing, if a sweep is
// already in progress.
func (e *Engine) Drain(ctx context.Context) {
	if !e.Area.TryBeginSwitching() {
		return
	}

	if err := e.Watchdog.FailoverStart(ctx); err != nil {
		e.Log.Warn().Err(err).Msg("failover: watchdog FailoverStart failed, continuing locally")
	}

	syncRequired := false
	topologyChanged := false

	for {
		entry, ok := e.Queue.Dequeue()
		if !ok {
			e.Area.EndSwitching()
			metrics.QueueDepth.Set(0)
			// Re-check for a race: a request enqueued between the
			// failed Dequeue and EndSwitching above.
			if e.Queue.Empty() {
				break
			}
			if !e.Area.TryBeginSwitching() {
				break
			}
			continue
		}

		changedSync, changedTopology := e.handleOne(ctx, entry)
		syncRequired = syncRequired || changedSync
		topologyChanged = topologyChanged || changedTopology
	}

	metrics.FailoverSweepsTotal.Inc()

	if syncRequired {
		if err := e.Watchdog.FailoverEnd(ctx); err != nil {
			e.Log.Warn().Err(err).Msg("failover: watchdog FailoverEnd failed")
		}
	}

	if topologyChanged && e.Hooks.RestartPCP != nil {
		e.Hooks.RestartPCP(ctx)
	}
}

// handleOne processes one dequeued request. A panic here is recovered
// and logged rather than propagated — "one bad request never kills the
// supervisor" (spec.md §7) — and treated as if the request changed
// nothing.
func (e *Engine) handleOne(ctx context.Context, entry queue.Entry) (syncRequired, topologyChanged bool) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error().Interface("panic", r).Str("kind", entry.Kind.String()).Msg("failover: recovered panic handling request")
		}
	}()

	metrics.FailoverRequestsTotal.WithLabelValues(entry.Kind.String()).Inc()

	switch entry.Kind {
	case queue.NodeUp:
		return e.handleNodeUp(ctx, entry)
	case queue.NodeDown, queue.NodeQuarantine:
		return e.handleNodeDown(ctx, entry)
	case queue.Promote:
		return e.handlePromote(ctx, entry)
	case queue.CloseIdle:
		if e.Hooks.CloseIdleConnections != nil {
			e.Hooks.CloseIdleConnections(ctx, entry.NodeIDs)
		}
		return false, false
	default:
		return false, false
	}
}

func (e *Engine) handleNodeUp(ctx context.Context, entry queue.Entry) (syncRequired, topologyChanged bool) {
	for _, id := range entry.NodeIDs {
		snap, ok := e.Area.Snapshot(id)
		if !ok {
			e.Log.Warn().Int("id", id).Msg("failover: NODE_UP rejected, id out of range")
			continue
		}
		if e.Config.StreamingMode && snap.IsValid() {
			e.Log.Warn().Int("id", id).Msg("failover: NODE_UP rejected, node already valid")
			continue
		}
		if !e.Config.StreamingMode && snap.Status != state.StatusDown {
			e.Log.Warn().Int("id", id).Msg("failover: NODE_UP rejected in raw mode, node not DOWN")
			continue
		}

		wasAllDown := e.allDown()

		if entry.Flags.Has(queue.FlagUpdateOnly) {
			// Post-quarantine resynthesis: clear quarantine, recompute
			// main, and — if this node was the primary and there is
			// currently no primary — restore it (spec.md §4.5).
			e.Area.SetQuarantine(id, false)
			e.recomputeMainNode()
			if snap.Role == state.RolePrimary && e.Area.PrimaryNodeID() == state.PrimaryNone {
				e.Area.SetPrimaryNodeID(int32(id))
			}
		} else {
			e.Area.SetStatus(id, state.StatusConnectWait)
			e.persistStatus()
			if err := command.Run(ctx, e.expandFailback(id)); err != nil {
				e.Log.Warn().Err(err).Int("id", id).Msg("failover: failback command failed")
			}
		}

		scope := e.decideFailbackRestartScope(snap, wasAllDown)
		e.execute(ctx, scope, []int{id})
		if scope != RestartNone {
			topologyChanged = true
		}

		if e.Hooks.SpawnMissingHealthChecks != nil {
			e.Hooks.SpawnMissingHealthChecks(ctx)
		}
	}
	return syncRequired, topologyChanged
}

func (e *Engine) decideFailbackRestartScope(before state.Snapshot, wasAllDown bool) RestartScope {
	if e.Config.StreamingMode && before.Role != state.RolePrimary && !wasAllDown {
		// spec.md §4.5: failback of a non-primary while not all
		// backends were down — existing sessions keep their routing.
		return RestartNone
	}
	return RestartFull
}

func (e *Engine) handleNodeDown(ctx context.Context, entry queue.Entry) (syncRequired, topologyChanged bool) {
	isQuarantine := entry.Kind == queue.NodeQuarantine

	var changedIDs []int
	oldPrimary := e.Area.PrimaryNodeID()
	downedOldPrimary := false

	for _, id := range entry.NodeIDs {
		snap, ok := e.Area.Snapshot(id)
		if !ok {
			continue
		}
		valid := snap.IsValid()
		if !e.Config.StreamingMode {
			valid = snap.IsValidRaw()
		}
		if !valid && !snap.Quarantine {
			continue
		}

		e.Area.SetStatus(id, state.StatusDown)
		changedIDs = append(changedIDs, id)
		if isQuarantine {
			e.Area.SetQuarantine(id, true)
		}
		if int32(id) == e.Area.PrimaryNodeID() {
			downedOldPrimary = true
			oldPrimary = int32(id)
		}
	}

	if len(changedIDs) == 0 {
		return false, false
	}

	if !isQuarantine {
		e.persistStatus()
	}

	oldMain := e.Area.MainNodeID()
	newPrimary := e.determineNewPrimary(ctx, downedOldPrimary, oldPrimary, isQuarantine)
	e.Area.SetPrimaryNodeID(newPrimary)
	e.recomputeMainNode()

	scope := e.decideDownRestartScope(entry, changedIDs)
	e.execute(ctx, scope, changedIDs)
	topologyChanged = true

	followTriggered := e.maybeFollowPrimary(ctx, downedOldPrimary, oldPrimary, oldMain, newPrimary, false)
	syncRequired = followTriggered || isQuarantine

	return syncRequired, topologyChanged
}

func (e *Engine) decideDownRestartScope(entry queue.Entry, changedIDs []int) RestartScope {
	if e.Config.StreamingMode && entry.Flags.Has(queue.FlagSwitchover) && len(changedIDs) == 1 {
		snap, ok := e.Area.Snapshot(changedIDs[0])
		if ok && snap.Role != state.RolePrimary {
			return RestartPartial
		}
	}
	return RestartFull
}

func (e *Engine) handlePromote(ctx context.Context, entry queue.Entry) (syncRequired, topologyChanged bool) {
	if len(entry.NodeIDs) == 0 {
		return false, false
	}
	target := entry.NodeIDs[0]
	snap, ok := e.Area.Snapshot(target)
	if !ok || !snap.IsValid() {
		e.Log.Warn().Int("id", target).Msg("failover: PROMOTE rejected, target not VALID")
		return false, false
	}

	oldMain := e.Area.MainNodeID()
	oldPrimary := e.Area.PrimaryNodeID()
	e.Area.SetPrimaryNodeID(int32(target))
	e.recomputeMainNode()

	e.execute(ctx, RestartFull, []int{target})
	topologyChanged = true

	followTriggered := e.maybeFollowPrimary(ctx, false, oldPrimary, oldMain, int32(target), true)
	return followTriggered, topologyChanged
}

// determineNewPrimary implements spec.md §4.5 "Determining new primary".
func (e *Engine) determineNewPrimary(ctx context.Context, downedOldPrimary bool, oldPrimary int32, isQuarantine bool) int32 {
	if isQuarantine && downedOldPrimary {
		// Quarantine of the current primary: no primary for now;
		// role is preserved on the entry so un-quarantine can restore it.
		return state.PrimaryNone
	}
	if e.Config.StreamingMode && !downedOldPrimary && e.Area.PrimaryNodeID() >= 0 {
		// Standby-only DOWN with a valid current primary: keep it,
		// avoiding an expensive rediscovery.
		return e.Area.PrimaryNodeID()
	}

	// Discovery and a running follow-primary command must never probe and
	// reconfigure standbys concurrently (spec.md §4.6/§5(iii)). The
	// FollowPrimaryOngoing check alone races follow.Run: the flag isn't
	// set until after the lock is acquired, so a discovery call arriving
	// in that window would see it unset and proceed anyway. Checking the
	// flag first avoids blocking needlessly once a follow run is visibly
	// in progress; acquiring the lock itself closes the race for the
	// window before the flag is set, since follow.Run holds the same
	// lock from before it sets the flag until after it clears it.
	if e.Area.FollowPrimaryOngoing() {
		return e.Area.PrimaryNodeID()
	}
	if e.Lock != nil {
		if err := e.Lock.AcquireLocalBlocking(ctx); err != nil {
			e.Log.Warn().Err(err).Msg("failover: acquiring follow-primary lock for discovery")
			return e.Area.PrimaryNodeID()
		}
		defer e.Lock.ReleaseLocal()
	}

	backends := e.Backends()
	primary, invalid, err := e.Discoverer.FindPrimaryNodeRepeatedly(
		ctx, backends, e.Config.DetachFalsePrimary,
		e.Area.FollowPrimaryOngoing, func() int { return int(e.Area.PrimaryNodeID()) },
		e.Config.SearchPrimaryTimeout,
	)
	if err != nil {
		e.Log.Warn().Err(err).Msg("failover: primary discovery failed")
	}
	for _, id := range invalid {
		// Leave INVALID primaries alone per spec.md §4.6 when detach is
		// off; when detach is on, the caller already asked for a
		// degenerate request — approximate that here by queuing one.
		if e.Config.DetachFalsePrimary {
			_ = e.Queue.Enqueue(queue.NodeDown, []int{id}, 0)
		}
	}
	return int32(primary)
}

// maybeFollowPrimary implements spec.md §4.7's trigger condition and, if
// met, the "mark every other backend DOWN, persist, fork Follow" step.
func (e *Engine) maybeFollowPrimary(ctx context.Context, downedOldPrimary bool, oldPrimary int32, oldMain, newPrimary int32, isPromote bool) bool {
	if e.Config.FollowPrimaryCommand == "" {
		return false
	}
	oldPrimaryAbsentNowDiscovered := oldPrimary == state.PrimaryNone && newPrimary >= 0
	if !downedOldPrimary && !oldPrimaryAbsentNowDiscovered && !isPromote {
		return false
	}

	for _, snap := range e.Area.All() {
		if int32(snap.ID) == newPrimary {
			continue
		}
		e.Area.SetStatus(snap.ID, state.StatusDown)
	}
	e.persistStatus()
	e.recomputeMainNode()

	if e.Hooks.SpawnFollowChild != nil {
		e.Hooks.SpawnFollowChild(ctx, int(oldMain), int(newPrimary), int(oldPrimary))
	}
	return true
}

// recomputeMainNode implements spec.md §4.5 "Determining new main node":
// scan for the first entry passing the mode-appropriate validity
// predicate; -1 if none. Per the Open Question in spec.md §9, this can
// momentarily select a backend that a later discovery step invalidates —
// that is accepted, lazy-convergence behavior, not a bug.
func (e *Engine) recomputeMainNode() {
	e.Area.SetMainNodeID(e.findMainNode())
}

func (e *Engine) findMainNode() int32 {
	return FindMainNode(e.Area, e.Config.StreamingMode)
}

// FindMainNode implements spec.md §4.5 "Determining new main node" as a
// standalone function so callers outside the engine — main.go's initial
// bootstrap, internal/peersync's MainNodeFinder — can share the exact
// same predicate instead of duplicating it.
func FindMainNode(area *state.Area, streamingMode bool) int32 {
	for _, snap := range area.All() {
		valid := snap.IsValid()
		if !streamingMode {
			valid = snap.IsValidRaw()
		}
		if valid {
			return int32(snap.ID)
		}
	}
	return -1
}

func (e *Engine) allDown() bool {
	for _, snap := range e.Area.All() {
		if snap.Status != state.StatusDown {
			return false
		}
	}
	return true
}

// execute carries out the restart-scope decision (spec.md §4.5 "Restart
// execution") and records an audit event.
func (e *Engine) execute(ctx context.Context, scope RestartScope, targets []int) {
	metrics.RestartScopeTotal.WithLabelValues(scope.String()).Inc()

	switch scope {
	case RestartFull:
		if e.Registry != nil {
			e.Registry.RequestRestartAll(registry.RoleWorker)
		}
		if e.Hooks.RestartAllWorkers != nil {
			e.Hooks.RestartAllWorkers(ctx)
		}
	case RestartPartial:
		var children []registry.ChildID
		for _, id := range targets {
			for _, c := range e.Area.ChildrenBoundTo(id) {
				children = append(children, c)
			}
		}
		for _, c := range children {
			if rec, ok := e.Registry.Get(c); ok {
				rec.RequestRestart()
			}
		}
		if e.Hooks.RestartWorkers != nil {
			e.Hooks.RestartWorkers(ctx, children)
		}
	}

	if scope != RestartNone && e.Hooks.SignalWorkerSingleton != nil {
		e.Hooks.SignalWorkerSingleton()
	}

	if e.Journal != nil {
		_ = e.Journal.Append(audit.Event{
			Kind:         fmt.Sprintf("restart_%s", scope),
			Targets:      targets,
			NewMainID:    e.Area.MainNodeID(),
			NewPrimaryID: e.Area.PrimaryNodeID(),
			RestartScope: scope.String(),
		})
	}
}

func (e *Engine) persistStatus() {
	if e.Config.StatusFilePath == "" {
		return
	}
	if err := statusfile.Write(e.Config.StatusFilePath, e.Area.AllStatuses()); err != nil {
		metrics.StatusFileWriteErrors.Inc()
		e.Log.Error().Err(err).Msg("failover: status file write failed")
		return
	}
	metrics.StatusFileWrites.Inc()
}

func (e *Engine) expandFailback(id int) string {
	snap, _ := e.Area.Snapshot(id)
	return command.Expand(e.Config.FailbackCommand, command.TemplateVars{
		FailedID: id, FailedHost: snap.Host, FailedPort: snap.Port, FailedDataDir: snap.DataDir,
		NewMainID: int(e.Area.MainNodeID()), OldMainID: int(e.Area.MainNodeID()),
		OldPrimaryID: int(e.Area.PrimaryNodeID()),
	}, e.Log)
}
