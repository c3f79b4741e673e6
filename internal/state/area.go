// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgpool-go/supervisor/internal/registry"
)

// MaxBackends bounds the fixed-size backend array, mirroring
// MAX_NUM_BACKENDS in the original implementation.
const MaxBackends = 128

// Sentinel values for RequestInfo.PrimaryNodeID (spec.md §3).
const (
	PrimaryUndiscovered int32 = -2
	PrimaryNone         int32 = -1
)

// SignalReason indexes the user-signal slot array (spec.md §6).
type SignalReason int

const (
	SignalFailover SignalReason = iota
	SignalWDStateChanged
	SignalBackendSyncRequired
	SignalWDQuorumChanged
	SignalInformQuarantineNodes
	signalReasonCount
)

// ConnectionSlot records which backend a pooled connection currently
// targets, mirroring the 3-D connection_info array of spec.md §3 —
// collapsed here to a map keyed by (child, pool slot) since children are
// goroutines, not fixed-index OS processes.
type ConnectionSlot struct {
	Connected         bool
	LoadBalancingNode int
}

// Area is the supervisor's entire shared state: the backend array, the
// request-info block, the connection-slot map, and the user-signal slots.
// It replaces the POSIX/SysV shared-memory segment of the original design
// (spec.md §4.1) with a single mutex-guarded struct — see SPEC_FULL.md §9.
type Area struct {
	mu       sync.RWMutex
	backends []backendSlot

	// RequestInfo fields.
	riMu            sync.Mutex
	switching       atomic.Bool
	mainNodeID      int32
	primaryNodeID   int32
	followPrimaryOn atomic.Bool

	connMu sync.RWMutex
	conns  map[registry.ChildID]map[int]ConnectionSlot

	userSlots [signalReasonCount]atomic.Bool

	cleanupRequired atomic.Bool
}

type backendSlot struct {
	entry BackendEntry
	id    int
}

// NewArea allocates an Area sized for numBackends entries, all UNUSED,
// and primary-undiscovered. This is the one-time "allocation" step of
// spec.md §4.1 — the slice is never grown after this call.
func NewArea(numBackends int) *Area {
	if numBackends <= 0 || numBackends > MaxBackends {
		numBackends = MaxBackends
	}
	a := &Area{
		backends:      make([]backendSlot, numBackends),
		mainNodeID:    -1,
		primaryNodeID: PrimaryUndiscovered,
		conns:         make(map[registry.ChildID]map[int]ConnectionSlot),
	}
	for i := range a.backends {
		a.backends[i].id = i
		a.backends[i].entry.status = StatusUnused
	}
	return a
}

// NumBackends returns the fixed backend count.
func (a *Area) NumBackends() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.backends)
}

// Configure sets the immutable fields of backend id (host/port/data
// dir/flags) at load time. Not called again after startup.
func (a *Area) Configure(id int, host string, port int, dataDir string, flags BackendFlags, role BackendRole) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.backends) {
		return
	}
	e := &a.backends[id].entry
	e.Host, e.Port, e.DataDir, e.Flags, e.role = host, port, dataDir, flags, role
	e.status = StatusConnectWait
}

// Snapshot returns a copy of backend id's current state.
func (a *Area) Snapshot(id int) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id < 0 || id >= len(a.backends) {
		return Snapshot{}, false
	}
	return a.snapshotLocked(id), true
}

func (a *Area) snapshotLocked(id int) Snapshot {
	e := a.backends[id].entry
	return Snapshot{
		ID: id, Host: e.Host, Port: e.Port, DataDir: e.DataDir, Flags: e.Flags,
		Status: e.status, Role: e.role, Quarantine: e.quarantine,
		StatusChangedAt: e.statusChangedAt,
	}
}

// All returns a snapshot of every configured (non-UNUSED) backend, in id order.
func (a *Area) All() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Snapshot, 0, len(a.backends))
	for i := range a.backends {
		if a.backends[i].entry.status == StatusUnused {
			continue
		}
		out = append(out, a.snapshotLocked(i))
	}
	return out
}

// AllStatuses returns every slot's status in id order, including UNUSED
// slots — this is what the status file persists (spec.md §4.2).
func (a *Area) AllStatuses() []BackendStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]BackendStatus, len(a.backends))
	for i := range a.backends {
		out[i] = a.backends[i].entry.status
	}
	return out
}

// SetStatuses restores backend statuses, e.g. from the status file at
// startup recovery.
func (a *Area) SetStatuses(statuses []BackendStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.backends {
		if i < len(statuses) {
			a.backends[i].entry.status = statuses[i]
		}
	}
}

// SetStatus mutates one backend's status and bumps its change timestamp.
// Called only by the failover engine, under its own external ordering
// guarantee (spec.md §5(i): exactly one sweep at a time).
func (a *Area) SetStatus(id int, status BackendStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.backends) {
		return
	}
	a.backends[id].entry.status = status
	a.backends[id].entry.statusChangedAt = time.Now()
}

// SetQuarantine sets or clears the quarantine bit on a backend.
func (a *Area) SetQuarantine(id int, q bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.backends) {
		return
	}
	a.backends[id].entry.quarantine = q
}

// SetRole mutates the role tag — the only field besides status/quarantine
// mutable after config load (spec.md §3).
func (a *Area) SetRole(id int, role BackendRole) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.backends) {
		return
	}
	a.backends[id].entry.role = role
}

// --- RequestInfo accessors ---

// Switching reports the current switching flag value.
func (a *Area) Switching() bool { return a.switching.Load() }

// TryBeginSwitching CASes Switching false->true; returns false if a sweep
// is already in progress (spec.md §5(i)/(ii)).
func (a *Area) TryBeginSwitching() bool {
	return a.switching.CompareAndSwap(false, true)
}

// EndSwitching stores Switching=false unconditionally. It takes no queue
// lock; the caller re-checks the queue afterwards so that a concurrent
// Enqueue cannot be stranded by a final drain (spec.md §4.3).
func (a *Area) EndSwitching() { a.switching.Store(false) }

// MainNodeID / SetMainNodeID manage RequestInfo.main_node_id.
func (a *Area) MainNodeID() int32 {
	a.riMu.Lock()
	defer a.riMu.Unlock()
	return a.mainNodeID
}

func (a *Area) SetMainNodeID(id int32) {
	a.riMu.Lock()
	defer a.riMu.Unlock()
	a.mainNodeID = id
}

// PrimaryNodeID / SetPrimaryNodeID manage RequestInfo.primary_node_id.
func (a *Area) PrimaryNodeID() int32 {
	a.riMu.Lock()
	defer a.riMu.Unlock()
	return a.primaryNodeID
}

func (a *Area) SetPrimaryNodeID(id int32) {
	a.riMu.Lock()
	defer a.riMu.Unlock()
	a.primaryNodeID = id
}

// FollowPrimaryOngoing / SetFollowPrimaryOngoing gate primary rediscovery
// during an active follow-primary run (spec.md §4.6, §4.7).
func (a *Area) FollowPrimaryOngoing() bool          { return a.followPrimaryOn.Load() }
func (a *Area) SetFollowPrimaryOngoing(ongoing bool) { a.followPrimaryOn.Store(ongoing) }

// CleanupRequired / SetCleanupRequired track the "watchdog terminated
// abnormally" flag of spec.md §4.4.
func (a *Area) CleanupRequired() bool       { return a.cleanupRequired.Load() }
func (a *Area) SetCleanupRequired(v bool)   { a.cleanupRequired.Store(v) }

// --- Connection-slot accessors ---

// SetConnectionSlot records which backend child/slot currently targets.
func (a *Area) SetConnectionSlot(child registry.ChildID, slot int, cs ConnectionSlot) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	m, ok := a.conns[child]
	if !ok {
		m = make(map[int]ConnectionSlot)
		a.conns[child] = m
	}
	m[slot] = cs
}

// ClearChild removes all connection-slot bookkeeping for a child that has
// exited, so stale entries never influence a later partial-restart scan.
func (a *Area) ClearChild(child registry.ChildID) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	delete(a.conns, child)
}

// ChildrenBoundTo returns the set of children holding an active pool slot
// whose load-balancing target equals backendID — the read-only query the
// partial-restart decision uses (spec.md §4.5).
func (a *Area) ChildrenBoundTo(backendID int) []registry.ChildID {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	var out []registry.ChildID
	for child, slots := range a.conns {
		for _, cs := range slots {
			if cs.Connected && cs.LoadBalancingNode == backendID {
				out = append(out, child)
				break
			}
		}
	}
	return out
}

// --- User-signal slot accessors ---

// RaiseSignal sets a user-signal slot (spec.md §6): a child sets a reason
// flag then asks the lifecycle manager to wake up.
func (a *Area) RaiseSignal(reason SignalReason) {
	a.userSlots[reason].Store(true)
}

// DrainSignal reports and clears one signal reason, in the fixed priority
// order the lifecycle manager drains them.
func (a *Area) DrainSignal(reason SignalReason) bool {
	return a.userSlots[reason].CompareAndSwap(true, false)
}
