// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package registry tracks the supervisor's children: their role, start
// time, and the cooperative restart hint bit they consult at their next
// idle point (spec.md §3 ChildRecord, §4.4 fork discipline).
//
// Children are no longer separate OS processes (see SPEC_FULL.md §9): each
// is a suture.Service added to a layer of the supervisor tree
// (internal/supervisor). ChildID is an opaque registry counter, not the
// service's suture token, so the rest of the codebase never has to
// import thejerf/suture directly.
package registry

import (
	"sync"
	"time"
)

// Role tags what kind of child a record describes, mirroring the process
// roles of the original design: CHILD worker, PCP, WORKER-singleton,
// HEALTH_CHECK[i], FOLLOW, WATCHDOG, WD_LIFECHECK, LOGGER.
type Role int

const (
	RoleWorker Role = iota
	RolePCP
	RoleWorkerSingleton
	RoleHealthCheck
	RoleFollow
	RoleWatchdog
	RoleWDLifecheck
	RoleLogger
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RolePCP:
		return "pcp"
	case RoleWorkerSingleton:
		return "worker-singleton"
	case RoleHealthCheck:
		return "health-check"
	case RoleFollow:
		return "follow"
	case RoleWatchdog:
		return "watchdog"
	case RoleWDLifecheck:
		return "wd-lifecheck"
	case RoleLogger:
		return "logger"
	default:
		return "unknown"
	}
}

// ExitKind classifies how a child terminated, driving the reaper's
// respawn policy (spec.md §4.4, §6 "Exit codes from children").
type ExitKind int

const (
	// ExitNormal covers any termination the reaper should respawn from,
	// unless the supervisor itself is exiting or switching.
	ExitNormal ExitKind = iota
	// ExitFatal means the supervisor itself must shut down.
	ExitFatal
	// ExitNoRestart means do not respawn this child.
	ExitNoRestart
)

// ChildID identifies one registered child. Backed by an opaque counter
// rather than the suture.ServiceToken type directly, so registry stays
// importable from packages (like state) that must not depend on
// internal/supervisor.
type ChildID uint64

// Record is one child's bookkeeping entry.
type Record struct {
	ID            ChildID
	Role          Role
	Index         int // e.g. health-check[i]; 0 for singleton roles
	StartedAt     time.Time
	needRestart   bool
	mu            sync.Mutex
}

// NeedsRestart reports the cooperative restart hint bit.
func (r *Record) NeedsRestart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needRestart
}

// RequestRestart sets the hint bit; the child consults it at its next
// idle point (spec.md §3: "single-writer, single-reader per slot").
func (r *Record) RequestRestart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needRestart = true
}

// ClearRestart clears the hint bit once the child has acted on it.
func (r *Record) ClearRestart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needRestart = false
}

// Registry is the supervisor's child table.
type Registry struct {
	mu      sync.RWMutex
	next    ChildID
	records map[ChildID]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[ChildID]*Record)}
}

// Add registers a newly forked (spawned) child and returns its Record.
func (r *Registry) Add(role Role, index int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	rec := &Record{ID: r.next, Role: role, Index: index, StartedAt: time.Now()}
	r.records[rec.ID] = rec
	return rec
}

// Remove drops a child's record once the reaper has observed its exit.
func (r *Registry) Remove(id ChildID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Get returns a child's record, if still tracked.
func (r *Registry) Get(id ChildID) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// ByRole returns every currently tracked child with the given role, in no
// particular order.
func (r *Registry) ByRole(role Role) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	return out
}

// All returns every tracked child.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// RequestRestartAll sets the restart hint on every worker record —
// "full restart" scope in the failover engine reaches for this instead
// of an individual RequestRestart.
func (r *Registry) RequestRestartAll(role Role) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Role == role {
			rec.RequestRestart()
		}
	}
}
