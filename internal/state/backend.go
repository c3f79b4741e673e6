// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package state holds the supervisor's shared state area: the fixed-size
// backend array, the request-info fields (switching flag, main and
// primary ids, follow-primary-ongoing flag), the connection-slot map, and
// the user-signal slot array. Queue cursors live in internal/queue and
// the follow-primary lock state in internal/followlock.
//
// In the original process-per-worker design this lived in a single
// sysv/posix shared-memory segment, synchronized by named semaphores —
// see spec.md §4.1 and SPEC_FULL.md §9. Here every child is a goroutine in
// the same address space, so the segment collapses to a plain struct
// guarded by mutexes; no runtime allocation still applies in spirit (the
// backend array is sized once, at NewArea, and never grows).
package state

import "time"

// BackendStatus mirrors spec.md §3: UNUSED, CONNECT_WAIT, UP, DOWN.
type BackendStatus int

const (
	StatusUnused BackendStatus = iota
	StatusConnectWait
	StatusUp
	StatusDown
)

func (s BackendStatus) String() string {
	switch s {
	case StatusUnused:
		return "unused"
	case StatusConnectWait:
		return "waiting"
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// BackendRole is PRIMARY or STANDBY.
type BackendRole int

const (
	RolePrimary BackendRole = iota
	RoleStandby
)

func (r BackendRole) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "standby"
}

// BackendFlags are immutable per-backend configuration bits (spec.md §3:
// "immutable after config load except role").
type BackendFlags struct {
	AlwaysPrimary bool // config override: this node is always treated as primary
	DisallowToFailover bool
}

// BackendEntry is one configured backend. Fixed-size array, indexed by
// backend id — never resized at runtime.
type BackendEntry struct {
	Host    string
	Port    int
	DataDir string
	Flags   BackendFlags

	status          BackendStatus
	role            BackendRole
	quarantine      bool
	statusChangedAt time.Time
}

// Snapshot is a read-only copy of a BackendEntry's mutable fields, safe to
// pass across goroutine boundaries without holding the Area lock.
type Snapshot struct {
	ID              int
	Host            string
	Port            int
	DataDir         string
	Flags           BackendFlags
	Status          BackendStatus
	Role            BackendRole
	Quarantine      bool
	StatusChangedAt time.Time
}

// IsValid reports whether the backend can be routed to: UP or
// CONNECT_WAIT, not quarantined. This is the "VALID" predicate of
// spec.md §4.5/§4.6.
func (s Snapshot) IsValid() bool {
	return !s.Quarantine && (s.Status == StatusUp || s.Status == StatusConnectWait)
}

// IsValidRaw is the "VALID_RAW" predicate used in raw (non-streaming)
// mode, where CONNECT_WAIT is not itself routable — only UP counts.
func (s Snapshot) IsValidRaw() bool {
	return !s.Quarantine && s.Status == StatusUp
}
