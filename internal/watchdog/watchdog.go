// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package watchdog specifies the interface consumed from the external
// watchdog membership/quorum cluster (spec.md §6.6). The watchdog engine
// itself is out of scope (spec.md §1 Non-goals); this package owns only
// the transport the supervisor reaches it over.
package watchdog

import "context"

// LocalState mirrors the watchdog's {LEADER, STANDBY, ...} node state.
type LocalState int

const (
	StateUnknown LocalState = iota
	StateLeader
	StateStandby
	StateInitializing
)

// QuorumState reports whether the watchdog cluster currently has quorum.
type QuorumState int

const (
	QuorumUnknown QuorumState = iota
	QuorumPresent
	QuorumAbsent
)

// Resource names a lockable cross-peer resource (spec.md §4.7:
// lock_standby(FOLLOW_PRIMARY)).
type Resource string

// FollowPrimary is the one resource this repository locks remotely.
const FollowPrimary Resource = "follow_primary"

// BackendStatusSnapshot is what get_pg_backend_status_from_leader()
// returns: the leader's authoritative view of every backend plus its
// current primary id (spec.md §4.8, §6.6).
type BackendStatusSnapshot struct {
	NodeName      string
	NodeCount     int
	PrimaryNodeID int
	Statuses      []BackendState
}

// BackendState is the leader's per-backend view: just status and
// quarantine, matching what peer sync needs to reconcile (spec.md §4.8).
type BackendState struct {
	Up         bool // false => DOWN; CONNECT_WAIT also reported as !Up upstream-dependent
	Waiting    bool // true => CONNECT_WAIT specifically
	Quarantine bool
}

// Client is the watchdog interface consumed by the supervisor (spec.md
// §6.6). Implementations talk to the external watchdog cluster; this
// repository does not implement the watchdog engine, only this contract
// and one concrete NATS-backed adapter (nats_client.go).
type Client interface {
	FailoverStart(ctx context.Context) error
	FailoverEnd(ctx context.Context) error
	BackendStatusFromLeader(ctx context.Context) (BackendStatusSnapshot, error)
	LocalState(ctx context.Context) (LocalState, error)
	QuorumState(ctx context.Context) (QuorumState, error)
	LockStandby(ctx context.Context, resource Resource) error
	UnlockStandby(ctx context.Context, resource Resource) error
	SetCleanupNeeded(ctx context.Context)
}

// NoopClient is a Client that treats every call as "no watchdog cluster
// configured" — used when the supervisor runs standalone, without peers.
type NoopClient struct{}

func (NoopClient) FailoverStart(context.Context) error { return nil }
func (NoopClient) FailoverEnd(context.Context) error   { return nil }
func (NoopClient) BackendStatusFromLeader(context.Context) (BackendStatusSnapshot, error) {
	return BackendStatusSnapshot{PrimaryNodeID: -1}, nil
}
func (NoopClient) LocalState(context.Context) (LocalState, error) { return StateLeader, nil }
func (NoopClient) QuorumState(context.Context) (QuorumState, error) {
	return QuorumPresent, nil
}
func (NoopClient) LockStandby(context.Context, Resource) error   { return nil }
func (NoopClient) UnlockStandby(context.Context, Resource) error { return nil }
func (NoopClient) SetCleanupNeeded(context.Context)              {}
