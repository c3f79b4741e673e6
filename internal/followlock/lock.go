// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package followlock implements the follow-primary advisory lock of
// spec.md §4.7: a local/remote mutex with a pending-transfer state, so
// that primary re-discovery and a running follow-primary command never
// execute concurrently.
package followlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the tagged variant from SPEC_FULL.md §9 / spec.md Design Notes.
type State int

const (
	// Free: count=0.
	Free State = iota
	// HeldLocal: count=1, held_remotely=false.
	HeldLocal
	// HeldRemote: count=1, held_remotely=true.
	HeldRemote
	// HeldLocalRemotePending: locally held but a remote acquire is
	// waiting to take over on release.
	HeldLocalRemotePending
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case HeldLocal:
		return "held_local"
	case HeldRemote:
		return "held_remote"
	case HeldLocalRemotePending:
		return "held_local_remote_pending"
	default:
		return "unknown"
	}
}

// ErrAlreadyHeld is returned by non-blocking local acquires and by remote
// acquires when the lock is already held by anyone.
var ErrAlreadyHeld = errors.New("followlock: already held")

// PollInterval is the spin-sleep interval used by blocking local acquire
// (spec.md §4.7: "spin-sleep 1s until free").
const PollInterval = time.Second

// Lock is the follow-primary mutex. Zero value is Free and ready to use.
type Lock struct {
	mu    sync.Mutex
	state State
}

// State returns the current tagged state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AcquireLocalBlocking spin-sleeps (1s poll, per spec.md §4.7) until the
// lock is Free, then takes it as HeldLocal. Returns early with ctx.Err()
// if ctx is canceled while waiting.
func (l *Lock) AcquireLocalBlocking(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.state == Free {
			l.state = HeldLocal
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// AcquireLocalNonBlocking fails immediately if the lock is already held
// by anyone (count>0), per spec.md §4.7.
func (l *Lock) AcquireLocalNonBlocking() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Free {
		return ErrAlreadyHeld
	}
	l.state = HeldLocal
	return nil
}

// AcquireRemote fails immediately if already held; if held locally, it
// marks the pending-transfer bit and still reports failure — the caller
// is expected to know the lock will transfer to it on local release
// (spec.md §4.7).
func (l *Lock) AcquireRemote() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Free:
		l.state = HeldRemote
		return nil
	case HeldLocal:
		l.state = HeldLocalRemotePending
		return ErrAlreadyHeld
	default:
		return ErrAlreadyHeld
	}
}

// ReleaseLocal releases a HeldLocal lock. If a remote acquire is pending,
// ownership transfers directly to HeldRemote rather than passing through
// Free — spec.md §4.7: "do not clear count; transfer".
func (l *Lock) ReleaseLocal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case HeldLocalRemotePending:
		l.state = HeldRemote
	case HeldLocal:
		l.state = Free
	}
}

// ReleaseRemote clears the lock only if currently HeldRemote.
func (l *Lock) ReleaseRemote() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == HeldRemote {
		l.state = Free
	}
}
