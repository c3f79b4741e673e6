// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package followlock

import (
	"context"
	"testing"
	"time"
)

func TestLocalAcquireReleaseRoundTrip(t *testing.T) {
	var l Lock
	if l.State() != Free {
		t.Fatalf("zero value must be Free")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.AcquireLocalBlocking(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != HeldLocal {
		t.Fatalf("expected HeldLocal, got %v", l.State())
	}
	l.ReleaseLocal()
	if l.State() != Free {
		t.Fatalf("expected Free after release, got %v", l.State())
	}
}

func TestNonBlockingFailsWhenHeld(t *testing.T) {
	var l Lock
	if err := l.AcquireLocalNonBlocking(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.AcquireLocalNonBlocking(); err != ErrAlreadyHeld {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestRemoteAcquireWhileHeldLocalSetsPending(t *testing.T) {
	var l Lock
	if err := l.AcquireLocalNonBlocking(); err != nil {
		t.Fatalf("local acquire: %v", err)
	}
	if err := l.AcquireRemote(); err != ErrAlreadyHeld {
		t.Fatalf("expected remote acquire to fail, got %v", err)
	}
	if l.State() != HeldLocalRemotePending {
		t.Fatalf("expected pending transfer state, got %v", l.State())
	}

	// Local release transfers straight to HeldRemote, never passing
	// through Free (spec.md §4.7).
	l.ReleaseLocal()
	if l.State() != HeldRemote {
		t.Fatalf("expected transfer to HeldRemote, got %v", l.State())
	}

	l.ReleaseRemote()
	if l.State() != Free {
		t.Fatalf("expected Free after remote release, got %v", l.State())
	}
}

func TestRemoteReleaseOnlyClearsWhenHeldRemotely(t *testing.T) {
	var l Lock
	_ = l.AcquireLocalNonBlocking()
	l.ReleaseRemote() // no-op: not held remotely
	if l.State() != HeldLocal {
		t.Fatalf("remote release must not affect HeldLocal, got %v", l.State())
	}
}

func TestAcquireRemoteFreeSucceeds(t *testing.T) {
	var l Lock
	if err := l.AcquireRemote(); err != nil {
		t.Fatalf("acquire remote on free lock: %v", err)
	}
	if l.State() != HeldRemote {
		t.Fatalf("expected HeldRemote, got %v", l.State())
	}
}

func TestBlockingAcquireRespectsContextCancellation(t *testing.T) {
	var l Lock
	_ = l.AcquireLocalNonBlocking()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.AcquireLocalBlocking(ctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}
