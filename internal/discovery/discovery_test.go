// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/pgpool-go/supervisor/internal/logging"
)

type fakeProber struct {
	recovery  map[int]bool
	failErr   map[int]error
	streaming map[int]struct {
		ok   bool
		host string
		port int
	}
}

func (f *fakeProber) IsInRecovery(ctx context.Context, b Backend) (bool, error) {
	if err, ok := f.failErr[b.ID]; ok {
		return false, err
	}
	return f.recovery[b.ID], nil
}

func (f *fakeProber) ServerVersionAtLeast96(ctx context.Context, b Backend) (bool, error) {
	return true, nil
}

func (f *fakeProber) WALReceiverStatus(ctx context.Context, b Backend) (bool, string, int, error) {
	s := f.streaming[b.ID]
	return s.ok, s.host, s.port, nil
}

func validBackends(ids ...int) []Backend {
	out := make([]Backend, len(ids))
	for i, id := range ids {
		out[i] = Backend{ID: id, Host: "host", Port: 5432 + id, IsValid: true}
	}
	return out
}

func TestFindPrimaryNodeSinglePrimary(t *testing.T) {
	d := NewDiscoverer(&fakeProber{recovery: map[int]bool{0: false, 1: true}}, logging.Logger(), 2)
	primary, invalid, err := d.FindPrimaryNode(context.Background(), validBackends(0, 1), false)
	if err != nil || primary != 0 || len(invalid) != 0 {
		t.Fatalf("got primary=%d invalid=%v err=%v", primary, invalid, err)
	}
}

func TestFindPrimaryNodeNoPrimary(t *testing.T) {
	d := NewDiscoverer(&fakeProber{recovery: map[int]bool{0: true, 1: true}}, logging.Logger(), 2)
	primary, _, err := d.FindPrimaryNode(context.Background(), validBackends(0, 1), false)
	if err != nil || primary != -1 {
		t.Fatalf("expected -1 (no primary), got %d err=%v", primary, err)
	}
}

func TestFindPrimaryNodeAlwaysPrimaryOverride(t *testing.T) {
	d := NewDiscoverer(&fakeProber{recovery: map[int]bool{0: true, 1: true}}, logging.Logger(), 2)
	backends := validBackends(0, 1)
	backends[1].Flags.AlwaysPrimary = true
	primary, _, err := d.FindPrimaryNode(context.Background(), backends, false)
	if err != nil || primary != 1 {
		t.Fatalf("expected config override to win, got %d err=%v", primary, err)
	}
}

func TestFindPrimaryNodeMultiplePrimariesNoStandbysDetachOff(t *testing.T) {
	d := NewDiscoverer(&fakeProber{recovery: map[int]bool{0: false, 1: false}}, logging.Logger(), 2)
	primary, invalid, err := d.FindPrimaryNode(context.Background(), validBackends(0, 1), false)
	if err != nil || primary != 0 || len(invalid) != 0 {
		t.Fatalf("expected youngest-index primary with no detach, got %d invalid=%v err=%v", primary, invalid, err)
	}
}

func TestFindPrimaryNodeMultiplePrimariesNoStandbysDetachOn(t *testing.T) {
	d := NewDiscoverer(&fakeProber{recovery: map[int]bool{0: false, 1: false}}, logging.Logger(), 2)
	primary, invalid, err := d.FindPrimaryNode(context.Background(), validBackends(0, 1), true)
	if err != nil || primary != 0 || len(invalid) != 1 || invalid[0] != 1 {
		t.Fatalf("expected backend 1 marked invalid, got %d invalid=%v err=%v", primary, invalid, err)
	}
}

func TestFindPrimaryNodeWALReceiverResolution(t *testing.T) {
	// Scenario 4 from spec.md §8: two primaries, one standby whose
	// pg_stat_wal_receiver conninfo matches backend 0.
	backends := []Backend{
		{ID: 0, Host: "localhost", Port: 5432, IsValid: true},
		{ID: 1, Host: "localhost", Port: 5433, IsValid: true},
		{ID: 2, Host: "localhost", Port: 5434, IsValid: true},
	}
	prober := &fakeProber{
		recovery: map[int]bool{0: false, 1: false, 2: true},
		streaming: map[int]struct {
			ok   bool
			host string
			port int
		}{
			2: {ok: true, host: "localhost", port: 5432},
		},
	}
	d := NewDiscoverer(prober, logging.Logger(), 3)
	primary, invalid, err := d.FindPrimaryNode(context.Background(), backends, true)
	if err != nil || primary != 0 {
		t.Fatalf("expected backend 0 to own the standby, got %d err=%v", primary, err)
	}
	if len(invalid) != 1 || invalid[0] != 1 {
		t.Fatalf("expected backend 1 invalid, got %v", invalid)
	}
}

func TestFindPrimaryNodeSkipsFailedProbes(t *testing.T) {
	d := NewDiscoverer(&fakeProber{
		recovery: map[int]bool{1: true},
		failErr:  map[int]error{0: errors.New("connection refused")},
	}, logging.Logger(), 2)
	primary, _, err := d.FindPrimaryNode(context.Background(), validBackends(0, 1), false)
	// Backend 0 unreachable, treated as not visible; only 1 (standby)
	// observed, so there is no primary candidate.
	if err != nil || primary != -1 {
		t.Fatalf("expected no primary once unreachable backend is skipped, got %d err=%v", primary, err)
	}
}

func TestFindPrimaryNodeRepeatedlyShortCircuitsOnFollowOngoing(t *testing.T) {
	d := NewDiscoverer(&fakeProber{}, logging.Logger(), 1)
	primary, _, err := d.FindPrimaryNodeRepeatedly(
		context.Background(), nil, false,
		func() bool { return true },
		func() int { return 7 },
		0,
	)
	if err != nil || primary != 7 {
		t.Fatalf("expected short-circuit to current primary 7, got %d err=%v", primary, err)
	}
}
