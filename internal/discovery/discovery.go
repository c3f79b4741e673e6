// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package discovery implements primary-node detection and multi-primary
// resolution: spec.md §4.6.
//
// Each backend's probe connection is wrapped in its own circuit breaker
// (github.com/sony/gobreaker/v2) so a backend that accepts TCP connections
// but then hangs cannot stall an entire discovery round past its allotted
// budget — a tripped breaker is treated identically to "probe failed, not
// visible" (spec.md §7). Probe issuance is throttled by a shared
// golang.org/x/time/rate limiter to avoid a reconnect storm when many
// backends flap at once.
package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/pgpool-go/supervisor/internal/metrics"
	"github.com/pgpool-go/supervisor/internal/state"
)

// NodeStatus is the per-backend result of one probe round (spec.md §3
// NodeStatusVector).
type NodeStatus int

const (
	NodeUnused NodeStatus = iota
	NodePrimary
	NodeStandby
	NodeInvalid
)

// Backend is the minimal view discovery needs of a configured backend.
type Backend struct {
	ID       int
	Host     string
	Port     int
	Flags    state.BackendFlags
	IsValid  bool // VALID predicate already evaluated by the caller
}

// Prober opens a short-lived connection to a backend and answers the three
// questions discovery needs. It is an interface so tests can substitute a
// fake without a real Postgres server; SQLProber is the *sql.DB-backed
// default.
type Prober interface {
	// IsInRecovery runs SELECT pg_is_in_recovery().
	IsInRecovery(ctx context.Context, b Backend) (bool, error)
	// WALReceiverStatus runs SELECT status, conninfo FROM pg_stat_wal_receiver
	// on a standby and reports whether it is actively streaming and from
	// which host/port.
	WALReceiverStatus(ctx context.Context, b Backend) (streaming bool, host string, port int, err error)
	// ServerVersionAtLeast96 reports whether the backend's version
	// supports pg_stat_wal_receiver (introduced in 9.6).
	ServerVersionAtLeast96(ctx context.Context, b Backend) (bool, error)
}

// SQLProber is the default Prober, using database/sql + lib/pq.
type SQLProber struct {
	ConnectTimeout time.Duration
}

func (p SQLProber) dial(ctx context.Context, b Backend) (*sql.DB, error) {
	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=postgres connect_timeout=%d sslmode=disable",
		b.Host, b.Port, int(timeout.Seconds()))
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (p SQLProber) IsInRecovery(ctx context.Context, b Backend) (bool, error) {
	db, err := p.dial(ctx, b)
	if err != nil {
		return false, err
	}
	defer db.Close()
	var recovering bool
	err = db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&recovering)
	return recovering, err
}

func (p SQLProber) ServerVersionAtLeast96(ctx context.Context, b Backend) (bool, error) {
	db, err := p.dial(ctx, b)
	if err != nil {
		return false, err
	}
	defer db.Close()
	var version int
	if err := db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&version); err != nil {
		return false, err
	}
	return version >= 90600, nil
}

func (p SQLProber) WALReceiverStatus(ctx context.Context, b Backend) (bool, string, int, error) {
	db, err := p.dial(ctx, b)
	if err != nil {
		return false, "", 0, err
	}
	defer db.Close()
	var status, conninfo string
	err = db.QueryRowContext(ctx, "SELECT status, conninfo FROM pg_stat_wal_receiver").Scan(&status, &conninfo)
	if err != nil {
		return false, "", 0, err
	}
	host, port := parseConninfoHostPort(conninfo)
	return status == "streaming", host, port, nil
}

// parseConninfoHostPort extracts host/port from a libpq conninfo string,
// treating a Unix-socket path ("/var/run/postgresql" style, no leading
// "host=" network address) as equivalent to "localhost" (spec.md §4.6).
func parseConninfoHostPort(conninfo string) (string, int) {
	host, port := "localhost", 5432
	for _, field := range strings.Fields(conninfo) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], "'")
		switch kv[0] {
		case "host":
			if strings.HasPrefix(val, "/") {
				host = "localhost"
			} else {
				host = val
			}
		case "port":
			if p, err := strconv.Atoi(val); err == nil {
				port = p
			}
		}
	}
	return host, port
}

// Discoverer runs find_primary_node / find_primary_node_repeatedly.
type Discoverer struct {
	Prober  Prober
	Log     zerolog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker[any]
}

// NewDiscoverer builds a Discoverer whose shared probe-rate limiter
// allows up to len(backends) probes per discovery round.
func NewDiscoverer(prober Prober, log zerolog.Logger, numBackends int) *Discoverer {
	burst := numBackends
	if burst < 1 {
		burst = 1
	}
	return &Discoverer{
		Prober:   prober,
		Log:      log,
		limiter:  rate.NewLimiter(rate.Limit(burst), burst),
		breakers: make(map[int]*gobreaker.CircuitBreaker[any]),
	}
}

func (d *Discoverer) breakerFor(id int) *gobreaker.CircuitBreaker[any] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[id]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        fmt.Sprintf("backend-%d", id),
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	d.breakers[id] = cb
	return cb
}

// probe runs fn through the backend's breaker and the shared rate
// limiter; a probe failure (including an open breaker) is reported as
// "not visible", never as a hard error to the caller (spec.md §7).
func (d *Discoverer) probe(ctx context.Context, b Backend, fn func(context.Context) (any, error)) (any, bool) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, false
	}
	cb := d.breakerFor(b.ID)
	result, err := cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.PrimaryDiscoveryBreakerOpen.WithLabelValues(strconv.Itoa(b.ID)).Inc()
		}
		d.Log.Debug().Int("backend", b.ID).Err(err).Msg("discovery: probe failed, treating as not visible")
		return nil, false
	}
	return result, true
}

// FindPrimaryNode implements spec.md §4.6 steps 1-4.
func (d *Discoverer) FindPrimaryNode(ctx context.Context, backends []Backend, detachFalsePrimary bool) (primary int, invalid []int, err error) {
	start := time.Now()
	defer func() { metrics.PrimaryDiscoveryDuration.Observe(time.Since(start).Seconds()) }()

	for _, b := range backends {
		if b.Flags.AlwaysPrimary {
			return b.ID, nil, nil
		}
	}

	type probeResult struct {
		id        int
		recovery  bool
		ok        bool
	}
	results := make([]probeResult, 0, len(backends))
	for _, b := range backends {
		if !b.IsValid {
			continue
		}
		v, ok := d.probe(ctx, b, func(ctx context.Context) (any, error) {
			return d.Prober.IsInRecovery(ctx, b)
		})
		if !ok {
			results = append(results, probeResult{id: b.ID, ok: false})
			continue
		}
		results = append(results, probeResult{id: b.ID, recovery: v.(bool), ok: true})
	}

	var primaries, standbys []int
	for _, r := range results {
		if !r.ok {
			continue
		}
		if r.recovery {
			standbys = append(standbys, r.id)
		} else {
			primaries = append(primaries, r.id)
		}
	}

	switch {
	case len(primaries) == 1:
		return primaries[0], nil, nil
	case len(primaries) == 0:
		return -1, nil, nil
	case len(standbys) == 0:
		// Multiple primaries, no standbys: youngest-index wins.
		youngest := minInt(primaries)
		if detachFalsePrimary {
			for _, id := range primaries {
				if id != youngest {
					invalid = append(invalid, id)
				}
			}
		}
		return youngest, invalid, nil
	default:
		return d.resolveByWALReceiver(ctx, backends, primaries, standbys)
	}
}

// resolveByWALReceiver implements the ≥1-standby multi-primary branch of
// spec.md §4.6: the primary that "owns" all standbys wins; others that
// own fewer than all standbys are marked INVALID.
func (d *Discoverer) resolveByWALReceiver(ctx context.Context, backends []Backend, primaries, standbys []int) (int, []int, error) {
	byID := make(map[int]Backend, len(backends))
	for _, b := range backends {
		byID[b.ID] = b
	}

	// owners[primaryID] = count of standbys streaming from it.
	owners := make(map[int]int)
	for _, sid := range standbys {
		sb := byID[sid]

		v96, ok := d.probe(ctx, sb, func(ctx context.Context) (any, error) {
			return d.Prober.ServerVersionAtLeast96(ctx, sb)
		})
		if !ok || !v96.(bool) {
			continue
		}

		v, ok := d.probe(ctx, sb, func(ctx context.Context) (any, error) {
			streaming, host, port, err := d.Prober.WALReceiverStatus(ctx, sb)
			return [3]any{streaming, host, port}, err
		})
		if !ok {
			continue
		}
		arr := v.([3]any)
		streaming, host, port := arr[0].(bool), arr[1].(string), arr[2].(int)
		if !streaming {
			continue
		}
		for _, pid := range primaries {
			pb := byID[pid]
			if sameEndpoint(pb.Host, pb.Port, host, port) {
				owners[pid]++
			}
		}
	}

	var owner int = -1
	for _, pid := range primaries {
		if owners[pid] == len(standbys) {
			owner = pid
			break
		}
	}
	if owner == -1 {
		// No single primary owns every standby; fall back to the
		// youngest candidate but mark the rest invalid, mirroring the
		// "primaries owning fewer than all standbys while a true
		// primary exists" branch of spec.md §4.6.
		owner = minInt(primaries)
	}

	var invalid []int
	for _, pid := range primaries {
		if pid != owner {
			invalid = append(invalid, pid)
		}
	}
	return owner, invalid, nil
}

func sameEndpoint(host string, port int, wantHost string, wantPort int) bool {
	if port != wantPort {
		return false
	}
	// Resolve both to a comparable normal form; "localhost"/127.0.0.1
	// equivalence is handled by the caller normalizing Unix sockets to
	// "localhost" before this point.
	return normalizeHost(host) == normalizeHost(wantHost)
}

func normalizeHost(h string) string {
	if h == "" {
		return "localhost"
	}
	if ip := net.ParseIP(h); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	if h == "127.0.0.1" || h == "::1" {
		return "localhost"
	}
	return h
}

func minInt(ids []int) int {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}

// FindPrimaryNodeRepeatedly retries FindPrimaryNode every second up to
// timeout (0 = unbounded), short-circuiting to the caller's current
// primary if a follow-primary run is already in progress, to avoid
// deadlocking against the follow-primary lock (spec.md §4.6).
func (d *Discoverer) FindPrimaryNodeRepeatedly(ctx context.Context, backends []Backend, detachFalsePrimary bool, followPrimaryOngoing func() bool, currentPrimary func() int, timeout time.Duration) (int, []int, error) {
	if followPrimaryOngoing() {
		return currentPrimary(), nil, nil
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		primary, invalid, err := d.FindPrimaryNode(ctx, backends, detachFalsePrimary)
		if err == nil && primary != -1 {
			return primary, invalid, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return primary, invalid, err
		}
		select {
		case <-ctx.Done():
			return -1, nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
