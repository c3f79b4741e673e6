// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package supervisor wires the process-supervision tree that replaces
// the original design's process table (spec.md §4.4): one root
// suture.Supervisor with three child layers, isolating a crash in one
// concern from the others exactly the way the teacher's SupervisorTree
// isolates its data/messaging/api layers.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/pgpool-go/supervisor/internal/logging"
)

// TreeConfig holds supervisor tree failure-handling tuning.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is the duration to wait when the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long Serve waits for children to stop.
	ShutdownTimeout time.Duration

	// ReapHook, if set, receives every suture event (service terminate,
	// panic, backoff, resume) across all three layers, in addition to
	// the tree's own sutureslog logging — the caller's wiring point for
	// lifecycle.Reaper's exit policy (spec.md §4.4).
	ReapHook suture.EventHook
}

// DefaultTreeConfig returns suture's own documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor's three-layer process tree (spec.md §4.4):
//
//   - control: the lifecycle manager, signal bridge, and failover engine
//     trigger path. Must survive everything else crashing.
//   - workers: per-connection query workers, the worker-singleton, PCP,
//     and health-check children — the layer the failover engine's
//     full/partial restart decisions act on.
//   - peers: the watchdog transport client and peer-sync subscriber —
//     isolated so a NATS reconnect storm cannot take down local request
//     handling.
type Tree struct {
	root    *suture.Supervisor
	control *suture.Supervisor
	workers *suture.Supervisor
	peers   *suture.Supervisor
	config  TreeConfig
}

// New builds a Tree. log feeds a sutureslog.Handler so every service
// start/stop/panic is a structured zerolog event rather than suture's
// default stdlib-log output.
func New(log zerolog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logging.AsSlog(log)}
	logHook := handler.MustHook()

	// Every layer gets the same combined hook rather than relying on
	// root-only inheritance, so the reap policy sees worker- and
	// peer-layer terminations (where the real watchdog/peer-sync
	// services live) as well as root-level ones.
	eventHook := logHook
	if config.ReapHook != nil {
		reapHook := config.ReapHook
		eventHook = func(ev suture.Event) {
			logHook(ev)
			reapHook(ev)
		}
	}

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("pgsupervisor", rootSpec)
	control := suture.New("control-layer", childSpec)
	workers := suture.New("workers-layer", childSpec)
	peers := suture.New("peers-layer", childSpec)

	root.Add(control)
	root.Add(workers)
	root.Add(peers)

	return &Tree{root: root, control: control, workers: workers, peers: peers, config: config}
}

// Root returns the root supervisor for direct access if needed (e.g. by
// test harnesses wanting UnstoppedServiceReport).
func (t *Tree) Root() *suture.Supervisor { return t.root }

// AddControlService adds a service to the control layer (lifecycle
// manager, signal bridge, failover engine drain loop).
func (t *Tree) AddControlService(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

// AddWorkerService adds a service to the worker layer.
func (t *Tree) AddWorkerService(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddPeerService adds a service to the peers layer (watchdog transport,
// peer-sync subscriber).
func (t *Tree) AddPeerService(svc suture.Service) suture.ServiceToken {
	return t.peers.Add(svc)
}

// RemoveWorkerService removes a previously added worker-layer service —
// the partial-restart path uses this to tear down a single child.
func (t *Tree) RemoveWorkerService(token suture.ServiceToken) error {
	return t.workers.Remove(token)
}

// RemoveAndWaitWorker removes a worker-layer service and blocks until it
// has fully stopped, bounded by timeout.
func (t *Tree) RemoveAndWaitWorker(token suture.ServiceToken, timeout time.Duration) error {
	return t.workers.RemoveAndWait(token, timeout)
}

// Serve starts the tree and blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a background goroutine, returning a
// channel that receives the terminal error (or nil) once it stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport reports services that did not stop within
// ShutdownTimeout, for shutdown diagnostics.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
