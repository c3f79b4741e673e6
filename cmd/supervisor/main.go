// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Command supervisor is the pgsupervisor entry point: it loads
// configuration, builds the shared state area and every subsystem
// SPEC_FULL.md names, and wires them into a three-layer suture
// supervision tree before opening the listening sockets.
//
// # Architecture
//
// Initialization order mirrors the dependency chain rather than any
// historical fork order, since every "child" here is a goroutine added
// to the tree, not a forked process:
//
//  1. Configuration (Koanf v2: defaults, optional YAML file, env overrides)
//  2. Logging (zerolog, configured from the loaded config)
//  3. Shared state area, restored from the durable status file
//  4. Discovery, the follow-primary lock, the watchdog transport client
//     (NATS if a watchdog cluster is configured, a no-op otherwise), and
//     the audit journal (BadgerDB)
//  5. The failover engine and its Hooks — the pre-forked worker pool,
//     PCP worker, and follow-primary child are external collaborators
//     this package only reaches via function-valued hooks
//  6. The lifecycle manager, signal bridge, and listening sockets
//  7. The admin HTTP/WebSocket surface
//
// Every long-running piece is a suture.Service added to one of the
// tree's three layers (control, workers, peers) so a crash in one layer
// never silently takes down another.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/pgpool-go/supervisor/internal/adminhttp"
	"github.com/pgpool-go/supervisor/internal/adminws"
	"github.com/pgpool-go/supervisor/internal/audit"
	"github.com/pgpool-go/supervisor/internal/config"
	"github.com/pgpool-go/supervisor/internal/discovery"
	"github.com/pgpool-go/supervisor/internal/failover"
	"github.com/pgpool-go/supervisor/internal/follow"
	"github.com/pgpool-go/supervisor/internal/followlock"
	"github.com/pgpool-go/supervisor/internal/lifecycle"
	"github.com/pgpool-go/supervisor/internal/logging"
	"github.com/pgpool-go/supervisor/internal/netlisten"
	"github.com/pgpool-go/supervisor/internal/peersync"
	"github.com/pgpool-go/supervisor/internal/queue"
	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/signals"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/statusfile"
	"github.com/pgpool-go/supervisor/internal/supervisor"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logging.Logger()
	log.Info().Int("backends", len(cfg.Backends)).Msg("starting pgsupervisor")

	area := buildArea(cfg, log)

	reg := registry.New()
	q := queue.New(cfg.Failover.QueueSize)
	lock := &followlock.Lock{}

	discoverer := discovery.NewDiscoverer(
		discovery.SQLProber{ConnectTimeout: cfg.Discovery.ConnectTimeout},
		logging.WithComponent("discovery"),
		len(cfg.Backends),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var natsConn *nats.Conn
	wdClient := watchdog.Client(watchdog.NoopClient{})
	if cfg.Watchdog.Enabled {
		natsConn, err = nats.Connect(cfg.Watchdog.NATSURL,
			nats.Name("pgsupervisor-"+cfg.Watchdog.NodeName),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.Watchdog.NATSURL).Msg("failed to connect to watchdog NATS cluster")
		}
		defer natsConn.Close()
		wdClient = watchdog.NewNATSClient(natsConn, cfg.Watchdog.LockTimeout)
		log.Info().Str("node", cfg.Watchdog.NodeName).Msg("watchdog transport connected")
	}

	var journal *audit.Journal
	if cfg.Audit.Path != "" {
		journal, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Audit.Path).Msg("audit journal unavailable, continuing without a durable audit trail")
		} else {
			defer journal.Close()
		}
	}

	wsHub := adminws.NewHub(logging.WithComponent("adminws"))

	engine := &failover.Engine{
		Area:       area,
		Queue:      q,
		Registry:   reg,
		Discoverer: discoverer,
		Lock:       lock,
		Watchdog:   wdClient,
		Journal:    journal,
		Log:        logging.WithComponent("failover"),
		Config: failover.Config{
			StreamingMode:        cfg.Failover.StreamingMode,
			DetachFalsePrimary:   cfg.Failover.DetachFalsePrimary,
			FailoverCommand:      cfg.Failover.FailoverCommand,
			FailbackCommand:      cfg.Failover.FailbackCommand,
			FollowPrimaryCommand: cfg.Failover.FollowPrimaryCommand,
			StatusFilePath:       cfg.StatusFilePath,
			SearchPrimaryTimeout: cfg.Failover.SearchPrimaryTimeout,
		},
		Backends: func() []discovery.Backend { return snapshotsToBackends(area.All()) },
		Hooks:    buildHooks(area, reg, lock, wdClient, cfg, wsHub, log),
	}

	bridge := signals.New(logging.WithComponent("signals"))

	reaper := &lifecycle.Reaper{
		Registry: reg,
		Area:     area,
		Log:      logging.WithComponent("reaper"),
		// suture already restarts a terminated service in place per its
		// own backoff policy; Respawn is for the external worker pool
		// this package doesn't instantiate, so there's nothing to do here.
		Respawn: nil,
		Fatal: func(err error) {
			log.Error().Err(err).Msg("lifecycle: fatal child exit, shutting down supervisor")
			cancel()
		},
		Exiting: func() bool { return ctx.Err() != nil },
	}

	reapHook := reapEventHook(reaper)

	manager := &lifecycle.Manager{
		Area:    area,
		Signals: signalWake(bridge, cancel, log),
		QueueWake: nil, // the queue wakes the engine directly via Engine.Enqueue
		WakeChildren: func() {
			// spec.md §4.4 step 1 is a re-evaluate/SIGUSR2 nudge telling
			// each worker to check its own need_to_restart bit at its next
			// idle point — it must never itself set that bit. Setting it
			// belongs to the hooks actual failover decisions drive
			// (RestartAllWorkers/SignalWorkerSingleton below); the
			// per-connection worker pool this would wake is an external
			// collaborator (SPEC_FULL.md §1), so there is nothing to
			// signal yet.
		},
		DrainQueue: engine.Drain,
		ReloadConfig: func(ctx context.Context) error {
			// Re-running the same layered load (defaults < file < env)
			// validates the current on-disk/env configuration is still
			// well-formed; applying the reloaded values to every live
			// subsystem is future work (most of spec.md §6's SIGHUP
			// targets — backend list, commands — need a restart path
			// this rewrite's hooks don't yet drive).
			_, err := config.Load()
			return err
		},
		Log: logging.WithComponent("lifecycle"),
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ReapHook = reapHook
	tree := supervisor.New(log, treeCfg)
	tree.AddControlService(bridge)
	tree.AddControlService(manager)

	connHandler := &placeholderConnHandler{log: logging.WithComponent("netlisten")}
	for _, ln := range openListeners(ctx, cfg, log) {
		tree.AddWorkerService(&netlisten.AcceptLoop{Listener: ln, Handler: connHandler, Log: logging.WithComponent("netlisten")})
	}

	tree.AddWorkerService(wsHub)

	adminSrc := adminhttp.StatusSource{Area: area, Queue: q, Registry: reg}
	adminRouter := adminhttp.NewRouter(adminhttp.Config{
		CORSOrigins:     cfg.Admin.CORSOrigins,
		RateLimitPerMin: cfg.Admin.RateLimitPerMin,
		SwaggerEnabled:  cfg.Admin.SwaggerEnabled,
	}, adminSrc, logging.WithComponent("adminhttp"))
	mux := http.NewServeMux()
	mux.Handle("/", adminRouter)
	mux.Handle("/ws", wsHub)
	adminServer := &http.Server{Addr: cfg.Admin.ListenAddress, Handler: mux}
	tree.AddWorkerService(adminhttp.NewService(adminServer, 10*time.Second))

	if cfg.Watchdog.Enabled {
		sub, err := buildPeerSubscriber(cfg, area, wdClient, log)
		if err != nil {
			log.Warn().Err(err).Msg("peer-sync subscriber unavailable, running without peer catch-up")
		} else {
			tree.AddPeerService(sub)
		}
	}

	log.Info().Msg("supervisor tree starting")
	if err := tree.Root().Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor tree exited with error")
		os.Exit(1)
	}
	log.Info().Msg("supervisor stopped")
}

// buildArea constructs the shared state area from config and restores
// backend statuses from the durable status file (spec.md §4.2).
func buildArea(cfg *config.Config, log zerolog.Logger) *state.Area {
	area := state.NewArea(len(cfg.Backends))
	for i, b := range cfg.Backends {
		area.Configure(i, b.Host, b.Port, b.DataDir,
			state.BackendFlags{AlwaysPrimary: b.AlwaysPrimary, DisallowToFailover: b.DisallowToFailover},
			state.RoleStandby)
	}

	statuses, err := statusfile.Read(cfg.StatusFilePath, len(cfg.Backends), false)
	if err != nil {
		log.Warn().Err(err).Msg("status file unreadable or bogus, starting every backend from connect_wait")
	}
	area.SetStatuses(statuses)
	return area
}

func snapshotsToBackends(snaps []state.Snapshot) []discovery.Backend {
	out := make([]discovery.Backend, len(snaps))
	for i, s := range snaps {
		out[i] = discovery.Backend{ID: s.ID, Host: s.Host, Port: s.Port, Flags: s.Flags, IsValid: s.IsValid()}
	}
	return out
}

// signalWake adapts the signal bridge's typed Events channel into the
// lifecycle manager's untyped wake channel. Shutdown (SIGTERM/INT/QUIT)
// cancels the root context directly, which unwinds tree.Root().Serve and
// lets every service shut down through its own ctx.Done path (spec.md
// §8 scenario 6: a sweep already in progress completes, including its own
// status-file writes, and children are stopped; no further status-file
// write is made at shutdown, then the process exits). Reload and
// WakeChildren just need the manager to run its next priority pass.
func signalWake(bridge *signals.Bridge, cancel context.CancelFunc, log zerolog.Logger) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		for ev := range bridge.Events {
			if ev == signals.Shutdown {
				log.Info().Msg("signals: shutdown requested, canceling supervisor context")
				cancel()
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}

// reapEventHook adapts suture's generic service-lifecycle events into
// lifecycle.Reaper's exit policy (spec.md §4.4). It only acts on
// terminate/panic events — backoff and resume notifications have no
// child exit to reap — and reads the service name out of the event's
// Map() rather than a concrete suture event struct, so it degrades to a
// no-op role lookup (instead of failing to compile) if suture's map key
// naming differs from what roleForServiceName expects.
func reapEventHook(reaper *lifecycle.Reaper) suture.EventHook {
	return func(ev suture.Event) {
		switch ev.Type() {
		case suture.EventTypeServiceTerminate, suture.EventTypeServicePanic:
		default:
			return
		}

		name, _ := ev.Map()["service_name"].(string)
		reaper.Observe(lifecycle.ReapEvent{
			Role: roleForServiceName(name),
			// suture's own backoff/restart loop already decides whether
			// to bring the service back; Reaper only needs to know this
			// wasn't a deliberate, permanent stop.
			ExitKind: registry.ExitNormal,
		})
	}
}

// roleForServiceName maps a suture service's String() name to the
// registry.Role lifecycle.Reaper uses to decide whether an abnormal
// exit taints cleanup state (spec.md §4.4's watchdog-termination rule).
// Only the peer-sync subscriber carries watchdog semantics here; every
// other suture child in this tree is plain infrastructure.
func roleForServiceName(name string) registry.Role {
	if strings.Contains(name, "peersync") {
		return registry.RoleWatchdog
	}
	return registry.RoleWorker
}

// buildHooks wires the failover engine's external-collaborator hooks.
// The pre-forked worker pool and PCP worker are outside this module's
// scope (SPEC_FULL.md's external-collaborator boundary); these hooks
// currently only touch the registry and the admin WebSocket hub, which
// this module does own.
func buildHooks(area *state.Area, reg *registry.Registry, lock *followlock.Lock, wd watchdog.Client, cfg *config.Config, hub *adminws.Hub, log zerolog.Logger) failover.Hooks {
	return failover.Hooks{
		RestartAllWorkers: func(ctx context.Context) {
			reg.RequestRestartAll(registry.RoleWorker)
			hub.Broadcast(adminws.Event{Type: adminws.EventChildRestarted, Data: map[string]any{"scope": "full"}})
		},
		RestartWorkers: func(ctx context.Context, children []registry.ChildID) {
			hub.Broadcast(adminws.Event{Type: adminws.EventChildRestarted, Data: map[string]any{"scope": "partial", "count": len(children)}})
		},
		SignalWorkerSingleton: func() {
			reg.RequestRestartAll(registry.RoleWorkerSingleton)
		},
		SpawnMissingHealthChecks: func(ctx context.Context) {
			// Health-check child spawning is an external collaborator's
			// responsibility (SPEC_FULL.md §1); this hook exists so the
			// engine has somewhere to call into once that worker exists.
		},
		SpawnFollowChild: func(ctx context.Context, oldMain, newPrimary, oldPrimary int) {
			go func() {
				if err := follow.Run(ctx, area, lock, wd, cfg.Failover.FollowPrimaryCommand, oldMain, newPrimary, oldPrimary, logging.WithComponent("follow")); err != nil {
					log.Error().Err(err).Msg("follow-primary run failed")
				}
				hub.Broadcast(adminws.Event{Type: adminws.EventFollowPrimary, Data: map[string]any{"new_primary": newPrimary}})
			}()
		},
		RestartPCP: func(ctx context.Context) {
			hub.Broadcast(adminws.Event{Type: adminws.EventFailoverSweep, Data: map[string]any{}})
		},
		CloseIdleConnections: func(ctx context.Context, targets []int) {
			// Idle-connection closing happens inside the per-connection
			// worker pool, an external collaborator.
		},
	}
}

// openListeners opens the Unix socket and every configured TCP listener
// (spec.md §6.1), logging and skipping (rather than aborting startup
// for) any one that fails to bind.
func openListeners(ctx context.Context, cfg *config.Config, log zerolog.Logger) []netlisten.Listener {
	backlog := netlisten.Backlog(cfg.Listen.NumInitChildren, cfg.Listen.ListenBacklogMultiplier)

	var out []netlisten.Listener

	unixPath := fmt.Sprintf("%s/.s.PGSQL.%d", cfg.Listen.SocketDir, cfg.Listen.Port)
	if ln, err := netlisten.ListenUnix(unixPath); err != nil {
		log.Error().Err(err).Str("path", unixPath).Msg("failed to open unix listener")
	} else {
		out = append(out, ln)
	}

	for _, addr := range cfg.Listen.Addresses {
		network := addr.Network
		if network == "" {
			network = "tcp"
		}
		port := addr.Port
		if port == 0 {
			port = cfg.Listen.Port
		}
		ln, err := netlisten.ListenTCP(ctx, network, addr.Address, port, backlog)
		if err != nil {
			log.Error().Err(err).Str("address", addr.Address).Int("port", port).Msg("failed to open tcp listener")
			continue
		}
		out = append(out, ln)
	}
	return out
}

// buildPeerSubscriber wires a watermill NATS subscriber to
// internal/peersync.Subscriber, bound to watchdog.TopicBackendSync.
func buildPeerSubscriber(cfg *config.Config, area *state.Area, wd watchdog.Client, log zerolog.Logger) (*peersync.Subscriber, error) {
	sub, err := wmnats.NewSubscriber(
		wmnats.SubscriberConfig{
			URL:         cfg.Watchdog.NATSURL,
			Unmarshaler: &wmnats.NATSMarshaler{},
			// Core NATS pub/sub, not JetStream: a missed backend-sync
			// notification is harmless since the next one supersedes it
			// and lifecycle.Manager's own ticker re-drains regardless.
			JetStream: wmnats.JetStreamConfig{Disabled: true},
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, fmt.Errorf("peer-sync subscriber: %w", err)
	}

	return &peersync.Subscriber{
		Sub:           sub,
		Area:          area,
		StreamingMode: cfg.Failover.StreamingMode,
		FindMain:      func(a *state.Area) int32 { return failover.FindMainNode(a, cfg.Failover.StreamingMode) },
		OnResult: func(r peersync.Result) {
			log.Info().Str("scope", r.Scope.String()).Ints("down", r.DownList).Msg("peersync: reconciled against watchdog leader")
		},
		Log: logging.WithComponent("peersync"),
	}, nil
}

// placeholderConnHandler satisfies netlisten.ConnHandler until the
// per-connection query worker — an external collaborator this module
// does not implement — is wired in. It logs and closes every connection.
type placeholderConnHandler struct {
	log zerolog.Logger
}

func (h *placeholderConnHandler) HandleConn(ctx context.Context, conn net.Conn) {
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("netlisten: connection accepted, no query worker wired, closing")
	_ = conn.Close()
}
