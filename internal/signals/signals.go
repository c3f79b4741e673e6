// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package signals bridges OS signals into the same semantic set spec.md
// §6 assigns them (SIGHUP reload, SIGUSR1 failover-interrupt, SIGUSR2
// wake-children, SIGTERM/INT/QUIT shutdown), translated for a
// goroutine-based supervisor where SIGCHLD has no meaning (the suture
// EventHook already delivers child-termination notifications).
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// Event is one semantic signal delivered to the lifecycle manager.
type Event int

const (
	// Reload corresponds to SIGHUP: re-read configuration.
	Reload Event = iota
	// FailoverInterrupt corresponds to SIGUSR1: a child has raised a
	// user-signal slot and wants the lifecycle manager to drain it.
	FailoverInterrupt
	// WakeChildren corresponds to SIGUSR2: broadcast need_to_restart
	// re-evaluation to every worker immediately.
	WakeChildren
	// Shutdown corresponds to SIGTERM/SIGINT/SIGQUIT: begin graceful
	// (SIGTERM/INT) or immediate (SIGQUIT) shutdown.
	Shutdown
)

func (e Event) String() string {
	switch e {
	case Reload:
		return "reload"
	case FailoverInterrupt:
		return "failover_interrupt"
	case WakeChildren:
		return "wake_children"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Bridge wraps os/signal.Notify into a chan Event carrying spec.md §6's
// semantic signal set. SIGPIPE is registered only so the default Go
// runtime behavior (ignore) is made explicit and auditable; SIGCHLD has
// no entry here since child termination flows through the supervisor
// tree's EventHook instead (spec.md §4.4 reaper).
type Bridge struct {
	raw    chan os.Signal
	Events chan Event
	log    zerolog.Logger
}

// New registers for the signal set and returns a Bridge ready to Serve.
func New(log zerolog.Logger) *Bridge {
	raw := make(chan os.Signal, 16)
	signal.Notify(raw,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGPIPE,
	)
	return &Bridge{raw: raw, Events: make(chan Event, 16), log: log}
}

// Serve implements suture.Service: translates raw OS signals into Events
// until ctx is canceled, at which point it stops listening.
func (b *Bridge) Serve(ctx context.Context) error {
	defer signal.Stop(b.raw)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-b.raw:
			ev, ok := translate(sig)
			if !ok {
				continue
			}
			b.log.Debug().Str("signal", sig.String()).Str("event", ev.String()).Msg("signals: translated OS signal")
			select {
			case b.Events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func translate(sig os.Signal) (Event, bool) {
	switch sig {
	case syscall.SIGHUP:
		return Reload, true
	case syscall.SIGUSR1:
		return FailoverInterrupt, true
	case syscall.SIGUSR2:
		return WakeChildren, true
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return Shutdown, true
	case syscall.SIGPIPE:
		return 0, false
	default:
		return 0, false
	}
}
