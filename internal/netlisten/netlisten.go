// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package netlisten opens the supervisor's listening sockets (spec.md
// §6.1): one Unix domain socket plus zero or more TCP listeners per
// resolved listen_addresses entry, each wrapped as a suture.Service that
// hands accepted connections to an injected ConnHandler — the
// per-connection worker is an external collaborator, not this
// repository's concern.
package netlisten

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// MaxBacklog caps the listen backlog regardless of configuration
// (spec.md §6.1: "capped at 10000").
const MaxBacklog = 10000

// ConnHandler is the external per-connection worker collaborator this
// package hands accepted connections to. It must not block the accept
// loop; implementations typically hand the conn off to a worker pool.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// Backlog computes the listen backlog from the configured number of
// worker children and a multiplier, capped at MaxBacklog.
func Backlog(numInitChildren, listenBacklogMultiplier int) int {
	b := numInitChildren * listenBacklogMultiplier
	if b <= 0 {
		b = 1
	}
	if b > MaxBacklog {
		b = MaxBacklog
	}
	return b
}

// listenConfig builds a net.ListenConfig whose Control callback sets
// IPV6_V6ONLY on IPv6 sockets, so a wildcard IPv6 listener never also
// claims the IPv4 wildcard address (spec.md §6.1). backlog is accepted
// for callers to log/report alongside the listener; net.ListenConfig
// has no portable backlog knob, so Listen/ListenTCP fall back to the Go
// runtime's own listen(2) backlog.
func listenConfig(backlog int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if network == "tcp6" || network == "udp6" {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

// Listener is one opened listener plus the metadata needed to log and
// label it.
type Listener struct {
	Net  net.Listener
	Name string // e.g. "tcp/0.0.0.0:5432" or "unix//tmp/.s.PGSQL.5432"
}

// ListenTCP opens a TCP listener on address:port for the given network
// ("tcp", "tcp4", or "tcp6"), applying (for tcp6) the IPV6_V6ONLY socket
// option. backlog is not applied: the listener uses the Go runtime's own
// listen(2) backlog (see listenConfig).
func ListenTCP(ctx context.Context, network, address string, port, backlog int) (Listener, error) {
	lc := listenConfig(backlog)
	addr := fmt.Sprintf("%s:%d", address, port)
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return Listener{}, fmt.Errorf("netlisten: listen %s %s: %w", network, addr, err)
	}
	return Listener{Net: ln, Name: fmt.Sprintf("%s/%s", network, addr)}, nil
}

// ListenUnix opens the Unix domain socket at path (spec.md §6.1:
// "<socket_dir>/.s.PGSQL.<port>", mode 0777). Any stale socket file left
// over from an unclean shutdown is removed first.
func ListenUnix(path string) (Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return Listener{}, fmt.Errorf("netlisten: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		ln.Close()
		return Listener{}, fmt.Errorf("netlisten: chmod %s: %w", path, err)
	}
	return Listener{Net: ln, Name: "unix/" + path}, nil
}

// AcceptLoop is the suture.Service that accepts connections from one
// Listener and hands each to handler.HandleConn in its own goroutine.
type AcceptLoop struct {
	Listener Listener
	Handler  ConnHandler
	Log      zerolog.Logger
}

// Serve implements suture.Service.
func (a *AcceptLoop) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.Listener.Net.Close()
	}()

	for {
		conn, err := a.Listener.Net.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			a.Log.Warn().Err(err).Str("listener", a.Listener.Name).Msg("netlisten: accept failed")
			return fmt.Errorf("netlisten: accept on %s: %w", a.Listener.Name, err)
		}
		go a.Handler.HandleConn(ctx, conn)
	}
}

func (a *AcceptLoop) String() string { return "accept-loop:" + a.Listener.Name }
