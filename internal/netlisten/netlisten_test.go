// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package netlisten

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgpool-go/supervisor/internal/logging"
)

func TestBacklogCapsAtMax(t *testing.T) {
	if got := Backlog(100, 1000); got != MaxBacklog {
		t.Fatalf("expected backlog capped at %d, got %d", MaxBacklog, got)
	}
}

func TestBacklogComputesProduct(t *testing.T) {
	if got := Backlog(5, 4); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
}

func TestBacklogFloorsAtOne(t *testing.T) {
	if got := Backlog(0, 0); got != 1 {
		t.Fatalf("expected floor of 1, got %d", got)
	}
}

type recordingHandler struct {
	handled chan struct{}
}

func (h *recordingHandler) HandleConn(ctx context.Context, conn net.Conn) {
	conn.Close()
	close(h.handled)
}

func TestAcceptLoopHandsConnectionToHandler(t *testing.T) {
	dir := t.TempDir()
	ln, err := ListenUnix(filepath.Join(dir, ".s.PGSQL.5432"))
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}

	handler := &recordingHandler{handled: make(chan struct{})}
	loop := &AcceptLoop{Listener: ln, Handler: handler, Log: logging.Logger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Serve(ctx)

	conn, err := net.Dial("unix", ln.Name[len("unix/"):])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-handler.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestListenUnixSecondBindToLiveSocketFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".s.PGSQL.5433")

	first, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("first ListenUnix: %v", err)
	}
	defer first.Net.Close()

	// A plain second bind to the same path while the listener opened by
	// ListenUnix is still live must fail with "address already in use"
	// rather than silently succeeding.
	if _, err := net.Listen("unix", path); err == nil {
		t.Fatalf("expected second bind to a live socket to fail")
	}
}
