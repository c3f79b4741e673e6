// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

//go:build integration

// Package integration runs the supervisor's failover engine against real
// Postgres containers and an embedded NATS server, grounded on this
// codebase's testinfra helpers (SkipIfNoDocker, CleanupContainer,
// GenericContainer) and its embedded-NATS pattern (server.Options,
// ns.Start, ns.ReadyForConnections).
//
// Usage:
//
//	go test -tags integration ./test/integration/...
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// pgNode is a running Postgres container reachable from the test process.
type pgNode struct {
	container testcontainers.Container
	host      string
	port      int
	dsn       string
}

func (n *pgNode) cleanup(t *testing.T, ctx context.Context) {
	t.Helper()
	if n == nil || n.container == nil {
		return
	}
	if err := n.container.Terminate(ctx); err != nil {
		t.Logf("warning: failed to terminate postgres container: %v", err)
	}
}

// startStandalone starts a Postgres instance with no replication setup, used
// where a scenario needs a second independently-addressable backend rather
// than a true streaming replica (scenarios 1, 2 and 6 only require the
// discoverer to observe pg_is_in_recovery() == false on every UP backend
// they exercise).
func startStandalone(ctx context.Context, t *testing.T) *pgNode {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "docker.io/library/postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD":         "postgres",
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start standalone postgres container: %v", err)
	}

	return nodeFrom(ctx, t, c)
}

func nodeFrom(ctx context.Context, t *testing.T, c testcontainers.Container) *pgNode {
	t.Helper()

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container mapped port: %v", err)
	}

	port := mapped.Int()
	return &pgNode{
		container: c,
		host:      host,
		port:      port,
		dsn:       fmt.Sprintf("host=%s port=%d user=postgres password=postgres dbname=postgres sslmode=disable", host, port),
	}
}

// embeddedNATS starts an in-process NATS server for the watchdog transport
// and peer-sync subscriber, the same embedding pattern as this codebase's
// other nats-server usage (options struct, background Start, bounded
// ReadyForConnections wait).
func embeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       -1, // random free port
		NoLog:      true,
		NoSigs:     true,
		JetStream:  false,
		DontListen: false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}
	t.Cleanup(ns.Shutdown)

	return ns, ns.ClientURL()
}
