// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package watchdog

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Subject names for the NATS request/reply calls this adapter issues
// against the watchdog cluster leader. The watchdog process itself binds
// these subjects; this repository only speaks the client side.
const (
	subjFailoverStart   = "watchdog.failover.start"
	subjFailoverEnd     = "watchdog.failover.end"
	subjBackendStatus   = "watchdog.backend_status"
	subjLocalState      = "watchdog.local_state"
	subjQuorumState     = "watchdog.quorum_state"
	subjLockStandby     = "watchdog.lock_standby"
	subjUnlockStandby   = "watchdog.unlock_standby"
	subjCleanupRequired = "watchdog.cleanup_required"

	// TopicBackendSync is the push topic the leader publishes to after a
	// failover, so peer sync (internal/peersync) can react without
	// polling — see SPEC_FULL.md §4.8.
	TopicBackendSync = "watchdog.backend_sync"
)

// NATSClient implements Client over a NATS connection, using request/reply
// for the synchronous calls the watchdog interface exposes.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSClient wraps an existing NATS connection. Callers own the
// connection's lifecycle (Close it themselves).
func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, timeout: timeout}
}

func (c *NATSClient) request(ctx context.Context, subject string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("watchdog: marshal request: %w", err)
		}
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("watchdog: request %s: %w", subject, err)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(msg.Data, resp)
}

func (c *NATSClient) FailoverStart(ctx context.Context) error {
	return c.request(ctx, subjFailoverStart, nil, nil)
}

func (c *NATSClient) FailoverEnd(ctx context.Context) error {
	return c.request(ctx, subjFailoverEnd, nil, nil)
}

func (c *NATSClient) BackendStatusFromLeader(ctx context.Context) (BackendStatusSnapshot, error) {
	var snap BackendStatusSnapshot
	err := c.request(ctx, subjBackendStatus, nil, &snap)
	return snap, err
}

type stateResponse struct {
	State int `json:"state"`
}

func (c *NATSClient) LocalState(ctx context.Context) (LocalState, error) {
	var resp stateResponse
	if err := c.request(ctx, subjLocalState, nil, &resp); err != nil {
		return StateUnknown, err
	}
	return LocalState(resp.State), nil
}

func (c *NATSClient) QuorumState(ctx context.Context) (QuorumState, error) {
	var resp stateResponse
	if err := c.request(ctx, subjQuorumState, nil, &resp); err != nil {
		return QuorumUnknown, err
	}
	return QuorumState(resp.State), nil
}

type resourceRequest struct {
	Resource Resource `json:"resource"`
}

func (c *NATSClient) LockStandby(ctx context.Context, resource Resource) error {
	return c.request(ctx, subjLockStandby, resourceRequest{Resource: resource}, nil)
}

func (c *NATSClient) UnlockStandby(ctx context.Context, resource Resource) error {
	return c.request(ctx, subjUnlockStandby, resourceRequest{Resource: resource}, nil)
}

func (c *NATSClient) SetCleanupNeeded(ctx context.Context) {
	// Fire-and-forget: a failed publish here must never block shutdown
	// or reaping, so errors are swallowed past a best-effort attempt.
	_ = c.nc.Publish(subjCleanupRequired, nil)
}
