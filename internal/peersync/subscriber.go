// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package peersync

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

// Subscriber drives Reconcile off a watermill message.Subscriber bound to
// watchdog.TopicBackendSync — the leader's push notification path
// described in spec.md §4.8 ("Triggered when the watchdog notifies...").
// It is a suture.Service: Serve blocks until ctx is canceled or the
// subscription's channel closes.
type Subscriber struct {
	Sub           message.Subscriber
	Area          *state.Area
	StreamingMode bool
	FindMain      MainNodeFinder
	OnResult      func(Result)
	Log           zerolog.Logger
}

// String implements fmt.Stringer so the supervisor tree and its reap
// policy can name this service in logs and events without reflection.
func (s *Subscriber) String() string { return "peersync-subscriber" }

// Serve implements suture.Service.
func (s *Subscriber) Serve(ctx context.Context) error {
	messages, err := s.Sub.Subscribe(ctx, watchdog.TopicBackendSync)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *message.Message) {
	var snap watchdog.BackendStatusSnapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		s.Log.Warn().Err(err).Msg("peersync: malformed backend-sync notification, dropping")
		msg.Ack()
		return
	}
	result := Reconcile(ctx, s.Area, snap, s.StreamingMode, s.FindMain, s.Log)
	if s.OnResult != nil {
		s.OnResult(result)
	}
	msg.Ack()
}
