// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package adminws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgpool-go/supervisor/internal/logging"
)

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub(logging.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Serve(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Broadcast(Event{Type: EventBackendStatus, Data: map[string]any{"id": 0, "status": "up"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), "backend_status") {
		t.Fatalf("expected backend_status event, got %s", payload)
	}
}

func TestHubBroadcastDoesNotBlockWithNoConsumer(t *testing.T) {
	hub := NewHub(logging.Logger())
	for i := 0; i < 300; i++ {
		hub.Broadcast(Event{Type: EventFailoverSweep})
	}
}

func TestClientCountReflectsRegistration(t *testing.T) {
	hub := NewHub(logging.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Serve(ctx)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients initially, got %d", hub.ClientCount())
	}
}
