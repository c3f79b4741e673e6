// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package adminhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Service adapts an *http.Server's blocking ListenAndServe into a
// suture.Service, grounded on this codebase's HTTP-server supervision
// wrapper: start in a goroutine, race it against ctx.Done, and call
// Shutdown with a bounded timeout on graceful stop.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewService wraps server for the admin-surface worker layer.
func NewService(server *http.Server, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("adminhttp: server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("adminhttp: shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string { return "adminhttp-server" }
