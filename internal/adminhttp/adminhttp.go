// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package adminhttp exposes the supervisor's read-only admin HTTP surface:
// backend/queue status as JSON, Prometheus metrics, and a swagger UI over
// the same — grounded on this codebase's Chi-router convention (ADR-0016
// style: go-chi/chi router, go-chi/cors, go-chi/httprate, http-swagger).
//
// Every route here is read-only: the PCP RPC worker, not this package, is
// the external collaborator that accepts mutating admin commands
// (spec.md §6.4).
package adminhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/pgpool-go/supervisor/internal/queue"
	"github.com/pgpool-go/supervisor/internal/registry"
	"github.com/pgpool-go/supervisor/internal/state"
)

// Config controls CORS, rate limiting, and swagger exposure.
type Config struct {
	CORSOrigins     []string
	RateLimitPerMin int
	SwaggerEnabled  bool
}

// StatusSource is what this package reads to answer /status — the
// supervisor's own shared state area, request queue, and child registry.
type StatusSource struct {
	Area     *state.Area
	Queue    *queue.Queue
	Registry *registry.Registry
}

// backendStatusView is the JSON shape of one backend in the status
// response — a narrower projection of state.Snapshot for external
// consumers, who don't need DataDir or Flags.
type backendStatusView struct {
	ID         int    `json:"id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Status     string `json:"status"`
	Role       string `json:"role"`
	Quarantine bool   `json:"quarantine"`
}

type statusResponse struct {
	MainNodeID          int32               `json:"main_node_id"`
	PrimaryNodeID       int32               `json:"primary_node_id"`
	Switching           bool                `json:"switching"`
	FollowPrimaryActive bool                `json:"follow_primary_active"`
	Backends            []backendStatusView `json:"backends"`
}

type queueResponse struct {
	Depth int `json:"depth"`
}

type childView struct {
	Role      string    `json:"role"`
	Index     int       `json:"index"`
	StartedAt time.Time `json:"started_at"`
}

// NewRouter builds the admin HTTP handler. log is used only for request
// logging middleware; handlers themselves don't log.
func NewRouter(cfg Config, src StatusSource, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))

	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 120
	}
	r.Use(httprate.LimitByIP(perMin, time.Minute))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", src.handleStatus)
		r.Get("/queue", src.handleQueue)
		r.Get("/children", src.handleChildren)
	})

	r.Handle("/metrics", promhttp.Handler())

	if cfg.SwaggerEnabled {
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
			httpSwagger.DeepLinking(true),
		))
	}

	return r
}

func (s StatusSource) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.Area.All()
	views := make([]backendStatusView, len(snaps))
	for i, snap := range snaps {
		views[i] = backendStatusView{
			ID:         snap.ID,
			Host:       snap.Host,
			Port:       snap.Port,
			Status:     snap.Status.String(),
			Role:       snap.Role.String(),
			Quarantine: snap.Quarantine,
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		MainNodeID:          s.Area.MainNodeID(),
		PrimaryNodeID:       s.Area.PrimaryNodeID(),
		Switching:           s.Area.Switching(),
		FollowPrimaryActive: s.Area.FollowPrimaryOngoing(),
		Backends:            views,
	})
}

func (s StatusSource) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{Depth: s.Queue.Len()})
}

func (s StatusSource) handleChildren(w http.ResponseWriter, r *http.Request) {
	recs := s.Registry.All()
	views := make([]childView, len(recs))
	for i, rec := range recs {
		views[i] = childView{Role: rec.Role.String(), Index: rec.Index, StartedAt: rec.StartedAt}
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("adminhttp: request")
		})
	}
}
