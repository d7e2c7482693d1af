// Package status serves a small read-only HTTP surface for operators:
// process health, per-table capture state, cache contents, and Prometheus
// metrics.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/capture"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/telemetry"
	"github.com/openhme/envoy/transport"
)

// Server exposes the diagnostics endpoint.
type Server struct {
	pool     *db.Pool
	cache    *cache.PendingCache
	broker   transport.Broker
	monitors []*capture.Monitor

	started time.Time
	httpSrv *http.Server
}

func NewServer(pool *db.Pool, pending *cache.PendingCache, broker transport.Broker, monitors []*capture.Monitor) *Server {
	return &Server{
		pool:     pool,
		cache:    pending,
		broker:   broker,
		monitors: monitors,
		started:  time.Now(),
	}
}

// Start serves the endpoint on the configured address until Stop is called.
func (s *Server) Start() {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/tables", s.handleTables)
	r.Get("/cache", s.handleCache)
	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Config.Status.Address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("address", s.httpSrv.Addr).Msg("Status endpoint listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status endpoint failed")
		}
	}()
}

// Stop shuts the endpoint down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"customer":    cfg.Config.Customer,
		"environment": cfg.Config.Environment,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"database":    s.pool.Reachable(r.Context()),
		"broker":      s.broker.Healthy(),
		"cache_size":  s.cache.Size(),
	})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	type tableStatus struct {
		Table   string `json:"table"`
		Columns int    `json:"columns"`
		Backlog bool   `json:"backlog"`
	}

	tables := make([]tableStatus, 0, len(s.monitors))
	for _, m := range s.monitors {
		backlog, err := m.ChangeLog().HasRows(r.Context())
		if err != nil {
			log.Warn().Err(err).Str("table", m.Table()).Msg("Backlog probe failed")
		}
		tables = append(tables, tableStatus{
			Table:   m.Table(),
			Columns: len(m.ChangeLog().Columns()),
			Backlog: backlog,
		})
	}
	writeJSON(w, tables)
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	keys := s.cache.Keys()
	writeJSON(w, map[string]any{
		"size": len(keys),
		"keys": keys,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Encoding status response failed")
	}
}
