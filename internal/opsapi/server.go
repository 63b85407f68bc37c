package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autoresponder/internal/logger"
	"autoresponder/internal/pipeline"
	"autoresponder/internal/session"
)

// Sessions lists cached remote sessions.
type Sessions interface {
	Snapshot() []session.Session
	Lookup(targetIP string) (session.Session, bool)
}

// Units lists running dispatch units.
type Units interface {
	InFlight() []pipeline.InFlightUnit
}

// DedupCounter reports dedup index sizes.
type DedupCounter interface {
	Counts() (processed int, threats int)
}

// Deps are the read-only views the endpoint serves. Any may be nil.
type Deps struct {
	Gatherer prometheus.Gatherer
	Sessions Sessions
	Units    Units
	Dedup    DedupCounter
	RunID    string
}

// NewRouter builds the operational HTTP handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	started := time.Now()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": "ok",
			"run_id": d.RunID,
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		out := []session.Session{}
		if d.Sessions != nil {
			out = d.Sessions.Snapshot()
		}
		writeJSON(w, out)
	})
	r.Get("/sessions/{target}", func(w http.ResponseWriter, req *http.Request) {
		if d.Sessions == nil {
			http.NotFound(w, req)
			return
		}
		s, ok := d.Sessions.Lookup(chi.URLParam(req, "target"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, s)
	})
	r.Get("/inflight", func(w http.ResponseWriter, _ *http.Request) {
		out := []pipeline.InFlightUnit{}
		if d.Units != nil {
			out = d.Units.InFlight()
		}
		writeJSON(w, out)
	})
	r.Get("/dedup", func(w http.ResponseWriter, _ *http.Request) {
		var processed, threats int
		if d.Dedup != nil {
			processed, threats = d.Dedup.Counts()
		}
		writeJSON(w, map[string]int{"processed_alerts": processed, "recent_threats": threats})
	})
	return r
}

// Server runs the router until Shutdown.
type Server struct {
	srv *http.Server
}

// NewServer creates an ops server listening on addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logger.Infof("Ops endpoint listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Ops endpoint stopped: %v", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode ops response: %v", err)
	}
}
