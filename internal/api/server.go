// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves configured timeshift buffers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/api/middleware"
	"github.com/ManuGH/xg2g-timeshift/internal/config"
	"github.com/ManuGH/xg2g-timeshift/internal/health"
	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/resume"
	"github.com/ManuGH/xg2g-timeshift/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server exposes the streams named in the configuration.
type Server struct {
	cfg    config.Config
	resume resume.Store
	health *health.Manager
	log    zerolog.Logger
	router chi.Router
	now    func() time.Time
}

// New builds the router. store may be nil, which disables from=resume.
func New(cfg config.Config, store resume.Store) *Server {
	s := &Server{
		cfg:    cfg,
		resume: store,
		log:    xglog.WithComponent("api"),
		now:    time.Now,
	}
	s.health = health.NewManager(version.Version)
	for _, st := range cfg.Streams {
		s.health.RegisterChecker(health.NewManifestChecker(st.Name, st.Manifest, cfg.Manifest.MaxSize))
	}
	if store != nil {
		s.health.RegisterChecker(health.NewStoreChecker(store))
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	tracing := ""
	if s.cfg.Telemetry.Enabled {
		tracing = s.cfg.Telemetry.ServiceName
	}
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:   true,
		TracingService:  tracing,
		EnableLogging:   true,
		RateLimit:       s.cfg.Server.RateLimit,
		RateLimitWindow: time.Minute,
	})

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{name}", s.handleStream)
		r.Get("/{name}/status", s.handleStatus)
		r.Delete("/{name}/resume", s.handleForget)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully. Open streams end
// when ctx is cancelled because request contexts derive from it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().
			Str(xglog.FieldEvent, "server.listen").
			Str("addr", srv.Addr).
			Int("streams", len(s.cfg.Streams)).
			Msg("serving timeshift streams")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

type streamEntry struct {
	Name     string `json:"name"`
	Manifest string `json:"manifest"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	out := make([]streamEntry, 0, len(s.cfg.Streams))
	for _, st := range s.cfg.Streams {
		out = append(out, streamEntry{Name: st.Name, Manifest: st.Manifest})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.cfg.Stream(name); !ok {
		writeError(w, http.StatusNotFound, "unknown_stream", "no stream named "+name)
		return
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		writeError(w, http.StatusBadRequest, "missing_client", "client is required")
		return
	}
	if s.resume == nil {
		writeError(w, http.StatusConflict, "resume_disabled", "no resume store configured")
		return
	}
	if err := s.resume.Delete(r.Context(), client, name); err != nil {
		writeError(w, http.StatusInternalServerError, "resume_store", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
