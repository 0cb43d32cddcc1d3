// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness, statistics and the device
// deletion hook over HTTP. Plain-text HTTP/2 is accepted as well.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mqproxy/proxy"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const checkTimeout = 2 * time.Second

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Service is the proxy as seen by the health server.
type Service interface {
	Stats() proxy.StatsSnapshot
	Closed() bool
	DeleteDevice(org, devType, devID string) bool
}

// Checker reports whether a dependency is usable. A nil error means ready.
type Checker func(ctx context.Context) error

// Status is the body of the probe endpoints. Details name what is not
// ready.
type Status struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

type Server struct {
	cfg     Config
	svc     Service
	checks  map[string]Checker
	logger  *slog.Logger
	handler http.Handler

	mu   sync.Mutex
	addr net.Addr
}

// New creates the server. checks are run by the readiness probe.
func New(cfg Config, svc Service, checks map[string]Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, svc: svc, checks: checks, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "healthy"})
	})
	mux.HandleFunc("GET /ready", s.ready)
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.svc.Stats())
	})
	mux.HandleFunc("DELETE /devices/{org}/{type}/{id}", s.deleteDevice)
	s.handler = h2c.NewHandler(mux, &http2.Server{})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address, or "" before Listen binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Listen serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.logger.Info("health_server_started", slog.String("address", ln.Addr().String()))

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.logger.Error("health_server_shutdown_failed", slog.String("error", err.Error()))
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("health_server_stopped")
	return nil
}

// ready answers 200 while the proxy accepts sessions and every dependency
// check passes. Checks run concurrently under one timeout.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil || s.svc.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, Status{
			Status:  "not_ready",
			Details: map[string]string{"proxy": "shutting down"},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed map[string]string
	)
	for name, check := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check(ctx); err != nil {
				mu.Lock()
				if failed == nil {
					failed = make(map[string]string)
				}
				failed[name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed != nil {
		writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Details: failed})
		return
	}
	writeJSON(w, http.StatusOK, Status{Status: "ready"})
}

// deleteDevice drops the cached authorization of a deleted device and
// disconnects it.
func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if !s.svc.DeleteDevice(r.PathValue("org"), r.PathValue("type"), r.PathValue("id")) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
