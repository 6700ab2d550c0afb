// Package web provides the HTTP control surface for the analysis
// pipeline.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mamorett/sybilla/internal/util"
)

// Server is the control API server.
type Server struct {
	orch   Pipeline
	reg    RunStore
	config *util.Config
	port   int
	srv    *http.Server
}

// NewServer creates the control API server.
func NewServer(orch Pipeline, reg RunStore, cfg *util.Config, port int) *Server {
	return &Server{
		orch:   orch,
		reg:    reg,
		config: cfg,
		port:   port,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	h := NewHandlers(s.orch, s.reg, s.config)

	mux.HandleFunc("/api/run-analysis", h.APIRunAnalysis)
	mux.HandleFunc("/api/scheduler/start", h.APISchedulerStart)
	mux.HandleFunc("/api/scheduler/stop", h.APISchedulerStop)
	mux.HandleFunc("/api/status", h.APIGetStatus)
	mux.HandleFunc("/api/status/ws", h.APIStatusStream)
	mux.HandleFunc("/api/runs", h.APIGetRuns)
	mux.HandleFunc("/api/report/", h.APIDownloadReport) // Handles /api/report/{runID}
	mux.HandleFunc("/healthz", h.Healthz)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	util.Info("Control API starting on port %d", s.port)

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
