// Package api exposes the agent's local HTTP surface: batch and card
// queries, video playback, re-analysis triggers, journal export, and a
// server-sent event stream of pipeline progress. It binds to loopback only.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/retrace/retrace-agent/internal/capture"
	"github.com/retrace/retrace-agent/internal/journal"
	"github.com/retrace/retrace-agent/internal/pipeline"
	"github.com/retrace/retrace-agent/internal/playback"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Repository journal.Repository
	Pipeline   *pipeline.Pipeline
	Scheduler  *pipeline.Scheduler
	Bus        *pipeline.Bus
	Playback   *playback.Server
	Ingestor   *capture.Ingestor
	Logger     *slog.Logger
	StartTime  time.Time
	DeviceID   string
	Version    string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// WriteTimeout stays zero: the event stream and video playback
			// are long-lived responses
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
