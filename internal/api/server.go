// Package api exposes the screener over HTTP and WebSocket: alert CRUD,
// per-user notification push, the density live feed, health and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-screener/internal/config"
)

// Server runs the HTTP/WebSocket surface.
type Server struct {
	cfg       config.ServerConfig
	push      *AlertHub
	densities *DensityHub
	server    *http.Server
	logger    *slog.Logger
}

// NewServer wires the router. The density feed loop and the listener
// itself start in Run and Start respectively.
func NewServer(cfg config.ServerConfig, alerts Alerts, source SnapshotSource, logger *slog.Logger) *Server {
	push := NewAlertHub(alerts, logger)
	densities := NewDensityHub(source, logger)
	h := &handlers{
		alerts:    alerts,
		push:      push,
		densities: densities,
		origins:   cfg.AllowedOrigins,
		logger:    logger.With("component", "api-handlers"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// /alerts/all must be registered before the user_id route or the
	// router would try to match it as a websocket path.
	r.HandleFunc("/alerts/all", h.handleListAll).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{user_id:[0-9]+}", h.handleAlertsWS).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id:[0-9a-f]{16}}", h.handleUnsubscribe).Methods(http.MethodDelete)
	r.HandleFunc("/alerts", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/alerts", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/alerts", h.handleUnsubscribeAll).Methods(http.MethodDelete)

	r.HandleFunc("/ws/densities", h.handleDensitiesWS).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:       cfg,
		push:      push,
		densities: densities,
		server:    server,
		logger:    logger.With("component", "api-server"),
	}
}

// PushSink exposes the alert hub for registration as a notification
// sink.
func (s *Server) PushSink() *AlertHub { return s.push }

// Run drives the density feed loop; call it in a goroutine alongside
// Start.
func (s *Server) Run(ctx context.Context) { s.densities.Run(ctx) }

// Start blocks serving requests until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down and drops push connections.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.push.closeAll()
	return err
}
