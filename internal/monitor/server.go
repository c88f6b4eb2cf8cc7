// Package monitor serves a local observer endpoint: prometheus metrics, a
// health check and a websocket feed of bus events.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/caredesk/internal/bus"
)

// StatusSource reports client health
type StatusSource interface {
	Status() map[string]any
}

// StatusFunc adapts a function to StatusSource
type StatusFunc func() map[string]any

func (f StatusFunc) Status() map[string]any { return f() }

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Client    map[string]any `json:"client,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Server is the observer HTTP server
type Server struct {
	httpServer *http.Server
	hub        *Hub
	status     StatusSource
	version    string
	startTime  time.Time
	logger     zerolog.Logger
}

// New creates the server. status may be nil.
func New(addr, version string, eventBus *bus.EventBus, status StatusSource, logger zerolog.Logger) *Server {
	s := &Server{
		hub:       NewHub(logger),
		status:    status,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
	if eventBus != nil {
		eventBus.SubscribeAll(s.hub.Broadcast)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/events", s.hub.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routes for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the event fan-out
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens in the background. It returns once the port is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Monitor listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Monitor server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server and drops clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.status != nil {
		response.Client = s.status.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
