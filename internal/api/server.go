package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelguard/sentinel/internal/config"
	"github.com/sentinelguard/sentinel/internal/killswitch"
	"github.com/sentinelguard/sentinel/internal/supervisor"
)

// Supervisor is the part of supervisor.Supervisor the API drives.
type Supervisor interface {
	Request(action string) error
	Status() supervisor.Status
}

// KillSwitch is the part of killswitch.KillSwitch the API drives.
type KillSwitch interface {
	Trigger(reason, source string) bool
	Status() killswitch.Status
}

// Server is the local control and status API.
type Server struct {
	config     config.ServerConfig
	supervisor Supervisor
	killSwitch KillSwitch
	sessionID  string
	gatherer   prometheus.Gatherer
	hub        *EventHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server. /metrics is served from gatherer when
// cfg.Metrics is set and gatherer is non-nil.
func NewServer(
	cfg config.ServerConfig,
	sup Supervisor,
	ks KillSwitch,
	sessionID string,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")

	s := &Server{
		config:     cfg,
		supervisor: sup,
		killSwitch: ks,
		sessionID:  sessionID,
		gatherer:   gatherer,
		hub:        NewEventHub(logger),
		mux:        http.NewServeMux(),
		logger:     logger,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/actions", s.handleRequestAction)
	s.mux.HandleFunc("POST /api/killswitch/trigger", s.handleTriggerKillSwitch)
	s.mux.HandleFunc("GET /api/events", s.hub.HandleWebSocket)

	if s.config.Metrics && s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the live event feed. Register it as an event.Sink.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed after
// a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("control API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the event feed and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr joins a bind address and port.
func Addr(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}
