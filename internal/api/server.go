package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/robotlink/internal/audit"
	"github.com/nerrad567/robotlink/internal/history"
	"github.com/nerrad567/robotlink/internal/infrastructure/config"
	"github.com/nerrad567/robotlink/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink/internal/protocol"
	"github.com/nerrad567/robotlink/internal/server"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RobotServer is the part of server.Server the API drives.
type RobotServer interface {
	Robot() string
	Submit(ctx context.Context, req protocol.ClientRequest) (protocol.Reply, error)
	Status() server.Status
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports broker connectivity and the tracked filters.
type ConnectionStatus interface {
	IsConnected() bool
	Subscriptions() []string
}

// TelemetryStatus reports the InfluxDB writer's state.
type TelemetryStatus interface {
	IsConnected() bool
	WriteFailures() uint64
}

// MetricsHandler serves the Prometheus exposition.
type MetricsHandler interface {
	Handler() http.Handler
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	History  config.HistoryConfig
	Logger   *logging.Logger

	// Robot is required.
	Robot RobotServer

	// Optional collaborators.
	HistoryRepo history.Repository
	Audit       audit.Repository
	MQTT        ConnectionStatus
	Telemetry   TelemetryStatus
	Metrics     MetricsHandler

	// Hub, if set, is used instead of creating one. The broadcast fanout
	// needs the hub before the API starts.
	Hub *Hub

	Version string
}

// Server is the HTTP API server for one robot.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	histCfg  config.HistoryConfig
	logger   *logging.Logger
	robot    RobotServer
	history  history.Repository
	audit    audit.Repository
	mqtt     ConnectionStatus
	influx   TelemetryStatus
	metrics  MetricsHandler
	version  string
	hub      *Hub
	ownHub   bool
	started  time.Time
	server   *http.Server
	listener net.Listener

	mu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Robot == nil {
		return nil, fmt.Errorf("robot server is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		histCfg: deps.History,
		logger:  deps.Logger,
		robot:   deps.Robot,
		history: deps.HistoryRepo,
		audit:   deps.Audit,
		mqtt:    deps.MQTT,
		influx:  deps.Telemetry,
		metrics: deps.Metrics,
		version: deps.Version,
		hub:     deps.Hub,
		started: time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		s.ownHub = true
	}
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. The bind
// happens before Start returns, so a port in use is reported here.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	read, write, idle := s.cfg.Timeouts.Durations()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		addr := s.server.Addr
		s.server = nil
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// disconnects the WebSocket clients of a hub the server created itself.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := srv.Shutdown(ctx)
	if s.ownHub {
		s.hub.Close()
	}
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
