package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/robotlink/internal/broadcast"
	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/dispatch"
	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// Logger defines the logging interface used by the server components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

var (
	// ErrNotRunning is reported by HealthCheck before Start and after Stop.
	ErrNotRunning = errors.New("server: not running")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server: already started")
)

// RefreshOperation is the query every server answers with the adapter's
// attribute snapshot.
const RefreshOperation = "refresh"

// Adapter is the device the server fronts.
type Adapter interface {
	Snapshot(ctx context.Context) (map[string]any, error)
	OnChange(fn func(name string, value any)) (cancel func())
	Ready() bool
}

// Endpoint is a request transport attached to the loop.
type Endpoint interface {
	Start() error
	Stop() error
}

// Metrics combines the dispatcher and broadcast hooks.
type Metrics interface {
	dispatch.Metrics
	broadcast.Metrics
}

// Options configures a Server.
type Options struct {
	Robot   string
	Adapter Adapter

	// Sink receives every broadcast event. Required.
	Sink broadcast.Sink

	BroadcastQueueSize int
	HeartbeatAttribute string

	RequestQueueSize int
	RequestTimeout   time.Duration

	Metrics Metrics

	// OperationTimer, when set, receives each task's run time.
	OperationTimer dispatch.OperationTimer
}

// Status is a point-in-time view of the server.
type Status struct {
	Robot            string   `json:"robot"`
	Running          bool     `json:"running"`
	DeviceReady      bool     `json:"device_ready"`
	ForegroundHeld   bool     `json:"foreground_held"`
	LastHandle       uint64   `json:"last_handle"`
	ActiveOperations int      `json:"active_operations"`
	PendingRequests  int      `json:"pending_requests"`
	PendingEvents    int      `json:"pending_events"`
	Operations       []string `json:"operations"`
	Updates          []string `json:"updates"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
}

// Server owns the operation registry, handle registry and foreground gate,
// and wires the dispatcher between the request loop and the broadcast
// publisher.
type Server struct {
	robot   string
	adapter Adapter
	logger  Logger

	ops        *operation.Registry
	handles    *operation.HandleRegistry
	gate       *operation.Gate
	dispatcher *dispatch.Dispatcher
	publisher  *broadcast.Publisher
	loop       *RequestLoop
	updates    *device.UpdateRouter

	mu          sync.Mutex
	endpoints   []Endpoint
	running     bool
	stopped     bool
	startedAt   time.Time
	cancelWatch func()
}

// New builds a stopped server with the refresh query registered.
func New(opts Options) (*Server, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("broadcast sink is required")
	}

	var bm broadcast.Metrics
	var dm dispatch.Metrics
	if opts.Metrics != nil {
		bm, dm = opts.Metrics, opts.Metrics
	}

	s := &Server{
		robot:   opts.Robot,
		adapter: opts.Adapter,
		logger:  noopLogger{},
		ops:     operation.NewRegistry(),
		handles: operation.NewHandleRegistry(),
		gate:    operation.NewGate(),
		updates: device.NewUpdateRouter(),
	}
	s.publisher = broadcast.NewPublisher(opts.Sink, broadcast.Options{
		QueueSize:          opts.BroadcastQueueSize,
		HeartbeatAttribute: opts.HeartbeatAttribute,
		Metrics:            bm,
	})

	d, err := dispatch.New(dispatch.Options{
		Operations: s.ops,
		Emitter:    s.publisher,
		Handles:    s.handles,
		Gate:       s.gate,
		Ready:      opts.Adapter.Ready,
		Metrics:    dm,
		Timer:      opts.OperationTimer,
	})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	s.dispatcher = d
	s.loop = NewRequestLoop(d, opts.RequestQueueSize, opts.RequestTimeout)

	if err := s.ops.RegisterQuery(RefreshOperation, nil, s.refresh); err != nil {
		return nil, fmt.Errorf("registering %s: %w", RefreshOperation, err)
	}
	return s, nil
}

// SetLogger sets the logger on the server and every component it owns.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
	s.publisher.SetLogger(logger)
	s.dispatcher.SetLogger(logger)
	s.loop.SetLogger(logger)
	s.updates.SetLogger(logger)
}

// Operations returns the registry new operations are installed into.
func (s *Server) Operations() *operation.Registry { return s.ops }

// Updates returns the router for controller SetAttribute updates.
func (s *Server) Updates() *device.UpdateRouter { return s.updates }

// Dispatcher returns the dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Publisher returns the broadcast publisher.
func (s *Server) Publisher() *broadcast.Publisher { return s.publisher }

// Loop returns the request loop transports enqueue into.
func (s *Server) Loop() *RequestLoop { return s.loop }

// Robot returns the robot id.
func (s *Server) Robot() string { return s.robot }

// AddEndpoint attaches a transport, started and stopped with the server.
// Endpoints added after Start are started immediately.
func (s *Server) AddEndpoint(e Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, e)
	if s.running {
		return e.Start()
	}
	return nil
}

// Submit runs a request through the loop and returns its reply. The HTTP
// API uses it.
func (s *Server) Submit(ctx context.Context, req protocol.ClientRequest) (protocol.Reply, error) {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	return s.loop.Submit(ctx, req)
}

// Start begins broadcasting attribute changes and serving requests.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.publisher.Start()
	s.loop.Start()
	s.cancelWatch = s.adapter.OnChange(s.onChange)

	for i, e := range s.endpoints {
		if err := e.Start(); err != nil {
			for _, started := range s.endpoints[:i] {
				_ = started.Stop() //nolint:errcheck // unwinding a failed start
			}
			s.cancelWatch()
			s.loop.Stop()
			s.publisher.Stop()
			s.stopped = true
			return fmt.Errorf("starting endpoint: %w", err)
		}
	}

	s.running = true
	s.startedAt = time.Now()
	s.logger.Info("robot server started",
		"robot", s.robot,
		"operations", len(s.ops.Names()),
		"endpoints", len(s.endpoints),
	)
	return nil
}

// Stop stops accepting requests, answers those queued, waits for running
// operations (cancelling them if ctx expires) and drains the broadcast
// queue.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	endpoints := append([]Endpoint(nil), s.endpoints...)
	cancelWatch := s.cancelWatch
	s.mu.Unlock()

	var errs []error
	for _, e := range endpoints {
		if err := e.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping endpoint: %w", err))
		}
	}
	s.loop.Stop()

	if err := s.dispatcher.Shutdown(ctx); err != nil {
		s.logger.Warn("operations cancelled at shutdown", "error", err)
		errs = append(errs, err)
	}
	cancelWatch()
	s.publisher.Stop()

	s.logger.Info("robot server stopped", "robot", s.robot)
	return errors.Join(errs...)
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	return nil
}

// Status returns a snapshot of the server's state.
func (s *Server) Status() Status {
	s.mu.Lock()
	running, startedAt := s.running, s.startedAt
	s.mu.Unlock()

	st := Status{
		Robot:            s.robot,
		Running:          running,
		DeviceReady:      s.adapter.Ready(),
		ForegroundHeld:   s.gate.Held(),
		LastHandle:       uint64(s.handles.Last()),
		ActiveOperations: s.dispatcher.Active(),
		PendingRequests:  s.loop.Pending(),
		PendingEvents:    s.publisher.Pending(),
		Operations:       s.ops.Names(),
		Updates:          s.updates.Names(),
	}
	if running {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return st
}

func (s *Server) refresh(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return s.adapter.Snapshot(ctx)
}

// onChange runs on the adapter's delivery goroutine: broadcast the change,
// then route controller updates.
func (s *Server) onChange(name string, value any) {
	if err := s.publisher.Values(map[string]any{name: value}); err != nil {
		s.logger.Debug("attribute change not broadcast", "attribute", name, "error", err)
	}
	if name != device.AttrClientUpdate {
		return
	}
	if str, ok := value.(string); ok && str == "" {
		return
	}
	if value == nil {
		return
	}
	_ = s.updates.HandleValue(value) //nolint:errcheck // logged by the router
}
