package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Emitter receives operation lifecycle events. It is implemented by the
// broadcast Publisher.
type Emitter interface {
	OperationUpdate(h protocol.Handle, stage protocol.Stage, message, errMsg *string) error
}

// ReadyFunc reports whether the device can accept foreground work. A false
// result is treated the same as a held Gate.
type ReadyFunc func() bool

// Request outcomes reported to Metrics.
const (
	OutcomeOK        = "ok"
	OutcomeUnknown   = "unknown_operation"
	OutcomeArguments = "incorrect_arguments"
	OutcomeError     = "error"
)

// Operation results reported to Metrics.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultBusy  = "busy"
)

// Metrics receives dispatcher counters. See infrastructure/metrics.
type Metrics interface {
	RequestHandled(operation, outcome string)
	OperationFinished(kind, result string)
}

// OperationTimer receives the run time of each task operation that reached
// End, measured from its Start event.
type OperationTimer interface {
	OperationTimed(operation, result string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RequestHandled(string, string)    {}
func (noopMetrics) OperationFinished(string, string) {}

// Options configures a Dispatcher.
type Options struct {
	// Operations is required.
	Operations *operation.Registry

	// Emitter is required; lifecycle events are sent here.
	Emitter Emitter

	// Handles and Gate default to fresh instances when nil.
	Handles *operation.HandleRegistry
	Gate    *operation.Gate

	// Ready is an optional device readiness check for foreground operations.
	Ready ReadyFunc

	Metrics Metrics

	// Timer is optional.
	Timer OperationTimer
}

// Dispatcher validates incoming requests and routes them to the registered
// handler using the strategy selected by the operation's kind.
//
// Thread Safety:
//   - Dispatch is safe for concurrent use, though the server's request loop
//     calls it from a single goroutine.
//   - Handler goroutines for asynchronous operations are tracked and can be
//     awaited with Wait or Shutdown.
type Dispatcher struct {
	ops     *operation.Registry
	handles *operation.HandleRegistry
	gate    *operation.Gate
	emitter Emitter
	ready   ReadyFunc
	metrics Metrics
	timer   OperationTimer
	logger  Logger

	strategies map[operation.Kind]strategy

	// active maps handles that have started but not ended to their start
	// time.
	active   map[protocol.Handle]time.Time
	activeMu sync.Mutex

	// ctx is the lifetime context handed to asynchronous handlers.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Operations == nil {
		return nil, fmt.Errorf("operation registry is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}

	d := &Dispatcher{
		ops:     opts.Operations,
		handles: opts.Handles,
		gate:    opts.Gate,
		emitter: opts.Emitter,
		ready:   opts.Ready,
		metrics: opts.Metrics,
		timer:   opts.Timer,
		logger:  noopLogger{},
		active:  make(map[protocol.Handle]time.Time),
	}
	if d.handles == nil {
		d.handles = operation.NewHandleRegistry()
	}
	if d.gate == nil {
		d.gate = operation.NewGate()
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.strategies = map[operation.Kind]strategy{
		operation.Query:      queryStrategy{d: d},
		operation.Background: backgroundStrategy{d: d},
		operation.Foreground: foregroundStrategy{d: d},
	}
	return d, nil
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Gate returns the exclusion gate guarding foreground operations.
func (d *Dispatcher) Gate() *operation.Gate {
	return d.gate
}

// Handles returns the handle registry.
func (d *Dispatcher) Handles() *operation.HandleRegistry {
	return d.handles
}

// Dispatch validates req and runs it. It never panics and never returns an
// error: every failure is converted into the reply's error field.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.ClientRequest) protocol.Reply {
	desc, err := d.ops.Lookup(req.Operation)
	if err != nil {
		d.logger.Error("operation does not exist", "operation", req.Operation)
		d.metrics.RequestHandled("unknown", OutcomeUnknown)
		return protocol.Failure(protocol.MsgUnknownOperation)
	}

	if err := desc.Params.Validate(req.Parameters); err != nil {
		d.logger.Error("invalid arguments for operation",
			"operation", desc.Name,
			"parameters", req.Parameters,
			"error", err,
		)
		d.metrics.RequestHandled(desc.Name, OutcomeArguments)
		return protocol.Failure(protocol.MsgIncorrectArguments)
	}

	strat, ok := d.strategies[desc.Kind]
	if !ok {
		// Unreachable: the registry rejects unknown kinds.
		d.logger.Error("no strategy for operation kind", "operation", desc.Name, "kind", desc.Kind.String())
		d.metrics.RequestHandled(desc.Name, OutcomeError)
		return protocol.Failure(protocol.MsgInternal)
	}

	d.logger.Debug("calling operation",
		"operation", desc.Name,
		"kind", desc.Kind.String(),
		"parameters", req.Parameters,
	)
	reply := strat.run(ctx, desc, req.Parameters)

	outcome := OutcomeOK
	if reply.Failed() {
		outcome = OutcomeError
	}
	d.metrics.RequestHandled(desc.Name, outcome)
	return reply
}

// Progress emits an Update event for a handle that has started and not yet
// ended. It returns false, emitting nothing, for unknown or finished handles.
func (d *Dispatcher) Progress(h protocol.Handle, message string) bool {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()

	if _, ok := d.active[h]; !ok {
		return false
	}
	d.emit(h, protocol.StageUpdate, protocol.ErrorString(message), nil)
	return true
}

// Active returns the number of operations that have started and not ended.
func (d *Dispatcher) Active() int {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return len(d.active)
}

// Wait blocks until every asynchronous handler goroutine has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for in-flight handlers. If ctx expires first the handler
// context is cancelled, the remaining handlers are awaited and ctx's error
// is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("operations still running at shutdown, cancelling", "active", d.Active())
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// begin marks h active and emits its Start event.
func (d *Dispatcher) begin(h protocol.Handle) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()

	d.active[h] = time.Now()
	d.emit(h, protocol.StageStart, nil, nil)
}

// end emits the terminal event for h. Holding activeMu here keeps a late
// Progress call from emitting after End.
func (d *Dispatcher) end(h protocol.Handle, desc *operation.Descriptor, message, errMsg *string) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()

	started := d.active[h]
	delete(d.active, h)
	d.emit(h, protocol.StageEnd, message, errMsg)

	result := ResultOK
	switch {
	case errMsg != nil && *errMsg == protocol.MsgBusy:
		result = ResultBusy
	case errMsg != nil:
		result = ResultError
	}
	d.metrics.OperationFinished(desc.Kind.String(), result)
	if d.timer != nil && !started.IsZero() {
		d.timer.OperationTimed(desc.Name, result, time.Since(started))
	}
}

func (d *Dispatcher) emit(h protocol.Handle, stage protocol.Stage, message, errMsg *string) {
	if err := d.emitter.OperationUpdate(h, stage, message, errMsg); err != nil {
		d.logger.Warn("failed to emit operation update",
			"handle", h,
			"stage", string(stage),
			"error", err,
		)
	}
}

func (d *Dispatcher) isReady() bool {
	if d.ready == nil {
		return true
	}
	return d.ready()
}

// deviceErrorMessage extracts the verbatim message of a DeviceError.
func deviceErrorMessage(err error) (string, bool) {
	var devErr *protocol.DeviceError
	if errors.As(err, &devErr) {
		return devErr.Message, true
	}
	return "", false
}
