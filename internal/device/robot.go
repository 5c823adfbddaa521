package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// Handshake defaults.
const (
	DefaultProcessDelay = 300 * time.Millisecond
	DefaultStartTimeout = 500 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
)

// Messages returned as device errors by RunTask.
const (
	MsgBusy            = "busy"
	MsgFailedToStart   = "operation failed to start"
	MsgForegroundError = "foreground error"
)

// Logger defines the logging interface used by the Robot.
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

// Options tunes the controller handshake.
type Options struct {
	// ProcessDelay is the settle time after writing run_args and after the
	// task finishes.
	ProcessDelay time.Duration

	// StartTimeout bounds the wait for foreground_done to drop to 0.
	StartTimeout time.Duration

	// PollInterval is how often foreground_done is sampled.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProcessDelay < 0 {
		o.ProcessDelay = 0
	} else if o.ProcessDelay == 0 {
		o.ProcessDelay = DefaultProcessDelay
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Robot is the server's view of the controller.
//
// Thread Safety:
//   - All methods are safe for concurrent use. RunTask callers are expected
//     to hold the foreground gate; the controller itself rejects overlap.
type Robot struct {
	bus    AttributeBus
	opts   Options
	logger Logger
}

// NewRobot creates a Robot on bus. Zero option fields take the defaults;
// a negative ProcessDelay disables the settle waits.
func NewRobot(bus AttributeBus, opts Options) *Robot {
	return &Robot{bus: bus, opts: opts.withDefaults(), logger: noopLogger{}}
}

// SetLogger sets the logger for the robot.
func (r *Robot) SetLogger(logger Logger) {
	r.logger = logger
}

// Snapshot returns every known attribute that currently has a value.
func (r *Robot) Snapshot(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := make(map[string]any, len(attributes))
	for _, name := range attributes {
		if v, ok := r.bus.Get(name); ok {
			data[name] = v
		}
	}
	return data, nil
}

// Get returns the value of a known attribute.
func (r *Robot) Get(name string) (any, error) {
	if !IsAttribute(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	v, _ := r.bus.Get(name)
	return v, nil
}

// Put writes a known attribute.
func (r *Robot) Put(ctx context.Context, name string, value any) error {
	if !IsAttribute(name) {
		return fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	if err := r.bus.Put(ctx, name, value); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Execute pulses a command attribute: 1 then 0.
func (r *Robot) Execute(ctx context.Context, attr string) error {
	if err := r.Put(ctx, attr, 1); err != nil {
		return err
	}
	return r.Put(ctx, attr, 0)
}

// Ready reports whether the controller's foreground is idle.
func (r *Robot) Ready() bool {
	v, ok := r.bus.Get(AttrForegroundDone)
	if !ok {
		return false
	}
	n, ok := numeric(v)
	return ok && n == 1
}

// OnChange registers fn for changes to known attributes and returns a
// function that removes it.
func (r *Robot) OnChange(fn func(name string, value any)) func() {
	return r.bus.Watch(func(name string, value any) {
		if IsAttribute(name) {
			fn(name, value)
		}
	})
}

// RunTask runs a named foreground task through the controller handshake and
// returns the task's result text.
//
// The controller must be idle. run_args is written, then generic_command;
// the controller acknowledges by dropping foreground_done to 0 and finishes
// by raising it to 1. The trimmed task_result is returned as written, unless
// the controller raised foreground_error, which fails the task with
// foreground_error_message.
func (r *Robot) RunTask(ctx context.Context, name, args string) (string, error) {
	if !r.Ready() {
		return "", protocol.NewDeviceError("%s", MsgBusy)
	}

	if err := r.Put(ctx, AttrRunArgs, args); err != nil {
		return "", err
	}
	if err := sleep(ctx, r.opts.ProcessDelay); err != nil {
		return "", err
	}
	if err := r.Put(ctx, AttrGenericCommand, name); err != nil {
		return "", err
	}
	r.logger.Debug("task commanded", "task", name)

	if err := r.waitStarted(ctx); err != nil {
		return "", err
	}
	if err := r.waitFinished(ctx); err != nil {
		return "", err
	}
	if err := sleep(ctx, r.opts.ProcessDelay); err != nil {
		return "", err
	}

	if err := r.foregroundError(); err != nil {
		return "", err
	}
	raw, _ := r.bus.Get(AttrTaskResult)
	return strings.TrimSpace(toString(raw)), nil
}

func (r *Robot) waitStarted(ctx context.Context) error {
	deadline := time.NewTimer(r.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !r.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if !r.Ready() {
				return nil
			}
			return protocol.NewDeviceError("%s", MsgFailedToStart)
		case <-ticker.C:
		}
	}
}

func (r *Robot) waitFinished(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		if r.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// foregroundError reports a nonzero foreground_error as a DeviceError.
func (r *Robot) foregroundError() error {
	v, ok := r.bus.Get(AttrForegroundError)
	if !ok {
		return nil
	}
	if n, isNum := numeric(v); !isNum || n == 0 {
		return nil
	}
	msg, _ := r.bus.Get(AttrForegroundErrorMessage)
	text := strings.TrimSpace(toString(msg))
	if text == "" {
		text = MsgForegroundError
	}
	return protocol.NewDeviceError("%s", text)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// numeric reads the number types the buses produce, plus bools and numeric
// strings from bridges that publish everything as text.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
