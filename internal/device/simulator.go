package device

import (
	"context"
	"sync"
	"time"
)

// Simulated controller defaults.
const (
	SimulatorModel             = "robotlink-sim"
	DefaultSimulatedTaskLength = time.Second

	// SimulatedFailure, as a task name or its arguments, makes the simulated
	// task finish with foreground_error raised.
	SimulatedFailure = "fail"
)

// SimulatorOptions tunes the simulated controller.
type SimulatorOptions struct {
	// TaskDuration is how long foreground_done stays 0 for a task.
	TaskDuration time.Duration

	// Heartbeat is the period of "time" updates. Zero disables them.
	Heartbeat time.Duration
}

// Simulator is a MemoryBus that behaves like the controller for the
// commands the server issues: generic_command runs a task through the
// foreground_done handshake, and the motors and toolset commands are
// mirrored into their status attributes.
type Simulator struct {
	*MemoryBus

	opts    SimulatorOptions
	started time.Time

	mu      sync.Mutex
	running bool
	closing bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSimulator creates an idle simulated controller.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.TaskDuration <= 0 {
		opts.TaskDuration = DefaultSimulatedTaskLength
	}
	s := &Simulator{
		MemoryBus: NewMemoryBus(map[string]any{
			AttrModel:           SimulatorModel,
			AttrTime:            0.0,
			AttrAtHome:          1,
			AttrMotorsOn:        0,
			AttrToolset:         "none",
			AttrForegroundDone:  1,
			AttrForegroundError: 0,
			AttrSafetyGate:      0,
			AttrTaskMessage:     "",
			AttrTaskProgress:    0.0,
			AttrTaskResult:      "",
			AttrRunArgs:         "",
		}),
		opts:    opts,
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.onPut = s.handlePut
	return s
}

// Start begins heartbeat updates until ctx ends or Close is called.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Heartbeat <= 0 || s.closing {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				_ = s.Set(AttrTime, now.Sub(s.started).Seconds()) //nolint:errcheck // closed bus ends the loop next tick
			}
		}
	}()
}

// Close stops the heartbeat and any running task, then rejects writes.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.MemoryBus.Close()
}

// Running reports whether a simulated task is in progress.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) handlePut(name string, value any) {
	switch name {
	case AttrGenericCommand:
		task, ok := value.(string)
		if !ok || task == "" {
			return
		}
		s.startTask(task)
	case AttrMotorsOnCommand:
		if v, ok := numeric(value); ok {
			on := 0
			if v != 0 {
				on = 1
			}
			_ = s.Set(AttrMotorsOn, on) //nolint:errcheck // closed bus drops mirror
		}
	case AttrToolsetCommand:
		_ = s.Set(AttrToolset, value) //nolint:errcheck // closed bus drops mirror
	}
}

func (s *Simulator) startTask(task string) {
	s.mu.Lock()
	if s.running || s.closing {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	_ = s.Set(AttrForegroundError, 0)           //nolint:errcheck // closed bus aborts below
	_ = s.Set(AttrForegroundErrorMessage, "")   //nolint:errcheck // closed bus aborts below
	_ = s.Set(AttrTaskMessage, "running "+task) //nolint:errcheck // closed bus aborts below
	_ = s.Set(AttrForegroundDone, 0)            //nolint:errcheck // closed bus aborts below

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(s.opts.TaskDuration)
		defer timer.Stop()
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		args, _ := s.Get(AttrRunArgs)
		if task == SimulatedFailure || args == SimulatedFailure {
			_ = s.Set(AttrForegroundErrorMessage, "simulated failure") //nolint:errcheck // see above
			_ = s.Set(AttrForegroundError, 1)                          //nolint:errcheck // see above
		}
		_ = s.Set(AttrTaskProgress, 100.0)      //nolint:errcheck // see above
		_ = s.Set(AttrTaskResult, task+" done") //nolint:errcheck // see above
		_ = s.Set(AttrTaskMessage, "")          //nolint:errcheck // see above

		// Clear running before foreground_done so the next command is accepted.
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		_ = s.Set(AttrForegroundDone, 1) //nolint:errcheck // see above
	}()
}
