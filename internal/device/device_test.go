package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
)

func fastOptions() Options {
	return Options{
		ProcessDelay: -1,
		StartTimeout: 50 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

func TestAttributes(t *testing.T) {
	names := Attributes()
	if len(names) != 22 {
		t.Fatalf("len(Attributes()) = %d, want 22", len(names))
	}
	names[0] = "mutated"
	if Attributes()[0] != AttrRunArgs {
		t.Error("Attributes() returned shared slice")
	}
	if !IsAttribute(AttrClosestPoint) || IsAttribute("bogus") {
		t.Error("IsAttribute() wrong")
	}
}

func TestMemoryBus_WatchAndCancel(t *testing.T) {
	bus := NewMemoryBus(nil)
	var got []string
	cancel := bus.Watch(func(name string, _ any) { got = append(got, name) })

	if err := bus.Put(context.Background(), AttrToolset, "gripper"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	cancel()
	cancel()
	_ = bus.Set(AttrMotorsOn, 1)

	if len(got) != 1 || got[0] != AttrToolset {
		t.Errorf("watched = %v", got)
	}
	if v, ok := bus.Get(AttrMotorsOn); !ok || v != 1 {
		t.Errorf("Get(motors_on) = %v, %v", v, ok)
	}

	bus.Close()
	if err := bus.Set(AttrMotorsOn, 0); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Set() after Close error = %v", err)
	}
}

func TestMemoryBus_PutHonoursContext(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Put(ctx, AttrRunArgs, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want canceled", err)
	}
}

func TestRobot_Snapshot(t *testing.T) {
	bus := NewMemoryBus(map[string]any{
		AttrModel:    "T6",
		AttrMotorsOn: 0,
		"not_ours":   true,
	})
	robot := NewRobot(bus, fastOptions())

	snap, err := robot.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 2 || snap[AttrModel] != "T6" {
		t.Errorf("Snapshot() = %v", snap)
	}
}

func TestRobot_PutRejectsUnknown(t *testing.T) {
	robot := NewRobot(NewMemoryBus(nil), fastOptions())
	if err := robot.Put(context.Background(), "bogus", 1); !errors.Is(err, ErrUnknownAttribute) {
		t.Errorf("Put() error = %v, want ErrUnknownAttribute", err)
	}
	if _, err := robot.Get("bogus"); !errors.Is(err, ErrUnknownAttribute) {
		t.Errorf("Get() error = %v, want ErrUnknownAttribute", err)
	}
}

func TestRobot_Execute(t *testing.T) {
	bus := NewMemoryBus(nil)
	var writes []any
	bus.Watch(func(name string, v any) {
		if name == AttrMotorsOnCommand {
			writes = append(writes, v)
		}
	})
	robot := NewRobot(bus, fastOptions())
	if err := robot.Execute(context.Background(), AttrMotorsOnCommand); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(writes) != 2 || writes[0] != 1 || writes[1] != 0 {
		t.Errorf("writes = %v, want [1 0]", writes)
	}
}

func TestRobot_Ready(t *testing.T) {
	tests := []struct {
		name  string
		value any
		set   bool
		want  bool
	}{
		{"unset", nil, false, false},
		{"int one", 1, true, true},
		{"float one", 1.0, true, true},
		{"string one", "1", true, true},
		{"zero", 0, true, false},
		{"garbage", "busy", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMemoryBus(nil)
			if tt.set {
				_ = bus.Set(AttrForegroundDone, tt.value)
			}
			if got := NewRobot(bus, fastOptions()).Ready(); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRobot_OnChangeFiltersUnknown(t *testing.T) {
	bus := NewMemoryBus(nil)
	robot := NewRobot(bus, fastOptions())
	var got []string
	stop := robot.OnChange(func(name string, _ any) { got = append(got, name) })
	defer stop()

	_ = bus.Set("noise", 1)
	_ = bus.Set(AttrSafetyGate, 1)
	if len(got) != 1 || got[0] != AttrSafetyGate {
		t.Errorf("OnChange saw %v", got)
	}
}

func deviceMessage(t *testing.T, err error) string {
	t.Helper()
	var de *protocol.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a DeviceError", err)
	}
	return de.Message
}

func TestRobot_RunTaskWithSimulator(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{TaskDuration: 20 * time.Millisecond})
	defer sim.Close()
	robot := NewRobot(sim, fastOptions())

	result, err := robot.RunTask(context.Background(), "calibrate", "left")
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if result != "calibrate done" {
		t.Errorf("RunTask() = %q, want %q", result, "calibrate done")
	}
	if v, _ := sim.Get(AttrRunArgs); v != "left" {
		t.Errorf("run_args = %v", v)
	}
	if !robot.Ready() {
		t.Error("robot not ready after task")
	}

	// A second task back to back is accepted.
	if _, err := robot.RunTask(context.Background(), "home", ""); err != nil {
		t.Fatalf("second RunTask() error = %v", err)
	}
}

func TestRobot_RunTaskFailureResult(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{TaskDuration: 5 * time.Millisecond})
	defer sim.Close()
	robot := NewRobot(sim, fastOptions())

	_, err := robot.RunTask(context.Background(), SimulatedFailure, "")
	if got := deviceMessage(t, err); got != "simulated failure" {
		t.Errorf("error message = %q", got)
	}

	// The simulator clears the error flag when the next task starts.
	if got, err := robot.RunTask(context.Background(), "home", ""); err != nil || got != "home done" {
		t.Errorf("RunTask() after failure = %q, %v", got, err)
	}
}

func TestRobot_RunTaskBusy(t *testing.T) {
	bus := NewMemoryBus(map[string]any{AttrForegroundDone: 0})
	_, err := NewRobot(bus, fastOptions()).RunTask(context.Background(), "x", "")
	if got := deviceMessage(t, err); got != MsgBusy {
		t.Errorf("error message = %q, want busy", got)
	}
	if _, ok := bus.Get(AttrGenericCommand); ok {
		t.Error("generic_command written while busy")
	}
}

func TestRobot_RunTaskFailedToStart(t *testing.T) {
	bus := NewMemoryBus(map[string]any{AttrForegroundDone: 1})
	start := time.Now()
	_, err := NewRobot(bus, fastOptions()).RunTask(context.Background(), "x", "")
	if got := deviceMessage(t, err); got != MsgFailedToStart {
		t.Errorf("error message = %q", got)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before start timeout")
	}
}

func TestRobot_RunTaskCancelled(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{TaskDuration: time.Hour})
	defer sim.Close()
	robot := NewRobot(sim, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := robot.RunTask(ctx, "long", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunTask() error = %v, want deadline exceeded", err)
	}
}

// scriptedController acks generic_command on bus and finishes the task with
// the given attribute values.
func scriptedController(t *testing.T, bus *MemoryBus, finish map[string]any) {
	t.Helper()
	var wg sync.WaitGroup
	cancel := bus.Watch(func(name string, _ any) {
		if name != AttrGenericCommand {
			return
		}
		_ = bus.Set(AttrForegroundDone, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			for k, v := range finish {
				_ = bus.Set(k, v)
			}
			_ = bus.Set(AttrForegroundDone, 1)
		}()
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestRobot_RunTaskResult(t *testing.T) {
	tests := []struct {
		name    string
		finish  map[string]any
		want    string
		wantErr string
	}{
		{"plain result", map[string]any{AttrTaskResult: "done"}, "done", ""},
		{"trimmed", map[string]any{AttrTaskResult: "  picked 3 \n"}, "picked 3", ""},
		{"empty result", map[string]any{AttrTaskResult: ""}, "", ""},
		{"numeric result", map[string]any{AttrTaskResult: 42}, "42", ""},
		{"error flag cleared", map[string]any{AttrTaskResult: "ok", AttrForegroundError: 0, AttrForegroundErrorMessage: "stale"}, "ok", ""},
		{"error flag raised", map[string]any{AttrTaskResult: "x", AttrForegroundError: 1, AttrForegroundErrorMessage: " gripper jammed "}, "", "gripper jammed"},
		{"error without message", map[string]any{AttrForegroundError: "1"}, "", MsgForegroundError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMemoryBus(map[string]any{AttrForegroundDone: 1})
			scriptedController(t, bus, tt.finish)

			got, err := NewRobot(bus, fastOptions()).RunTask(context.Background(), "task", "")
			if tt.wantErr != "" {
				if msg := deviceMessage(t, err); msg != tt.wantErr {
					t.Errorf("RunTask() error = %q, want %q", msg, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("RunTask() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestSimulator_MirrorsCommands(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	ctx := context.Background()

	_ = sim.Put(ctx, AttrMotorsOnCommand, 1.0)
	if v, _ := sim.Get(AttrMotorsOn); v != 1 {
		t.Errorf("motors_on = %v, want 1", v)
	}
	_ = sim.Put(ctx, AttrToolsetCommand, "welder")
	if v, _ := sim.Get(AttrToolset); v != "welder" {
		t.Errorf("toolset = %v", v)
	}
}

func TestSimulator_Heartbeat(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{Heartbeat: 5 * time.Millisecond})
	ticks := make(chan struct{}, 8)
	sim.Watch(func(name string, _ any) {
		if name == AttrTime {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	})
	sim.Start(context.Background())
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
	sim.Close()
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SetAttribute
		wantErr bool
	}{
		{"full", `{"v":1,"set":"progress","fields":{"handle":3}}`,
			SetAttribute{Version: 1, Name: "progress", Fields: map[string]any{"handle": 3.0}}, false},
		{"no version", `{"set":"values"}`, SetAttribute{Version: 1, Name: "values", Fields: map[string]any{}}, false},
		{"future version", `{"v":2,"set":"values"}`, SetAttribute{}, true},
		{"no name", `{"v":1,"fields":{}}`, SetAttribute{}, true},
		{"not json", `{'set': 'values'}`, SetAttribute{}, true},
		{"empty", "  ", SetAttribute{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUpdate(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedUpdate) {
					t.Errorf("ParseUpdate() error = %v, want ErrMalformedUpdate", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUpdate() error = %v", err)
			}
			if got.Version != tt.want.Version || got.Name != tt.want.Name || len(got.Fields) != len(tt.want.Fields) {
				t.Errorf("ParseUpdate() = %+v, want %+v", got, tt.want)
			}
			for k, v := range tt.want.Fields {
				if got.Fields[k] != v {
					t.Errorf("field %s = %v, want %v", k, got.Fields[k], v)
				}
			}
		})
	}
}

type levelLogger struct {
	noopLogger
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *levelLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *levelLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestUpdateRouter(t *testing.T) {
	router := NewUpdateRouter()
	logger := &levelLogger{}
	router.SetLogger(logger)

	var got map[string]any
	err := router.Register("progress", operation.ParamSchema{
		operation.Required("handle", operation.TypeNumber),
		operation.Required("message", operation.TypeString),
	}, func(fields map[string]any) error {
		got = fields
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := router.Register("", nil, nil); err == nil {
		t.Error("Register() without name expected error")
	}

	if err := router.Handle(`{"v":1,"set":"progress","fields":{"handle":2,"message":"half"}}`); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got["message"] != "half" {
		t.Errorf("handler got %v", got)
	}

	cases := []struct {
		raw    string
		target error
	}{
		{`not json`, ErrMalformedUpdate},
		{`{"v":1,"set":"unknown"}`, ErrUnrecognizedUpdate},
		{`{"v":1,"set":"progress","fields":{"handle":"two","message":"x"}}`, ErrInvalidUpdateFields},
		{`{"v":1,"set":"progress","fields":{"message":"x"}}`, ErrInvalidUpdateFields},
	}
	for _, c := range cases {
		if err := router.Handle(c.raw); !errors.Is(err, c.target) {
			t.Errorf("Handle(%s) error = %v, want %v", c.raw, err, c.target)
		}
	}
	if logger.warns != 1 || logger.errors != 3 {
		t.Errorf("warns=%d errors=%d, want 1 and 3", logger.warns, logger.errors)
	}
	if names := router.Names(); len(names) != 1 || names[0] != "progress" {
		t.Errorf("Names() = %v", names)
	}
}

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	pubs     []published
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeClient) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic, string(payload), retained})
	return nil
}

func (f *fakeClient) deliver(t *testing.T, pattern, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[pattern]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", pattern)
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
}

func (f *fakeClient) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.pubs...)
}

func TestMQTTBus(t *testing.T) {
	client := newFakeClient()
	bus := NewMQTTBus(client, "arm-1", 1)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	topics := mqtt.Topics{}
	pattern := topics.AllDeviceAttributes("arm-1")

	var changes []string
	bus.Watch(func(name string, _ any) { changes = append(changes, name) })

	client.deliver(t, pattern, topics.DeviceAttribute("arm-1", AttrForegroundDone), "1")
	client.deliver(t, pattern, topics.DeviceAttribute("arm-1", AttrModel), "T6 scara")
	client.deliver(t, pattern, "robotlink/device/arm-2/attr/model", `"other"`)

	if v, _ := bus.Get(AttrForegroundDone); v != 1.0 {
		t.Errorf("foreground_done = %#v, want 1.0", v)
	}
	if v, _ := bus.Get(AttrModel); v != "T6 scara" {
		t.Errorf("model = %#v", v)
	}
	if len(changes) != 2 {
		t.Errorf("changes = %v", changes)
	}

	if err := bus.Put(context.Background(), AttrGenericCommand, "calibrate"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	pubs := client.published()
	if len(pubs) != 1 || pubs[0].topic != topics.DevicePut("arm-1", AttrGenericCommand) ||
		pubs[0].payload != `"calibrate"` || pubs[0].retained {
		t.Errorf("published = %+v", pubs)
	}

	if err := bus.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"1", 1.0},
		{"2.5", 2.5},
		{"true", true},
		{`"gripper"`, "gripper"},
		{"null", nil},
		{"plain text", "plain text"},
		{`{"v":1,"set":"values"}`, `{"v":1,"set":"values"}`},
		{"[1,2]", "[1,2]"},
	}
	for _, tt := range tests {
		if got := DecodeValue([]byte(tt.in)); got != tt.want {
			t.Errorf("DecodeValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestBridge(t *testing.T) {
	client := newFakeClient()
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	topics := mqtt.Topics{}

	bridge := NewBridge(client, sim, "arm-1", 1)
	if err := bridge.Start(sim.Values()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer bridge.Stop() //nolint:errcheck // test cleanup

	initial := len(client.published())
	if initial == 0 {
		t.Fatal("no initial attribute publishes")
	}
	for _, p := range client.published() {
		if !p.retained {
			t.Errorf("attribute %s not retained", p.topic)
		}
	}

	client.deliver(t, topics.AllDevicePuts("arm-1"), topics.DevicePut("arm-1", AttrToolsetCommand), `"welder"`)

	want := published{topics.DeviceAttribute("arm-1", AttrToolset), `"welder"`, true}
	deadline := time.Now().Add(time.Second)
	for {
		found := false
		for _, p := range client.published()[initial:] {
			if p == want {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bridged toolset change not published")
		}
		time.Sleep(time.Millisecond)
	}
	if v, _ := sim.Get(AttrToolset); v != "welder" {
		t.Errorf("toolset = %v", v)
	}
}
