package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/robotlink/internal/broadcast"
	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
	"github.com/nerrad567/robotlink/internal/server"
)

// stack is a server and a client joined by a loopback broker.
type stack struct {
	srv    *server.Server
	bus    *device.MemoryBus
	client *Client
}

func newStack(t *testing.T, codec protocol.Codec) *stack {
	t.Helper()
	broker := newLoopback()
	bus := device.NewMemoryBus(map[string]any{
		device.AttrMotorsOn:       1,
		device.AttrSafetyGate:     0,
		device.AttrForegroundDone: 1,
	})

	srv, err := server.New(server.Options{
		Robot:   "arm-1",
		Adapter: device.NewRobot(bus, device.Options{ProcessDelay: -1}),
		Sink:    broadcast.NewMQTTSink(broker, "arm-1", codec, 1),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	err = srv.Operations().RegisterTask("calibrate", operation.Foreground,
		operation.ParamSchema{operation.Required("target", operation.TypeString)},
		func(ctx context.Context, _ protocol.Handle, _ map[string]any, _ operation.Progress) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "done", nil
		})
	if err != nil {
		t.Fatalf("RegisterTask() error = %v", err)
	}
	err = srv.Operations().RegisterQuery("explode", nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, protocol.NewDeviceError("controller fault %d", 7)
	})
	if err != nil {
		t.Fatalf("RegisterQuery() error = %v", err)
	}
	if err := srv.AddEndpoint(server.NewMQTTEndpoint(broker, srv.Loop(), "arm-1", codec, 1)); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	transport := NewMQTTTransport(broker, "arm-1", codec, 1)
	c := New(transport, transport, Options{})
	t.Cleanup(func() {
		_ = c.Close()
		_ = transport.Close()
		_ = srv.Stop(context.Background())
	})
	return &stack{srv: srv, bus: bus, client: c}
}

func TestClient_RefreshBootstrapsMirror(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			s := newStack(t, codec)
			if err := s.client.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			mirror := s.client.Mirror().Snapshot()
			motors, _ := operation.AsFloat(mirror[device.AttrMotorsOn])
			gate, _ := operation.AsFloat(mirror[device.AttrSafetyGate])
			if motors != 1 || gate != 0 {
				t.Errorf("mirror = %v", mirror)
			}
		})
	}
}

func TestClient_ObserversSeeLiveUpdates(t *testing.T) {
	s := newStack(t, protocol.JSON)
	seen := make(chan any, 1)
	s.client.Observers().Observe(device.AttrToolset, func(_ string, v any) { seen <- v })
	if err := s.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_ = s.bus.Set(device.AttrToolset, "welder")
	select {
	case v := <-seen:
		if v != "welder" {
			t.Errorf("observer got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
	if v, _ := s.client.Mirror().Get(device.AttrToolset); v != "welder" {
		t.Errorf("mirror toolset = %v", v)
	}
}

func TestClient_SubmitLifecycle(t *testing.T) {
	s := newStack(t, protocol.JSON)
	if err := s.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tr := &trace{}
	h, err := s.client.Submit(context.Background(), "calibrate", map[string]any{"target": "middle"}, recordCallback(tr))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h != 1 {
		t.Errorf("handle = %d, want 1", h)
	}

	got := tr.waitLen(t, 2)
	if got[0] != "1 start - -" || got[1] != "1 end done -" {
		t.Errorf("lifecycle = %v", got)
	}
}

func TestClient_SubmitBusyWhenGateHeld(t *testing.T) {
	s := newStack(t, protocol.JSON)
	if err := s.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.srv.Dispatcher().Gate().TryAcquire() {
		t.Fatal("could not pre-hold gate")
	}
	defer s.srv.Dispatcher().Gate().Release()

	tr := &trace{}
	h, err := s.client.Submit(context.Background(), "calibrate", map[string]any{"target": "middle"}, recordCallback(tr))
	if err != nil || h != 1 {
		t.Fatalf("Submit() = %d, %v", h, err)
	}
	got := tr.waitLen(t, 2)
	if got[1] != "1 end - busy" {
		t.Errorf("lifecycle = %v", got)
	}
	if !s.srv.Dispatcher().Gate().Held() {
		t.Error("gate released by rejected request")
	}
}

func TestClient_Errors(t *testing.T) {
	s := newStack(t, protocol.JSON)
	if err := s.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx := context.Background()

	_, err := s.client.Query(ctx, "explode", nil)
	var devErr *protocol.DeviceError
	if !errors.As(err, &devErr) || devErr.Message != "controller fault 7" {
		t.Errorf("Query(explode) error = %v", err)
	}

	_, err = s.client.Submit(ctx, "missing", nil, nil)
	var invErr *protocol.InvalidOperationError
	if !errors.As(err, &invErr) || invErr.Message != protocol.MsgUnknownOperation {
		t.Errorf("Submit(missing) error = %v", err)
	}

	_, err = s.client.Submit(ctx, "calibrate", map[string]any{"target": 3}, func(protocol.Handle, protocol.Stage, *string, *string) {})
	if !errors.As(err, &invErr) || invErr.Message != protocol.MsgIncorrectArguments {
		t.Errorf("Submit(bad args) error = %v", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	s := newStack(t, protocol.JSON)
	if err := s.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.client.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh() after Close error = %v, want ErrClosed", err)
	}
}

func TestClient_RefreshKeepsLiveValues(t *testing.T) {
	src := &fakeSource{}
	calls := 0
	requests := roundTripFunc(func(_ context.Context, req protocol.ClientRequest) (protocol.Reply, error) {
		calls++
		snapshot := map[string]any{device.AttrMotorsOn: 0, device.AttrToolset: "none"}
		if calls == 1 {
			// The robot changes after the snapshot was taken but before the
			// reply is read.
			src.emit(protocol.ValuesEvent(map[string]any{device.AttrMotorsOn: 1}))
		}
		return protocol.QueryResult(snapshot), nil
	})
	c := New(requests, src, Options{})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if v, _ := c.Mirror().Get(device.AttrMotorsOn); v != 1 {
		t.Errorf("motors_on = %v, want the broadcast value 1", v)
	}
	if v, _ := c.Mirror().Get(device.AttrToolset); v != "none" {
		t.Errorf("toolset = %v, want none", v)
	}

	// With no event in flight the next snapshot is taken as is.
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if v, _ := c.Mirror().Get(device.AttrMotorsOn); v != 0 {
		t.Errorf("motors_on after second refresh = %v, want 0", v)
	}
}

func TestClient_RefreshFailureEndsRefresh(t *testing.T) {
	src := &fakeSource{}
	fail := true
	requests := roundTripFunc(func(context.Context, protocol.ClientRequest) (protocol.Reply, error) {
		if fail {
			return protocol.Failure("not ready"), nil
		}
		return protocol.QueryResult(map[string]any{device.AttrMotorsOn: 0}), nil
	})
	c := New(requests, src, Options{})
	t.Cleanup(func() { _ = c.Close() })
	if err := c.listener.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.channel.Start()

	if _, err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() expected error")
	}
	// An event after the failed refresh must not shadow the next snapshot.
	src.emit(protocol.ValuesEvent(map[string]any{device.AttrMotorsOn: 1}))
	fail = false
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if v, _ := c.Mirror().Get(device.AttrMotorsOn); v != 0 {
		t.Errorf("motors_on = %v, want snapshot value 0", v)
	}
}
