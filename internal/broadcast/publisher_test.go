package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// recordingSink stores delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
	fail   func(protocol.Event) error
}

func (s *recordingSink) Publish(_ context.Context, ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(ev); err != nil {
			return err
		}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

// debugCounter counts debug log lines.
type debugCounter struct {
	noopLogger
	mu    sync.Mutex
	debug int
	warn  int
}

func (l *debugCounter) Debug(string, ...any) {
	l.mu.Lock()
	l.debug++
	l.mu.Unlock()
}

func (l *debugCounter) Warn(string, ...any) {
	l.mu.Lock()
	l.warn++
	l.mu.Unlock()
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 4})
	p.Start()

	for i := 1; i <= 100; i++ {
		if err := p.OperationUpdate(protocol.Handle(i), protocol.StageStart, nil, nil); err != nil {
			t.Fatalf("OperationUpdate(%d) error = %v", i, err)
		}
	}
	p.Stop()

	events := sink.snapshot()
	if len(events) != 100 {
		t.Fatalf("delivered %d events, want 100", len(events))
	}
	for i, ev := range events {
		if ev.Handle != protocol.Handle(i+1) {
			t.Fatalf("event[%d].Handle = %d, want %d", i, ev.Handle, i+1)
		}
	}
}

func TestPublisher_StopDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 16})

	// Queued before the loop starts.
	for i := 0; i < 10; i++ {
		_ = p.Values(map[string]any{"n": i})
	}
	p.Start()
	p.Stop()

	if got := len(sink.snapshot()); got != 10 {
		t.Errorf("delivered %d events after Stop, want 10", got)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop", p.Pending())
	}
}

func TestPublisher_ClosedAfterStop(t *testing.T) {
	p := NewPublisher(&recordingSink{}, Options{})
	p.Start()
	p.Stop()
	p.Stop() // idempotent

	if err := p.Values(map[string]any{"x": 1}); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Values() after Stop error = %v, want ErrPublisherClosed", err)
	}
	if err := p.OperationUpdate(1, protocol.StageEnd, nil, nil); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("OperationUpdate() after Stop error = %v, want ErrPublisherClosed", err)
	}
}

func TestPublisher_StopWithoutStart(t *testing.T) {
	p := NewPublisher(&recordingSink{}, Options{})
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() without Start blocked")
	}
}

func TestPublisher_StopWithoutStartReleasesBlockedSubmit(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 1})
	if err := p.Values(map[string]any{"a": 1}); err != nil {
		t.Fatalf("Values() error = %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Submit(context.Background(), protocol.ValuesEvent(map[string]any{"b": 2}))
	}()
	time.Sleep(20 * time.Millisecond) // let the submit block on the full queue

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() deadlocked with a blocked Submit")
	}

	if err := <-blocked; !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("blocked Submit() error = %v, want ErrPublisherClosed", err)
	}
	// The queued event is still delivered.
	if got := sink.snapshot(); len(got) != 1 || got[0].Data["a"] != 1 {
		t.Errorf("delivered = %+v", got)
	}
}

func TestPublisher_SubmitBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	sink := SinkFunc(func(context.Context, protocol.Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	p := NewPublisher(sink, Options{QueueSize: 1})
	p.Start()

	// First event is taken by the loop and blocks in the sink; second fills the queue.
	_ = p.Values(map[string]any{"a": 1})
	<-entered
	_ = p.Values(map[string]any{"b": 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, protocol.ValuesEvent(map[string]any{"c": 3})); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() on full queue error = %v, want deadline exceeded", err)
	}

	close(release)
	p.Stop()
}

func TestPublisher_SinkFailureDoesNotStopLoop(t *testing.T) {
	sink := &recordingSink{fail: func(ev protocol.Event) error {
		if ev.Handle == 2 {
			return errors.New("broker down")
		}
		return nil
	}}
	logger := &debugCounter{}
	p := NewPublisher(sink, Options{})
	p.SetLogger(logger)
	p.Start()

	for h := protocol.Handle(1); h <= 3; h++ {
		_ = p.OperationUpdate(h, protocol.StageEnd, nil, nil)
	}
	p.Stop()

	events := sink.snapshot()
	if len(events) != 2 || events[0].Handle != 1 || events[1].Handle != 3 {
		t.Errorf("delivered %+v, want handles 1 and 3", events)
	}
	if logger.warn != 1 {
		t.Errorf("warn count = %d, want 1", logger.warn)
	}
}

func TestPublisher_HeartbeatNotLoggedButDelivered(t *testing.T) {
	sink := &recordingSink{}
	logger := &debugCounter{}
	p := NewPublisher(sink, Options{HeartbeatAttribute: "time"})
	p.SetLogger(logger)
	p.Start()

	_ = p.Values(map[string]any{"time": 12.5})
	_ = p.Values(map[string]any{"time": 13.0, "motors_on": 1})
	p.Stop()

	if got := len(sink.snapshot()); got != 2 {
		t.Fatalf("delivered %d events, want 2", got)
	}
	if logger.debug != 1 {
		t.Errorf("debug count = %d, want 1 (heartbeat-only suppressed)", logger.debug)
	}
}

func TestPublisher_ValuesCopiesMap(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{})

	values := map[string]any{"toolset": "gripper"}
	_ = p.Values(values)
	values["toolset"] = "welder"

	p.Start()
	p.Stop()

	if got := sink.snapshot()[0].Data["toolset"]; got != "gripper" {
		t.Errorf("delivered toolset = %v, want gripper", got)
	}
}

func TestPublisher_ConcurrentSubmitters(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 8})
	p.Start()

	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = p.OperationUpdate(protocol.Handle(w*per+i+1), protocol.StageUpdate, nil, nil)
			}
		}(w)
	}
	wg.Wait()
	p.Stop()

	events := sink.snapshot()
	if len(events) != workers*per {
		t.Fatalf("delivered %d, want %d", len(events), workers*per)
	}
	// Per-submitter order is preserved.
	last := make(map[int]protocol.Handle)
	for _, ev := range events {
		w := int(ev.Handle-1) / per
		if ev.Handle <= last[w] {
			t.Fatalf("worker %d events out of order: %d after %d", w, ev.Handle, last[w])
		}
		last[w] = ev.Handle
	}
}

func TestFanout(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{fail: func(protocol.Event) error { return errors.New("b failed") }}
	c := &recordingSink{}

	err := Fanout{a, b, nil, c}.Publish(context.Background(), protocol.ValuesEvent(map[string]any{"x": 1}))
	if err == nil || err.Error() != "b failed" {
		t.Errorf("Fanout error = %v, want b failed", err)
	}
	if len(a.snapshot()) != 1 || len(c.snapshot()) != 1 {
		t.Error("healthy sinks did not all receive the event")
	}
}

type fakeMQTT struct {
	mu       sync.Mutex
	topic    string
	payload  []byte
	qos      byte
	retained bool
	err      error
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.payload, f.qos, f.retained = topic, payload, qos, retained
	return f.err
}

func TestMQTTSink_JSON(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "arm-1", nil, 1)

	msg := "done"
	err := sink.Publish(context.Background(), protocol.OperationEvent(7, protocol.StageEnd, &msg, nil))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if client.topic != "robotlink/arm-1/broadcast" || client.qos != 1 || client.retained {
		t.Errorf("published to %s qos=%d retained=%v", client.topic, client.qos, client.retained)
	}

	var decoded map[string]any
	if err := json.Unmarshal(client.payload, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["type"] != "operation" || decoded["handle"] != 7.0 || decoded["message"] != "done" || decoded["error"] != nil {
		t.Errorf("payload = %v", decoded)
	}
}

func TestMQTTSink_CBOR(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "arm-1", protocol.CBOR, 0)

	if err := sink.Publish(context.Background(), protocol.ValuesEvent(map[string]any{"motors_on": int64(1)})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var ev protocol.Event
	if err := protocol.CBOR.Unmarshal(client.payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != protocol.EventTypeValues || ev.Data["motors_on"] == nil {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	client := &fakeMQTT{err: errors.New("not connected")}
	sink := NewMQTTSink(client, "arm-1", nil, 1)
	if err := sink.Publish(context.Background(), protocol.ValuesEvent(nil)); err == nil {
		t.Error("Publish() expected error")
	}
}
