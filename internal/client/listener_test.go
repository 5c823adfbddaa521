package client

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// fakeSource hands events to the subscribed function synchronously.
type fakeSource struct {
	mu  sync.Mutex
	fn  func(protocol.Event)
	err error

	unsubscribed bool
}

func (s *fakeSource) Subscribe(fn func(protocol.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.fn = fn
	return nil
}

func (s *fakeSource) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	s.fn = nil
	return nil
}

func (s *fakeSource) emit(ev protocol.Event) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// trace is a concurrency-safe list of strings.
type trace struct {
	mu    sync.Mutex
	items []string
}

func (tr *trace) add(format string, args ...any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.items = append(tr.items, fmt.Sprintf(format, args...))
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.items...)
}

func (tr *trace) waitLen(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items := tr.get(); len(items) >= n {
			return items
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d trace entries, have %v", n, tr.get())
	return nil
}

func recordCallback(tr *trace) Callback {
	return func(h protocol.Handle, stage protocol.Stage, message, errMsg *string) {
		m, e := "-", "-"
		if message != nil {
			m = *message
		}
		if errMsg != nil {
			e = *errMsg
		}
		tr.add("%d %s %s %s", h, stage, m, e)
	}
}

func opEvent(h protocol.Handle, stage protocol.Stage, message string) protocol.Event {
	var m *string
	if message != "" {
		m = &message
	}
	return protocol.OperationEvent(h, stage, m, nil)
}

func startListener(t *testing.T, opts ListenerOptions) (*Listener, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	l := NewListener(src, opts)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, src
}

func TestListener_ValuesOrder(t *testing.T) {
	tr := &trace{}
	local, delegate := NewObserverTable(), NewObserverTable()
	mirror := NewAttributeMirror()

	local.Observe("motors_on", func(name string, v any) {
		got, _ := mirror.Get(name)
		tr.add("local %s=%v mirror=%v", name, v, got)
	})
	local.Observe("motors_on", func(name string, v any) { tr.add("local2 %s", name) })
	delegate.Observe("motors_on", func(name string, v any) { tr.add("delegate %s", name) })
	delegate.Observe("toolset", func(name string, v any) { tr.add("delegate %s=%v", name, v) })

	_, src := startListener(t, ListenerOptions{Mirror: mirror, Local: local, Delegate: delegate})
	src.emit(protocol.ValuesEvent(map[string]any{"toolset": "gripper", "motors_on": 1, "at_home": 0}))

	want := []string{
		"local motors_on=1 mirror=1",
		"local2 motors_on",
		"delegate motors_on",
		"delegate toolset=gripper",
	}
	got := tr.waitLen(t, len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trace[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if v, _ := mirror.Get("at_home"); v != 0 {
		t.Errorf("mirror at_home = %v, want 0", v)
	}
}

func TestListener_OperationCallbacks(t *testing.T) {
	tr := &trace{}
	l, src := startListener(t, ListenerOptions{})

	l.BeginSubmit()
	l.Settle(3, recordCallback(tr))

	src.emit(opEvent(3, protocol.StageStart, ""))
	src.emit(opEvent(9, protocol.StageStart, "")) // no callback, dropped
	src.emit(opEvent(3, protocol.StageUpdate, "halfway"))
	src.emit(opEvent(3, protocol.StageEnd, "done"))
	src.emit(opEvent(3, protocol.StageUpdate, "late"))

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := []string{"3 start - -", "3 update halfway -", "3 end done -"}
	got := tr.get()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("callbacks = %v, want %v", got, want)
	}
	if n := l.callbacks.count(); n != 0 {
		t.Errorf("callback registry holds %d entries after End", n)
	}
}

func TestListener_ReplaysEarlyEvents(t *testing.T) {
	tr := &trace{}
	l, src := startListener(t, ListenerOptions{})

	l.BeginSubmit()
	// Broadcast overtakes the submission reply.
	src.emit(opEvent(5, protocol.StageStart, ""))
	src.emit(opEvent(6, protocol.StageStart, ""))
	l.Settle(5, recordCallback(tr))
	src.emit(opEvent(5, protocol.StageEnd, "done"))

	got := tr.waitLen(t, 2)
	if got[0] != "5 start - -" || got[1] != "5 end done -" {
		t.Errorf("callbacks = %v", got)
	}

	// No submission pending: the buffer was discarded.
	l.mu.Lock()
	early := len(l.early)
	l.mu.Unlock()
	if early != 0 {
		t.Errorf("early buffer holds %d events with nothing pending", early)
	}
}

func TestListener_ReplayedEndCompletes(t *testing.T) {
	tr := &trace{}
	l, src := startListener(t, ListenerOptions{})

	l.BeginSubmit()
	src.emit(opEvent(2, protocol.StageStart, ""))
	src.emit(opEvent(2, protocol.StageEnd, "quick"))
	l.Settle(2, recordCallback(tr))
	tr.waitLen(t, 2)

	src.emit(opEvent(2, protocol.StageUpdate, "stray"))
	_ = l.Close()
	if got := tr.get(); len(got) != 2 {
		t.Errorf("callbacks = %v, want none after End", got)
	}
}

func TestListener_EarlyBufferBounded(t *testing.T) {
	tr := &trace{}
	l, src := startListener(t, ListenerOptions{PendingEventCap: 2})

	l.BeginSubmit()
	src.emit(opEvent(1, protocol.StageStart, ""))
	src.emit(opEvent(1, protocol.StageUpdate, "a"))
	src.emit(opEvent(1, protocol.StageUpdate, "b"))
	l.Settle(1, recordCallback(tr))
	_ = l.Close()

	got := tr.get()
	want := []string{"1 update a -", "1 update b -"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("callbacks = %v, want %v (oldest dropped)", got, want)
	}
}

func TestListener_FailedSubmitDiscardsBuffer(t *testing.T) {
	l, src := startListener(t, ListenerOptions{})

	l.BeginSubmit()
	src.emit(opEvent(8, protocol.StageStart, ""))
	l.Settle(0, nil)
	_ = l.Close()

	if len(l.early) != 0 || l.pending != 0 {
		t.Errorf("early=%d pending=%d after failed submit", len(l.early), l.pending)
	}
}

func TestListener_ObserverPanicIsContained(t *testing.T) {
	tr := &trace{}
	local := NewObserverTable()
	local.Observe("x", func(string, any) { panic("observer bug") })
	local.Observe("y", func(name string, _ any) { tr.add("%s", name) })

	_, src := startListener(t, ListenerOptions{Local: local})
	src.emit(protocol.ValuesEvent(map[string]any{"x": 1, "y": 2}))

	if got := tr.waitLen(t, 1); got[0] != "y" {
		t.Errorf("trace = %v", got)
	}
}

func TestListener_StartErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("not connected")}
	l := NewListener(src, ListenerOptions{})
	if err := l.Start(); err == nil {
		t.Error("Start() expected subscribe error")
	}

	l = NewListener(&fakeSource{}, ListenerOptions{})
	_ = l.Close()
	if err := l.Start(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Start() after Close error = %v, want ErrListenerClosed", err)
	}
}

func TestListener_CloseUnsubscribes(t *testing.T) {
	l, src := startListener(t, ListenerOptions{})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !src.unsubscribed {
		t.Error("Close() did not unsubscribe")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestObserverTable(t *testing.T) {
	table := NewObserverTable()
	var calls []string
	cancelA := table.Observe("a", func(n string, _ any) { calls = append(calls, "a1") })
	table.Observe("a", func(n string, _ any) { calls = append(calls, "a2") })

	table.Notify("a", 1)
	table.Notify("missing", 1)
	cancelA()
	cancelA()
	table.Notify("a", 2)

	if fmt.Sprint(calls) != "[a1 a2 a2]" {
		t.Errorf("calls = %v", calls)
	}

	var nilTable *ObserverTable
	nilTable.Notify("a", 1)
}

func TestAttributeMirror(t *testing.T) {
	m := NewAttributeMirror()
	m.Apply(map[string]any{"motors_on": 1, "safety_gate": 0})
	m.Apply(map[string]any{"motors_on": 0})

	snap := m.Snapshot()
	snap["motors_on"] = 99
	if v, _ := m.Get("motors_on"); v != 0 {
		t.Errorf("motors_on = %v, want 0", v)
	}
	if _, ok := m.Get("toolset"); ok {
		t.Error("Get(toolset) reported present")
	}
	if len(m.Snapshot()) != 2 {
		t.Errorf("Snapshot() = %v", m.Snapshot())
	}
}
