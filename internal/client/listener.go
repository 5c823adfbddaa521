package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// ErrListenerClosed is returned by Start after Close.
var ErrListenerClosed = errors.New("client: listener closed")

// Listener queue and early-event buffer defaults.
const (
	DefaultEventQueueSize  = 256
	DefaultPendingEventCap = 64
)

// EventSource delivers every broadcast event to fn, in arrival order, until
// Unsubscribe.
type EventSource interface {
	Subscribe(fn func(ev protocol.Event)) error
	Unsubscribe() error
}

// item is one unit of work for the listener goroutine: an event, the
// outcome of a submission, or a step of a refresh.
type item struct {
	ev *protocol.Event

	settled  bool
	handle   protocol.Handle
	callback Callback

	refresh  refreshStep
	snapshot map[string]any
	merged   chan struct{}
}

type refreshStep int

const (
	refreshNone refreshStep = iota
	refreshBegin
	refreshEnd
)

// Listener consumes the broadcast channel on its own goroutine.
//
// Values events update the mirror, then the local observers, then the
// delegate's. Operation events go to the callback registered for the handle
// and are dropped when there is none, except that while a submission is
// awaiting its reply, events for unregistered handles are held in a bounded
// buffer and replayed once the submission settles.
type Listener struct {
	source   EventSource
	mirror   *AttributeMirror
	local    *ObserverTable
	delegate *ObserverTable
	logger   Logger

	callbacks *callbackRegistry

	items chan item

	// closeMu guards closed and started; senders hold it for reading while
	// they enqueue so Close never closes items under them.
	closeMu sync.RWMutex
	closed  bool
	started bool

	// mu guards the submission bookkeeping.
	mu       sync.Mutex
	pending  int
	early    []protocol.Event
	capEarly int

	// Refresh bookkeeping, owned by the dispatch goroutine. live holds the
	// attributes values events changed while a refresh was in flight.
	refreshing int
	live       map[string]struct{}

	done chan struct{}
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Mirror   *AttributeMirror
	Local    *ObserverTable
	Delegate *ObserverTable

	QueueSize       int
	PendingEventCap int
}

// NewListener creates a listener on source. Nil mirror and local table are
// replaced with empty ones; a nil delegate is skipped.
func NewListener(source EventSource, opts ListenerOptions) *Listener {
	if opts.Mirror == nil {
		opts.Mirror = NewAttributeMirror()
	}
	if opts.Local == nil {
		opts.Local = NewObserverTable()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultEventQueueSize
	}
	if opts.PendingEventCap <= 0 {
		opts.PendingEventCap = DefaultPendingEventCap
	}
	return &Listener{
		source:    source,
		mirror:    opts.Mirror,
		local:     opts.Local,
		delegate:  opts.Delegate,
		logger:    noopLogger{},
		callbacks: newCallbackRegistry(),
		items:     make(chan item, opts.QueueSize),
		capEarly:  opts.PendingEventCap,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// Mirror returns the attribute mirror.
func (l *Listener) Mirror() *AttributeMirror { return l.mirror }

// Start subscribes to the source and launches the dispatch goroutine.
func (l *Listener) Start() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.started {
		return nil
	}
	if err := l.source.Subscribe(l.deliver); err != nil {
		return fmt.Errorf("subscribing to broadcast: %w", err)
	}
	l.started = true
	go l.run()
	return nil
}

// Close unsubscribes and waits for queued events to be dispatched. It must
// not be called from an observer or callback.
func (l *Listener) Close() error {
	l.closeMu.RLock()
	closed, started := l.closed, l.started
	l.closeMu.RUnlock()
	if closed {
		return nil
	}

	var err error
	if started {
		err = l.source.Unsubscribe()
	}

	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return err
	}
	l.closed = true
	close(l.items)
	l.closeMu.Unlock()

	if started {
		<-l.done
	}
	return err
}

// BeginSubmit marks a submission as awaiting its reply. Every call must be
// matched by Settle.
func (l *Listener) BeginSubmit() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
}

// Settle ends a submission. A non-zero handle with a callback is registered,
// and events for it that arrived early are replayed, before any later event
// is dispatched.
func (l *Listener) Settle(h protocol.Handle, cb Callback) {
	l.enqueue(item{settled: true, handle: h, callback: cb})
}

// BeginRefresh marks the start of a snapshot round trip. Every call must be
// matched by EndRefresh.
func (l *Listener) BeginRefresh() {
	l.runStep(item{refresh: refreshBegin})
}

// EndRefresh merges snapshot into the mirror, keeping the value of any
// attribute a values event changed since the matching BeginRefresh. A nil
// snapshot only ends the refresh. The returned channel is closed once the
// merge is done, or at once when the listener is closed.
func (l *Listener) EndRefresh(snapshot map[string]any) <-chan struct{} {
	merged := make(chan struct{})
	l.runStep(item{refresh: refreshEnd, snapshot: snapshot, merged: merged})
	return merged
}

// runStep hands a refresh step to the dispatch goroutine, or runs it here
// when that goroutine has not started.
func (l *Listener) runStep(it item) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	switch {
	case l.closed:
		if it.merged != nil {
			close(it.merged)
		}
	case !l.started:
		l.mu.Lock()
		l.refreshStep(it)
		l.mu.Unlock()
	default:
		l.items <- it
	}
}

func (l *Listener) refreshStep(it item) {
	if it.refresh == refreshBegin {
		l.refreshing++
		return
	}

	fresh := make(map[string]any, len(it.snapshot))
	for name, v := range it.snapshot {
		if _, changed := l.live[name]; !changed {
			fresh[name] = v
		}
	}
	l.mirror.Apply(fresh)

	if l.refreshing > 0 {
		l.refreshing--
	}
	if l.refreshing == 0 {
		l.live = nil
	}
	close(it.merged)
}

func (l *Listener) deliver(ev protocol.Event) {
	l.enqueue(item{ev: &ev})
}

func (l *Listener) enqueue(it item) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return
	}
	l.items <- it
}

func (l *Listener) run() {
	defer close(l.done)
	for it := range l.items {
		switch {
		case it.settled:
			l.settle(it.handle, it.callback)
		case it.refresh != refreshNone:
			l.refreshStep(it)
		default:
			l.dispatch(*it.ev)
		}
	}
}

func (l *Listener) dispatch(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTypeValues:
		l.dispatchValues(ev.Data)
	case protocol.EventTypeOperation:
		l.dispatchOperation(ev)
	default:
		l.logger.Warn("ignoring broadcast event of unknown type", "type", ev.Type)
	}
}

func (l *Listener) dispatchValues(values map[string]any) {
	l.mirror.Apply(values)
	if l.refreshing > 0 {
		if l.live == nil {
			l.live = make(map[string]struct{}, len(values))
		}
		for name := range values {
			l.live[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := values[name]
		l.safeNotify(l.local, name, v)
		l.safeNotify(l.delegate, name, v)
	}
}

func (l *Listener) dispatchOperation(ev protocol.Event) {
	if cb, ok := l.callbacks.lookup(ev.Handle, ev.Stage); ok {
		l.invoke(cb, ev)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == 0 {
		l.logger.Debug("dropping operation event without callback", "handle", ev.Handle, "stage", string(ev.Stage))
		return
	}
	if len(l.early) >= l.capEarly {
		l.logger.Warn("early operation event buffer full, dropping oldest", "handle", l.early[0].Handle)
		l.early = l.early[1:]
	}
	l.early = append(l.early, ev)
}

func (l *Listener) settle(h protocol.Handle, cb Callback) {
	l.mu.Lock()
	l.pending--
	var replay []protocol.Event
	if h != 0 && cb != nil {
		kept := l.early[:0]
		for _, ev := range l.early {
			if ev.Handle == h {
				replay = append(replay, ev)
			} else {
				kept = append(kept, ev)
			}
		}
		l.early = kept
	}
	if l.pending == 0 {
		l.early = nil
	}
	l.mu.Unlock()

	if h == 0 || cb == nil {
		return
	}

	for _, ev := range replay {
		l.invoke(cb, ev)
		if ev.Stage == protocol.StageEnd {
			return
		}
	}
	l.callbacks.register(h, cb)
}

func (l *Listener) invoke(cb Callback, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("operation callback panicked", "handle", ev.Handle, "panic", r)
		}
	}()
	cb(ev.Handle, ev.Stage, ev.Message, ev.Error)
}

func (l *Listener) safeNotify(t *ObserverTable, name string, value any) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("attribute observer panicked", "attribute", name, "panic", r)
		}
	}()
	t.Notify(name, value)
}
