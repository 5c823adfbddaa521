package client

import (
	"maps"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// ObserverFunc is called with an attribute's new value.
type ObserverFunc func(name string, value any)

type observer struct {
	id int
	fn ObserverFunc
}

// ObserverTable maps attribute names to ordered observer lists.
type ObserverTable struct {
	mu     sync.RWMutex
	nextID int
	byName map[string][]observer
}

// NewObserverTable creates an empty table.
func NewObserverTable() *ObserverTable {
	return &ObserverTable{byName: make(map[string][]observer)}
}

// Observe registers fn for name, after any existing observers. The returned
// function removes it.
func (t *ObserverTable) Observe(name string, fn ObserverFunc) (cancel func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.byName[name] = append(t.byName[name], observer{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.byName[name]
		for i, o := range list {
			if o.id == id {
				t.byName[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.byName[name]) == 0 {
			delete(t.byName, name)
		}
	}
}

// Notify calls the observers for name in registration order. Attributes
// without observers are skipped. A nil table notifies nobody.
func (t *ObserverTable) Notify(name string, value any) {
	if t == nil {
		return
	}
	t.mu.RLock()
	list := append([]observer(nil), t.byName[name]...)
	t.mu.RUnlock()

	for _, o := range list {
		o.fn(name, value)
	}
}

// AttributeMirror is the client's copy of the robot's attribute values.
type AttributeMirror struct {
	mu     sync.Mutex
	values map[string]any
}

// NewAttributeMirror creates an empty mirror.
func NewAttributeMirror() *AttributeMirror {
	return &AttributeMirror{values: make(map[string]any)}
}

// Apply merges values into the mirror.
func (m *AttributeMirror) Apply(values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.values, values)
}

// Get returns one attribute value.
func (m *AttributeMirror) Get(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok
}

// Snapshot returns a copy of every mirrored value.
func (m *AttributeMirror) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values)
}

// Callback receives the lifecycle events of one submitted operation.
// message and errMsg are nil when absent.
type Callback func(h protocol.Handle, stage protocol.Stage, message, errMsg *string)

// callbackRegistry maps in-flight handles to their callbacks.
type callbackRegistry struct {
	mu sync.Mutex
	m  map[protocol.Handle]Callback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{m: make(map[protocol.Handle]Callback)}
}

func (r *callbackRegistry) register(h protocol.Handle, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[h] = cb
}

// lookup returns the callback for h, removing it when stage is End.
func (r *callbackRegistry) lookup(h protocol.Handle, stage protocol.Stage) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.m[h]
	if ok && stage == protocol.StageEnd {
		delete(r.m, h)
	}
	return cb, ok
}

func (r *callbackRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
