package device

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// WatchFunc receives attribute changes.
type WatchFunc func(name string, value any)

// AttributeBus carries attribute values between the controller and the
// server.
type AttributeBus interface {
	// Get returns the last known value.
	Get(name string) (any, bool)

	// Put asks the controller to write a value.
	Put(ctx context.Context, name string, value any) error

	// Watch registers fn for every change and returns a function that
	// removes it.
	Watch(fn WatchFunc) (cancel func())
}

// watchers is a set of WatchFuncs shared by the bus implementations.
type watchers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]WatchFunc
}

func (w *watchers) add(fn WatchFunc) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]WatchFunc)
	}
	id := w.next
	w.next++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) notify(name string, value any) {
	w.mu.RLock()
	fns := make([]WatchFunc, 0, len(w.fns))
	for _, id := range sortedIDs(w.fns) {
		fns = append(fns, w.fns[id])
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn(name, value)
	}
}

func sortedIDs(m map[int]WatchFunc) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MemoryBus keeps values in memory. Put stores immediately and notifies
// watchers synchronously on the caller's goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	values map[string]any
	closed bool

	watchers watchers

	// onPut, when set, runs after a Put is stored. The Simulator uses it.
	onPut func(name string, value any)
}

// NewMemoryBus creates a bus seeded with initial values.
func NewMemoryBus(initial map[string]any) *MemoryBus {
	values := maps.Clone(initial)
	if values == nil {
		values = make(map[string]any)
	}
	return &MemoryBus{values: values}
}

// Get implements AttributeBus.
func (b *MemoryBus) Get(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[name]
	return v, ok
}

// Put implements AttributeBus.
func (b *MemoryBus) Put(ctx context.Context, name string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Set(name, value); err != nil {
		return err
	}
	if b.onPut != nil {
		b.onPut(name, value)
	}
	return nil
}

// Set stores a value as if the controller had changed it.
func (b *MemoryBus) Set(name string, value any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.values[name] = value
	b.mu.Unlock()

	b.watchers.notify(name, value)
	return nil
}

// Watch implements AttributeBus.
func (b *MemoryBus) Watch(fn WatchFunc) func() {
	return b.watchers.add(fn)
}

// Values returns a copy of every stored value.
func (b *MemoryBus) Values() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.values)
}

// Close rejects further writes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
