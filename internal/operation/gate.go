package operation

import "sync/atomic"

// Gate is the non-blocking mutual-exclusion primitive guarding foreground
// operations. It has no owner identity: any goroutine may release it.
type Gate struct {
	held atomic.Bool
}

// NewGate creates a Free gate.
func NewGate() *Gate {
	return &Gate{}
}

// TryAcquire moves the gate from Free to Held. It returns false without
// blocking if the gate is already Held.
func (g *Gate) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// Release returns the gate to Free. Releasing a Free gate is a no-op.
func (g *Gate) Release() {
	g.held.Store(false)
}

// Held reports whether a foreground operation currently holds the gate.
func (g *Gate) Held() bool {
	return g.held.Load()
}
