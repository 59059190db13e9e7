// Package guard provides the call-scoped mutual-exclusion gate every
// state-mutating operation runs under. The dominant hazard is re-entrancy:
// a payout is an external step that could re-invoke a public entry point
// before bookkeeping is finalized. A re-entering call on the same engine
// instance fails fast instead of corrupting shared state.
package guard

import (
	"errors"
	"sync"
)

// ErrOperationInProgress is returned when a call arrives while another
// mutating operation holds the gate.
var ErrOperationInProgress = errors.New("guard: operation in progress")

// Gate serializes mutating operations for one engine instance. Both
// settlement services share a single Gate so a re-entrant call through
// either surface is rejected.
type Gate struct {
	mu sync.Mutex
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Enter acquires the gate or fails fast with ErrOperationInProgress.
func (g *Gate) Enter() error {
	if !g.mu.TryLock() {
		return ErrOperationInProgress
	}
	return nil
}

// Leave releases the gate. Must only follow a successful Enter.
func (g *Gate) Leave() {
	g.mu.Unlock()
}
