// Package gate provides the job-scoped activation-slot gate: a scoped
// semaphore bounding how many units sit between an acquire phase and its
// paired release phase, working around a fixed upstream per-AP-group limit
// on in-flight SSID activations.
package gate

import "sync"

// SlotGate is a scoped semaphore keyed by unit. A unit acquires at most one
// slot; release is idempotent so the paired release-phase and the
// unit-termination cleanup path can both fire safely.
type SlotGate struct {
	mu       sync.Mutex
	capacity int
	holders  map[string]bool
}

// NewSlotGate creates a gate with the given capacity. Capacity <= 0 means
// unbounded (no gating).
func NewSlotGate(capacity int) *SlotGate {
	return &SlotGate{
		capacity: capacity,
		holders:  make(map[string]bool),
	}
}

// TryAcquire attempts a non-blocking slot acquisition for the unit.
// A unit that already holds a slot acquires trivially.
func (g *SlotGate) TryAcquire(unitID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.capacity <= 0 {
		return true
	}
	if g.holders[unitID] {
		return true
	}
	if len(g.holders) >= g.capacity {
		return false
	}
	g.holders[unitID] = true
	return true
}

// Release frees the unit's slot. Safe under double-release.
func (g *SlotGate) Release(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, unitID)
}

// Holds reports whether the unit currently holds a slot.
func (g *SlotGate) Holds(unitID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[unitID]
}

// InFlight returns how many units currently hold slots.
func (g *SlotGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holders)
}
