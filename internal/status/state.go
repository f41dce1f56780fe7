// Package status tracks the sync engine's runtime lifecycle.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Syncing    State = "SYNCING"
	Live       State = "LIVE"
	Degraded   State = "DEGRADED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Offline, Connecting, Error},
	Offline:    {Connecting, Error},
	Connecting: {Syncing, Offline, Degraded, Error},
	Syncing:    {Live, Offline, Degraded, Error},
	Live:       {Offline, Syncing, Degraded, Error},
	Degraded:   {Connecting, Syncing, Live, Offline, Error},
	Error:      {Booting},
}

// Machine tracks and enforces engine state transitions, announcing each one
// on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic:     bus.TopicStatus,
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for state transition events.
type Change struct {
	From State
	To   State
}
