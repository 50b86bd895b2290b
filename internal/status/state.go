package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/inbox/internal/bus"
)

// State represents a realtime connection state.
type State string

const (
	Idle               State = "IDLE"
	Connecting         State = "CONNECTING"
	Open               State = "OPEN"
	Closing            State = "CLOSING"
	Closed             State = "CLOSED"
	ReconnectScheduled State = "RECONNECT_SCHEDULED"
	Terminal           State = "TERMINAL"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:               {Connecting, Closed},
	Connecting:         {Open, Closed, Terminal},
	Open:               {Closing, Closed, Terminal},
	Closing:            {Closed},
	Closed:             {Connecting, ReconnectScheduled, Terminal},
	ReconnectScheduled: {Connecting, Closed},
	Terminal:           {Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindRealtimeState, StatusChange{From: from, To: to})
	return nil
}

// Path walks through each state in order, stopping at the first invalid step.
func (m *Machine) Path(states ...State) error {
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			return err
		}
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
