package fsm

import (
	"fmt"
	"sync"
)

// State is one load-lifecycle state of a viewer surface.
type State string

const (
	// StateIdle means no model has been requested yet.
	StateIdle State = "idle"
	// StateLoading means the first model for the surface is in flight.
	StateLoading State = "loading"
	// StateLoaded means a model is bound to the surface.
	StateLoaded State = "loaded"
	// StateSwitching means a hot swap to a different model is in flight.
	StateSwitching State = "switching"
	// StateError means the last load attempt failed; not sticky.
	StateError State = "error"
)

var transitions = map[State][]State{
	StateIdle:      {StateLoading},
	StateLoading:   {StateLoading, StateLoaded, StateError},
	StateLoaded:    {StateSwitching, StateLoading},
	StateSwitching: {StateSwitching, StateLoaded, StateError, StateLoading},
	StateError:     {StateLoading},
}

// Machine tracks the load state of one surface.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// New returns a machine in StateIdle.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Is reports whether the machine currently holds state.
func (m *Machine) Is(state State) bool {
	return m.State() == state
}

// Transition moves to state if the move is legal from the current state.
func (m *Machine) Transition(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == state {
			m.state = state
			return nil
		}
	}
	return fmt.Errorf("illegal transition: %s -> %s", m.state, state)
}
