package lifecycle

import (
	"sync"
	"time"
)

// State is the call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateCapturing
	StateProcessing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMonitoring:
		return "MONITORING"
	case StateCapturing:
		return "CAPTURING"
	case StateProcessing:
		return "PROCESSING"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes lifecycle state changes.
type StateListener func(event StateChange)

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine implements the finite state machine for call lifecycle
// management.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// transitionValid checks if a state transition is valid.
func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:       {StateMonitoring},
		StateMonitoring: {StateCapturing, StateIdle, StateError},
		StateCapturing:  {StateProcessing, StateError, StateMonitoring},
		StateProcessing: {StateMonitoring, StateError},
		StateError:      {StateMonitoring, StateIdle},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.currentState, state) {
		err := &InvalidTransitionError{From: m.currentState, To: state}
		m.mu.Unlock()
		return err
	}
	event := StateChange{
		FromState: m.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.currentState = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
