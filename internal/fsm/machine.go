// Package fsm provides a table driven finite state machine that consumes inputs from a queue.
//
// Inputs are pushed onto the queue and processed strictly one at a time by Process. An action
// run for a transition may push further inputs; they are drained by the same Process call, so a
// caller that pushes one input and calls Process observes only the state reached once the queue
// is empty. A Machine is not safe for concurrent use; its owner serializes access.
package fsm

import (
	"github.com/pkg/errors"
)

type transition[S comparable] struct {
	to     S
	action func()
}

// Machine is a finite state machine over states S and inputs I.
type Machine[S, I comparable] struct {
	state       S
	transitions map[S]map[I]transition[S]
	queue       []I
	processing  bool

	onInvalid    func(state S, input I)
	onTransition func(from, to S, input I)
}

// New returns a machine in the initial state with no transitions.
func New[S, I comparable](initial S) *Machine[S, I] {
	return &Machine[S, I]{
		state:       initial,
		transitions: make(map[S]map[I]transition[S]),
	}
}

// AddTransition registers the transition taken when input arrives in state from. action, which
// may be nil, runs after the state has changed to to.
func (m *Machine[S, I]) AddTransition(from S, input I, to S, action func()) error {
	byInput, ok := m.transitions[from]
	if !ok {
		byInput = make(map[I]transition[S])
		m.transitions[from] = byInput
	}
	if _, exists := byInput[input]; exists {
		return errors.Errorf("transition from %v on %v already defined", from, input)
	}
	byInput[input] = transition[S]{to: to, action: action}
	return nil
}

// OnInvalidInput sets the function called when an input has no transition from the current
// state. The state is left unchanged.
func (m *Machine[S, I]) OnInvalidInput(fn func(state S, input I)) {
	m.onInvalid = fn
}

// OnTransition sets the function called after every state change, before the action runs.
func (m *Machine[S, I]) OnTransition(fn func(from, to S, input I)) {
	m.onTransition = fn
}

// State returns the current state.
func (m *Machine[S, I]) State() S {
	return m.state
}

// Can reports whether input has a transition from the current state.
func (m *Machine[S, I]) Can(input I) bool {
	_, ok := m.transitions[m.state][input]
	return ok
}

// Push queues an input. It is not processed until Process is called.
func (m *Machine[S, I]) Push(input I) {
	m.queue = append(m.queue, input)
}

// Process drains the input queue. A call made from inside an action returns immediately; the
// outer call keeps draining.
func (m *Machine[S, I]) Process() {
	if m.processing {
		return
	}
	m.processing = true
	defer func() { m.processing = false }()

	for len(m.queue) > 0 {
		input := m.queue[0]
		m.queue = m.queue[1:]

		t, ok := m.transitions[m.state][input]
		if !ok {
			if m.onInvalid != nil {
				m.onInvalid(m.state, input)
			}
			continue
		}
		from := m.state
		m.state = t.to
		if m.onTransition != nil {
			m.onTransition(from, t.to, input)
		}
		if t.action != nil {
			t.action()
		}
	}
}
