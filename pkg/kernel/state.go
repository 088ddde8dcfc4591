// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"sync"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// State is the lifecycle state of a kernel.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateMachine validates kernel lifecycle transitions.
//
// The transition graph:
//
//	STOPPED  → STARTING : start requested
//	STARTING → RUNNING  : tool and governor confirmed alive
//	STARTING → STOPPED  : spawn failed, partial state rolled back
//	RUNNING  → STOPPING : stop requested
//	STOPPING → STOPPED  : every recorded process verified dead
//
// The machine only tracks operations in flight inside this process. The
// settled state of a kernel is always re-derived from the operating system,
// so a crashed tool never leaves a kernel stuck in RUNNING.
//
// # Thread Safety
//
// Safe for concurrent use.
type StateMachine struct {
	mu          sync.Mutex
	transitions map[State]map[State]bool
	current     map[string]State
}

// NewStateMachine creates a machine with the lifecycle transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[State]map[State]bool),
		current:     make(map[string]State),
	}
	for _, s := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		sm.transitions[s] = make(map[State]bool)
	}

	sm.addTransition(StateStopped, StateStarting)
	sm.addTransition(StateStarting, StateRunning)
	sm.addTransition(StateStarting, StateStopped)
	sm.addTransition(StateRunning, StateStopping)
	sm.addTransition(StateStopping, StateStopped)
	return sm
}

func (sm *StateMachine) addTransition(from, to State) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is in the graph.
func (sm *StateMachine) CanTransition(from, to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitions[from][to]
}

// Settle records the state observed from the operating system, replacing
// whatever the machine held. Used before an operation begins.
func (sm *StateMachine) Settle(kernel string, observed State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.current[kernel] = observed
}

// Transition moves kernel to the state to.
//
// # Outputs
//
//   - error: kind InvalidTransition if the move is not in the graph.
func (sm *StateMachine) Transition(kernel string, to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current[kernel]
	if !sm.transitions[from][to] {
		return ckerrors.New(ckerrors.KindInvalidTransition, "kernel.transition", kernel).
			WithState("transition from "+from.String(), to.String())
	}
	sm.current[kernel] = to
	return nil
}

// InFlight returns the state of an operation in progress, if any.
func (sm *StateMachine) InFlight(kernel string) (State, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.current[kernel]
	if !ok || (s != StateStarting && s != StateStopping) {
		return StateStopped, false
	}
	return s, true
}
