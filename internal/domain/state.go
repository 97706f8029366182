package domain

import "time"

// State is a node of the bootstrap state machine.
type State string

const (
	StateFresh               State = "fresh"
	StateProbing             State = "probing"
	StateFetching            State = "fetching"
	StateExtracting          State = "extracting"
	StateConfiguring         State = "configuring"
	StateInstallingDeps      State = "installing_deps"
	StateInitializing        State = "initializing"
	StateMarkedDone          State = "marked_done"
	StateAlreadyDone         State = "already_done"
	StateFinalizePermissions State = "finalize_permissions"
	StateReady               State = "ready"
	StateFailed              State = "failed"
)

var transitions = map[State][]State{
	StateFresh:               {StateProbing, StateAlreadyDone},
	StateProbing:             {StateFetching, StateAlreadyDone},
	StateFetching:            {StateExtracting},
	StateExtracting:          {StateConfiguring},
	StateConfiguring:         {StateInstallingDeps},
	StateInstallingDeps:      {StateInitializing},
	StateInitializing:        {StateMarkedDone},
	StateMarkedDone:          {StateFinalizePermissions},
	StateAlreadyDone:         {StateFinalizePermissions},
	StateFinalizePermissions: {StateReady},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// CanTransition enforces the edges of the bootstrap state machine. Any
// non-terminal state may fail.
func CanTransition(current, next State) bool {
	if current == "" || next == "" || current.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, candidate := range transitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Transition is one recorded state change. Err is set when To is StateFailed.
type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}
