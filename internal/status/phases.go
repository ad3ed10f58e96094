// Package status defines the VM lifecycle states and their legal transitions.
//
//	absent -> defining -> active <-> inactive
//	active|inactive -> destroying -> absent
//
// Status is never persisted. Stable states are derived from the hypervisor on
// every read; transient states exist only while an operation holds the VM's
// lock.
package status

import (
	"fmt"
)

// State is a VM lifecycle state as shown to users.
type State string

const (
	Absent     State = "absent"
	Defining   State = "defining"
	Active     State = "running"
	Inactive   State = "stopped"
	Destroying State = "destroying"

	// Missing marks a record whose domain is gone from the hypervisor.
	Missing State = "missing"
)

var transitions = map[State][]State{
	Absent:     {Defining},
	Defining:   {Active, Absent},
	Active:     {Inactive, Destroying},
	Inactive:   {Active, Destroying},
	Destroying: {Absent},
	Missing:    {Destroying, Absent},
}

// FromDomain derives the stable state of a defined domain.
func FromDomain(active bool) State {
	if active {
		return Active
	}
	return Inactive
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns to.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("cannot transition from %s to %s", from, to)
	}
	return to, nil
}

// IsTransient returns true for states held only while an operation is in flight.
func IsTransient(s State) bool {
	return s == Defining || s == Destroying
}

// IsRunning returns true if the VM is running.
func IsRunning(s State) bool {
	return s == Active
}
