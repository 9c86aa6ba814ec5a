package vm

import (
	"errors"
	"fmt"
)

// LifecycleState is the Vm's coarse-grained state machine:
// Created -> Running -> Paused <-> Running -> Stopped -> Destroyed.
// gokvm has no equivalent: a
// VMM is either mid-Boot or dead. This is deliberately stricter so an
// embedder cannot, say, Pause a VM that was never Started or
// Resume one that was Destroyed.
type LifecycleState uint8

const (
	StateCreated LifecycleState = iota
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is wrapped with the offending (from, to) pair
// whenever a lifecycle method is called out of order.
var ErrInvalidTransition = errors.New("vm: invalid lifecycle transition")

// allowedTransitions enumerates every legal edge in the state machine.
var allowedTransitions = map[LifecycleState]map[LifecycleState]bool{
	StateCreated: {StateRunning: true, StateDestroyed: true},
	StateRunning: {StatePaused: true, StateStopped: true, StateDestroyed: true},
	StatePaused:  {StateRunning: true, StateStopped: true, StateDestroyed: true},
	StateStopped: {StateDestroyed: true},
}

func checkTransition(from, to LifecycleState) error {
	if allowedTransitions[from][to] {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
