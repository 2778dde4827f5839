// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

// WorkerState is the worker's lifecycle state as reported in Status
// messages. It is independent of whether a channel is connected.
type WorkerState string

const (
	StateInitializing WorkerState = "initializing"
	StateStarting     WorkerState = "starting"
	StateRunning      WorkerState = "running"
	StateStopping     WorkerState = "stopping"
	StateStopped      WorkerState = "stopped"
	StateCrashed      WorkerState = "crashed"
	StateFailed       WorkerState = "failed"
	StateRestarting   WorkerState = "restarting"
)

// transitions lists the successors of each state. A worker may always
// report the state it is already in.
var transitions = map[WorkerState][]WorkerState{
	StateInitializing: {StateStarting, StateFailed},
	StateStarting:     {StateRunning, StateCrashed, StateFailed, StateStopping},
	StateRunning:      {StateStopping, StateCrashed, StateFailed, StateRestarting},
	StateStopping:     {StateStopped, StateCrashed, StateFailed},
	StateStopped:      {StateStarting, StateRestarting},
	StateCrashed:      {StateRestarting, StateStarting},
	StateFailed:       {StateRestarting, StateStarting},
	StateRestarting:   {StateStarting, StateFailed},
}

// Valid reports whether s is a known state.
func (s WorkerState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a worker in state from may next report
// state to. An empty from (nothing reported yet) accepts any state.
func CanTransition(from, to WorkerState) bool {
	if !to.Valid() {
		return false
	}
	if from == "" || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s means the managed process is not running.
func (s WorkerState) Terminal() bool {
	switch s {
	case StateStopped, StateCrashed, StateFailed:
		return true
	}
	return false
}
