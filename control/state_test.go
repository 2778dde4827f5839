// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to WorkerState
		want     bool
	}{
		{"", StateRunning, true},
		{"", "bogus", false},
		{StateInitializing, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateStarting, true},
		{StateCrashed, StateRestarting, true},
		{StateRestarting, StateStarting, true},
		{StateStopped, StateRunning, false},
		{StateInitializing, StateRunning, false},
		{StateRunning, "bogus", false},
	}
	for _, test := range tests {
		if got := CanTransition(test.from, test.to); got != test.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	for _, state := range []WorkerState{StateStopped, StateCrashed, StateFailed} {
		if !state.Terminal() {
			t.Errorf("%s.Terminal() = false", state)
		}
	}
	for _, state := range []WorkerState{StateInitializing, StateStarting, StateRunning, StateStopping, StateRestarting} {
		if state.Terminal() {
			t.Errorf("%s.Terminal() = true", state)
		}
	}
}
