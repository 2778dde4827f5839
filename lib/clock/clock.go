// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations warden components schedule
// work with. Production code uses Real(); tests use Fake() and move
// time forward explicitly.
//
// Code whose timers or timestamps a test needs to control should take
// a Clock (or be a method on a struct holding one) instead of calling
// time.Now, time.After, or time.NewTicker. Socket deadlines are the
// exception: the kernel compares them against wall time, so they are
// always computed from time.Now.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Like time.Ticker, C has
// capacity 1 and ticks are dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
