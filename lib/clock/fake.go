// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time stands still until
// Advance is called.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.waitersChanged = sync.NewCond(&clock.mutex)
	return clock
}

// FakeClock is a deterministic Clock for tests. After and NewTicker
// register waiters that fire when Advance moves the clock past their
// deadline. Safe for concurrent use.
type FakeClock struct {
	mutex          sync.Mutex
	current        time.Time
	waiters        []*waiter
	waitersChanged *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers, which are rescheduled after
	// each firing.
	interval time.Duration
	stopped  bool
}

func (c *FakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&waiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	channel := make(chan time.Time, 1)
	ticker := &waiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.addLocked(ticker)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			ticker.stopped = true
		},
	}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, in deadline order. A ticker spanning
// several intervals fires once per interval; ticks that find its
// channel full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.current = c.current.Add(d)

	for {
		var due []*waiter
		remaining := c.waiters[:0:0]
		for _, w := range c.waiters {
			switch {
			case w.stopped:
			case !w.deadline.After(c.current):
				due = append(due, w)
			default:
				remaining = append(remaining, w)
			}
		}
		if len(due) == 0 {
			c.waiters = remaining
			return
		}
		slices.SortFunc(due, func(a, b *waiter) int { return a.deadline.Compare(b.deadline) })
		for _, w := range due {
			select {
			case w.channel <- c.current:
			default:
			}
			if w.interval > 0 {
				w.deadline = w.deadline.Add(w.interval)
				remaining = append(remaining, w)
			}
		}
		c.waiters = remaining
	}
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// before Advance so a goroutine that is about to register a timer
// does not miss the advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for c.pendingLocked() < n {
		c.waitersChanged.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
