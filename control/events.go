// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"log/slog"
	"sync"
	"time"
)

// OutputEvent is raised for every Output message a worker sends.
type OutputEvent struct {
	WorkerID  string
	Data      string
	IsError   bool
	Timestamp time.Time
}

// StatusEvent is raised for every Status message a worker sends.
// Previous is the state from the worker's prior Status, empty for the
// first one.
type StatusEvent struct {
	WorkerID  string
	Previous  WorkerState
	Status    Status
	Timestamp time.Time
}

// FaultEvent is raised when a worker reports a fatal error. The
// registry does not close the channel for it; the worker is expected
// to.
type FaultEvent struct {
	WorkerID  string
	Code      ErrorCode
	Message   string
	Timestamp time.Time
}

// observers is a subscriber list for one event type. Handlers run
// synchronously on the publishing goroutine in subscription order; a
// panic in one is logged and does not stop the others.
type observers[T any] struct {
	mutex    sync.RWMutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id      uint64
	handler func(T)
}

// add registers handler and returns a function that removes it.
func (o *observers[T]) add(handler func(T)) func() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.nextID++
	id := o.nextID
	o.handlers = append(o.handlers, subscription[T]{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mutex.Lock()
			defer o.mutex.Unlock()
			for i, existing := range o.handlers {
				if existing.id == id {
					o.handlers = append(o.handlers[:i:i], o.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) publish(logger *slog.Logger, event string, value T) {
	o.mutex.RLock()
	handlers := o.handlers
	o.mutex.RUnlock()

	for _, entry := range handlers {
		invoke(logger, event, entry.handler, value)
	}
}

func invoke[T any](logger *slog.Logger, event string, handler func(T), value T) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("event handler panicked", "event", event, "panic", recovered)
		}
	}()
	handler(value)
}
