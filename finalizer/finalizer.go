// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package finalizer implements a deferred-destruction queue: any
// goroutine may push a cleanup entry gated either on a frame count or
// on a set of timeline semaphores reaching given values, and a single
// consumer drains the ones that have become due, once per frame.
package finalizer

import (
	"sync"

	"github.com/gviegas/rgraph/driver"
	"go.uber.org/zap"
)

// semWait pairs a timeline semaphore with the value that must be
// reached before the entry it belongs to executes.
type semWait struct {
	sem   driver.TimelineSemaphore
	value uint64
}

// entry is one pending cleanup.
type entry struct {
	lifetime int // frames remaining; ignored if len(waits) > 0
	waits    []semWait
	execute  func()
	name     string
}

// Queue is a many-producer, single-consumer deferred destruction
// queue. Producers call Push/PushAsync from any goroutine at any
// time; Iterate must only be called by the frame owner, typically
// once per end_frame.
type Queue struct {
	framesInFlight int
	log            *zap.SugaredLogger

	mu      sync.Mutex
	entries []entry
}

// New creates a Queue. framesInFlight is the default lifetime (in
// frames) given to entries pushed through Push: an entry pushed
// during frame N is not executed before frame N+framesInFlight has
// begun, so that any command buffer from a frame still in flight when
// the entry was pushed has long since retired.
func New(framesInFlight int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{framesInFlight: framesInFlight, log: log.Sugar()}
}

// Push schedules execute to run once framesInFlight frames have
// elapsed. Safe to call from any goroutine.
func (q *Queue) Push(execute func(), name string) {
	q.mu.Lock()
	q.entries = append(q.entries, entry{
		lifetime: q.framesInFlight,
		execute:  execute,
		name:     name,
	})
	q.mu.Unlock()
}

// PushAsync schedules execute to run once every semaphore in waits
// has reached its paired value, instead of waiting on frame count.
// Use this for resources whose retirement is tracked by a render
// graph run's completion semaphore rather than by the frame ring.
func (q *Queue) PushAsync(execute func(), name string, waits ...struct {
	Semaphore driver.TimelineSemaphore
	Value     uint64
}) {
	w := make([]semWait, len(waits))
	for i, x := range waits {
		w[i] = semWait{sem: x.Semaphore, value: x.Value}
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry{
		waits:   w,
		execute: execute,
		name:    name,
	})
	q.mu.Unlock()
}

// IsEmpty reports whether the queue currently holds no pending
// entries.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// Iterate runs a single pass over the queue: first pass decrements
// frame-gated entries' remaining lifetime and checks semaphore-gated
// entries' current values; due entries are executed and removed in a
// second pass so that Execute callbacks never run while the queue
// lock is held. If force is true every remaining entry executes
// regardless of its gate.
func (q *Queue) Iterate(force bool) {
	q.mu.Lock()
	var due []entry
	remaining := q.entries[:0]
	for _, e := range q.entries {
		ready := force
		if !ready {
			if len(e.waits) > 0 {
				ready = true
				for _, w := range e.waits {
					v, err := w.sem.Value()
					if err != nil || v < w.value {
						ready = false
						break
					}
				}
			} else if e.lifetime > 0 {
				e.lifetime--
			} else {
				ready = true
			}
		}
		if ready {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.entries = remaining
	q.mu.Unlock()

	for _, e := range due {
		if e.name != "" {
			q.log.Debugw("finalizer executing", "name", e.name)
		}
		e.execute()
	}
}
