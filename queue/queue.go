// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package queue manages the small set of GPU queues a device
// exposes, handing out per-workload access guarded by the mutex the
// driver.Queue contract requires (submission is not internally
// synchronized), and pooling the timeline semaphores the render
// graph scheduler allocates once per build.
package queue

import (
	"sync"

	"github.com/gviegas/rgraph/driver"
	"github.com/pkg/errors"
)

// Manager owns one driver.Queue per workload and serializes
// submission to each. Multiple workloads may resolve to the same
// underlying queue (a device with a single combined graphics/compute/
// transfer family); Manager still guards each workload's calls with
// its own lock entry so that callers never need to know whether two
// workloads share a family.
type Manager struct {
	dev driver.SyncDevice

	mus [driver.NWorkload]sync.Mutex
}

// New creates a Manager over dev's queues.
func New(dev driver.SyncDevice) *Manager {
	return &Manager{dev: dev}
}

// Submit submits batch to the queue backing batch.Workload, holding
// that workload's lock for the duration of the call.
func (m *Manager) Submit(batch *driver.SubmitBatch) error {
	if !batch.Workload.Valid() {
		return errors.Errorf("queue: invalid workload %d", batch.Workload)
	}
	m.mus[batch.Workload].Lock()
	defer m.mus[batch.Workload].Unlock()

	q := m.dev.QueueFor(batch.Workload)
	if q == nil {
		return errors.Errorf("queue: no queue available for workload %s", batch.Workload)
	}
	return q.Submit(batch)
}

// SemaphorePool hands out timeline semaphores to render graph builds
// and reclaims them once a plan has been cleared, avoiding a
// create/destroy pair on every Graph.Build call for BuildPerFrame
// graphs. It implements graph.Backend.
//
// A timeline semaphore's counter is required to be monotonically
// increasing, so a recycled semaphore cannot restart from zero; the
// pool records the highest value a caller signaled before returning
// each semaphore and reports it as the base on the next handout, and
// the graph offsets every signal/wait value by that base.
type SemaphorePool struct {
	dev driver.SyncDevice

	mu   sync.Mutex
	free []pooledSemaphore
}

type pooledSemaphore struct {
	sem  driver.TimelineSemaphore
	base uint64
}

// NewSemaphorePool creates an empty pool over dev.
func NewSemaphorePool(dev driver.SyncDevice) *SemaphorePool {
	return &SemaphorePool{dev: dev}
}

// GetTimelineSemaphore returns a timeline semaphore and the counter
// value it has already reached: zero for a freshly created one, or
// the last signaled value recorded by PutTimelineSemaphore for a
// recycled one. It satisfies graph.Backend.
func (p *SemaphorePool) GetTimelineSemaphore() (driver.TimelineSemaphore, uint64, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		ps := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return ps.sem, ps.base, nil
	}
	p.mu.Unlock()

	sem, err := p.dev.NewTimelineSemaphore(0)
	if err != nil {
		return nil, 0, errors.Wrap(err, "queue: failed to create timeline semaphore")
	}
	return sem, 0, nil
}

// PutTimelineSemaphore returns sem to the pool for reuse, recording
// lastSignaled as the base the next handout reports. The caller need
// not have waited for the GPU to reach lastSignaled; it only must not
// signal sem again outside the pool. It satisfies graph.Backend.
func (p *SemaphorePool) PutTimelineSemaphore(sem driver.TimelineSemaphore, lastSignaled uint64) {
	p.mu.Lock()
	p.free = append(p.free, pooledSemaphore{sem: sem, base: lastSignaled})
	p.mu.Unlock()
}

// NewEvent creates an event in the unsignaled state. It satisfies
// graph.Backend; events are not pooled since a set event cannot be
// reused without a queue-side reset, and the graph re-registers a
// fresh event per hazard pair instead.
func (p *SemaphorePool) NewEvent() (driver.Event, error) {
	ev, err := p.dev.NewEvent()
	if err != nil {
		return nil, errors.Wrap(err, "queue: failed to create event")
	}
	return ev, nil
}

// Drain destroys every free semaphore in the pool. Call it at
// shutdown, after the device has gone idle.
func (p *SemaphorePool) Drain() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, ps := range free {
		ps.sem.Destroy()
	}
}
