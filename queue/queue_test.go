// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeSem struct {
	mu    sync.Mutex
	value uint64
}

func (s *fakeSem) Destroy() {}

func (s *fakeSem) Value() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *fakeSem) Wait(value uint64, timeout time.Duration) error { return nil }

type fakeEvent struct{}

func (fakeEvent) Destroy() {}

type fakeQueue struct {
	fam     uint32
	mu      sync.Mutex
	batches []*driver.SubmitBatch
}

func (q *fakeQueue) Family() uint32 { return q.fam }

func (q *fakeQueue) Submit(batch *driver.SubmitBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
	return nil
}

type fakeDevice struct {
	ques    [driver.NWorkload]*fakeQueue
	mu      sync.Mutex
	sems    int
	events  int
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{}
	for i := range d.ques {
		d.ques[i] = &fakeQueue{fam: uint32(i)}
	}
	return d
}

func (d *fakeDevice) QueueFor(w driver.Workload) driver.Queue {
	if !w.Valid() {
		return nil
	}
	return d.ques[w]
}

func (d *fakeDevice) NewTimelineSemaphore(initial uint64) (driver.TimelineSemaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sems++
	return &fakeSem{value: initial}, nil
}

func (d *fakeDevice) NewBinarySemaphore() (driver.BinarySemaphore, error) {
	return fakeEvent{}, nil
}

func (d *fakeDevice) NewEvent() (driver.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events++
	return fakeEvent{}, nil
}

func (d *fakeDevice) NewFence(signaled bool) (driver.Fence, error) {
	return nil, assert.AnError
}

func TestManagerRoutesByWorkload(t *testing.T) {
	dev := newFakeDevice()
	m := queue.New(dev)

	for _, w := range []driver.Workload{driver.Graphics, driver.Compute, driver.Transfer} {
		require.NoError(t, m.Submit(&driver.SubmitBatch{Workload: w}))
	}

	for i, q := range dev.ques {
		require.Len(t, q.batches, 1, "queue %d", i)
		assert.Equal(t, driver.Workload(i), q.batches[0].Workload)
	}
}

func TestManagerRejectsInvalidWorkload(t *testing.T) {
	m := queue.New(newFakeDevice())
	assert.Error(t, m.Submit(&driver.SubmitBatch{Workload: driver.Workload(99)}))
}

func TestManagerConcurrentSubmit(t *testing.T) {
	dev := newFakeDevice()
	m := queue.New(dev)

	var eg errgroup.Group
	const n = 32
	for i := 0; i < n; i++ {
		w := driver.Workload(i % driver.NWorkload)
		eg.Go(func() error {
			return m.Submit(&driver.SubmitBatch{Workload: w})
		})
	}
	require.NoError(t, eg.Wait())

	total := 0
	for _, q := range dev.ques {
		total += len(q.batches)
	}
	assert.Equal(t, n, total)
}

func TestSemaphorePoolRecycles(t *testing.T) {
	dev := newFakeDevice()
	p := queue.NewSemaphorePool(dev)

	sem, base, err := p.GetTimelineSemaphore()
	require.NoError(t, err)
	assert.Zero(t, base)
	assert.Equal(t, 1, dev.sems)

	p.PutTimelineSemaphore(sem, 7)

	got, base, err := p.GetTimelineSemaphore()
	require.NoError(t, err)
	assert.Same(t, sem, got)
	assert.Equal(t, uint64(7), base)
	// Recycled, not recreated.
	assert.Equal(t, 1, dev.sems)

	// Pool empty again: a fresh semaphore with base zero.
	_, base, err = p.GetTimelineSemaphore()
	require.NoError(t, err)
	assert.Zero(t, base)
	assert.Equal(t, 2, dev.sems)
}

func TestSemaphorePoolNewEvent(t *testing.T) {
	dev := newFakeDevice()
	p := queue.NewSemaphorePool(dev)

	_, err := p.NewEvent()
	require.NoError(t, err)
	assert.Equal(t, 1, dev.events)
}

func TestSemaphorePoolDrain(t *testing.T) {
	dev := newFakeDevice()
	p := queue.NewSemaphorePool(dev)

	sem, _, err := p.GetTimelineSemaphore()
	require.NoError(t, err)
	p.PutTimelineSemaphore(sem, 1)
	p.Drain()

	// Drained: the next Get creates anew.
	_, _, err = p.GetTimelineSemaphore()
	require.NoError(t, err)
	assert.Equal(t, 2, dev.sems)
}
