// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package vk

// #include <proc.h>
import "C"

import (
	"time"
	"unsafe"

	"github.com/gviegas/rgraph/driver"
	"github.com/pkg/errors"
)

// quesFor maps a driver.Workload to an index into d.ques. d.ques holds
// one queue per queue family, and graphics and compute commands use the
// family d.qfam, so every workload is served by the queue of that
// shared family; the other families' queues are used for presentation.
func (d *Driver) quesFor(w driver.Workload) int {
	return int(d.qfam)
}

// QueueFor returns the Queue backing workload w. It satisfies
// driver.SyncDevice.
func (d *Driver) QueueFor(w driver.Workload) driver.Queue {
	if !w.Valid() || len(d.ques) == 0 {
		return nil
	}
	return &queueHandle{d: d, idx: d.quesFor(w)}
}

// queueHandle implements driver.Queue over one of Driver's ques
// entries. Submission is guarded by the matching entry in d.qmus,
// matching the rest of the package's per-queue locking convention.
type queueHandle struct {
	d   *Driver
	idx int
}

// Family returns the queue family index backing the queue.
func (q *queueHandle) Family() uint32 { return uint32(q.d.qfam) }

// Submit submits batch to the underlying VkQueue.
//
// Events named in an entry's WaitEvents/SignalEvents are not part of
// a VkSubmitInfo; Vulkan records event waits/sets as commands inside
// a command buffer. Since the render graph only learns which events
// apply to a submission after the referenced command buffers have
// already been recorded and ended (Build runs after recording),
// Submit wraps the hazard with small dedicated command buffers: one
// that issues vkCmdWaitEvents before the entry's buffer and one that
// issues vkCmdSetEvent after, placed in the same batch so their order
// relative to the user's commands is preserved by VkSubmitInfo's
// ordering guarantee within one queue. The transient pools backing
// those buffers live until the batch's timeline signal retires; see
// reapEventPools.
func (q *queueHandle) Submit(batch *driver.SubmitBatch) error {
	q.d.qmus[q.idx].Lock()
	defer q.d.qmus[q.idx].Unlock()

	q.d.reapEventPools()

	var bufs []C.VkCommandBuffer
	var pools []C.VkCommandPool
	fail := func(err error) error {
		for _, p := range pools {
			C.vkDestroyCommandPool(q.d.dev, p, nil)
		}
		return err
	}

	for i := range batch.Entries {
		e := &batch.Entries[i]
		if len(e.WaitEvents) > 0 {
			cb, pool, err := q.d.eventCmdBuf(e.WaitEvents, nil)
			if err != nil {
				return fail(errors.Wrap(err, "vk: failed to record event wait buffer"))
			}
			pools = append(pools, pool)
			bufs = append(bufs, cb)
		}
		raw, ok := e.Buffer.(*cmdBuffer)
		if !ok {
			return fail(errors.New("vk: SubmitBatch buffer is not a vk command buffer"))
		}
		bufs = append(bufs, raw.cb)
		if len(e.SignalEvents) > 0 {
			cb, pool, err := q.d.eventCmdBuf(nil, e.SignalEvents)
			if err != nil {
				return fail(errors.Wrap(err, "vk: failed to record event signal buffer"))
			}
			pools = append(pools, pool)
			bufs = append(bufs, cb)
		}
	}

	var waitSems, signalSems []C.VkSemaphore
	var waitStages []C.VkPipelineStageFlags
	var waitVals, signalVals []C.uint64_t

	for _, w := range batch.WaitSemaphores {
		ts, ok := w.Semaphore.(*timelineSemaphore)
		if !ok {
			return fail(errors.New("vk: WaitSemaphores entry is not a vk timeline semaphore"))
		}
		waitSems = append(waitSems, ts.sem)
		waitStages = append(waitStages, stageFlagsFor(w.Stage))
		waitVals = append(waitVals, C.uint64_t(w.Value))
	}
	for _, w := range batch.WaitBinaries {
		bs, ok := w.Semaphore.(*binarySemaphore)
		if !ok {
			return fail(errors.New("vk: WaitBinaries entry is not a vk binary semaphore"))
		}
		waitSems = append(waitSems, bs.sem)
		waitStages = append(waitStages, stageFlagsFor(w.Stage))
		waitVals = append(waitVals, 0)
	}

	sig, ok := batch.SignalSemaphore.Semaphore.(*timelineSemaphore)
	if !ok {
		return fail(errors.New("vk: SignalSemaphore is not a vk timeline semaphore"))
	}
	signalSems = append(signalSems, sig.sem)
	signalVals = append(signalVals, C.uint64_t(batch.SignalSemaphore.Value))
	for _, s := range batch.SignalBinaries {
		bs, ok := s.(*binarySemaphore)
		if !ok {
			return fail(errors.New("vk: SignalBinaries entry is not a vk binary semaphore"))
		}
		signalSems = append(signalSems, bs.sem)
		signalVals = append(signalVals, 0)
	}

	tinfo := C.VkTimelineSemaphoreSubmitInfo{
		sType: C.VK_STRUCTURE_TYPE_TIMELINE_SEMAPHORE_SUBMIT_INFO,
	}
	if len(waitVals) > 0 {
		tinfo.waitSemaphoreValueCount = C.uint32_t(len(waitVals))
		tinfo.pWaitSemaphoreValues = &waitVals[0]
	}
	if len(signalVals) > 0 {
		tinfo.signalSemaphoreValueCount = C.uint32_t(len(signalVals))
		tinfo.pSignalSemaphoreValues = &signalVals[0]
	}

	info := C.VkSubmitInfo{
		sType: C.VK_STRUCTURE_TYPE_SUBMIT_INFO,
		pNext: unsafe.Pointer(&tinfo),
	}
	if len(bufs) > 0 {
		info.commandBufferCount = C.uint32_t(len(bufs))
		info.pCommandBuffers = &bufs[0]
	}
	if len(waitSems) > 0 {
		info.waitSemaphoreCount = C.uint32_t(len(waitSems))
		info.pWaitSemaphores = &waitSems[0]
		info.pWaitDstStageMask = &waitStages[0]
	}
	if len(signalSems) > 0 {
		info.signalSemaphoreCount = C.uint32_t(len(signalSems))
		info.pSignalSemaphores = &signalSems[0]
	}

	if err := checkResult(C.vkQueueSubmit(q.d.ques[q.idx], 1, &info, nil)); err != nil {
		return fail(err)
	}
	if len(pools) > 0 {
		q.d.pendMu.Lock()
		for _, p := range pools {
			q.d.pendPools = append(q.d.pendPools, pendingPool{
				pool:  p,
				sem:   sig,
				value: batch.SignalSemaphore.Value,
			})
		}
		q.d.pendMu.Unlock()
	}
	return nil
}

// pendingPool is a transient event command pool awaiting the GPU's
// completion of the submission that referenced it.
type pendingPool struct {
	pool  C.VkCommandPool
	sem   *timelineSemaphore
	value uint64
}

// reapEventPools destroys transient event pools whose submissions
// have retired.
func (d *Driver) reapEventPools() {
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	kept := d.pendPools[:0]
	for _, p := range d.pendPools {
		if v, err := p.sem.Value(); err == nil && v >= p.value {
			C.vkDestroyCommandPool(d.dev, p.pool, nil)
		} else {
			kept = append(kept, p)
		}
	}
	d.pendPools = kept
}

// drainEventPools destroys every transient event pool regardless of
// retirement; only call after the device has gone idle.
func (d *Driver) drainEventPools() {
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	for _, p := range d.pendPools {
		C.vkDestroyCommandPool(d.dev, p.pool, nil)
	}
	d.pendPools = nil
}

// stageFlagsFor maps the symbolic wait-stage names produced by
// graph.Build/driver.WaitStageFor to a VkPipelineStageFlags mask.
func stageFlagsFor(stage string) C.VkPipelineStageFlags {
	switch stage {
	case "compute-shader":
		return C.VK_PIPELINE_STAGE_COMPUTE_SHADER_BIT
	case "transfer":
		return C.VK_PIPELINE_STAGE_TRANSFER_BIT
	case "color-attachment-output":
		return C.VK_PIPELINE_STAGE_COLOR_ATTACHMENT_OUTPUT_BIT
	default:
		return C.VK_PIPELINE_STAGE_ALL_GRAPHICS_BIT
	}
}

// barrierMasks returns the source/destination access masks used when
// recording a VkCmdSetEvent/VkCmdWaitEvents pair for shape.
func barrierMasks(shape driver.MemoryBarrierShape) (C.VkAccessFlags, C.VkPipelineStageFlags) {
	switch shape {
	case driver.BarrierCompute:
		return C.VK_ACCESS_SHADER_WRITE_BIT | C.VK_ACCESS_SHADER_READ_BIT, C.VK_PIPELINE_STAGE_COMPUTE_SHADER_BIT
	case driver.BarrierTransfer:
		return C.VK_ACCESS_TRANSFER_WRITE_BIT | C.VK_ACCESS_TRANSFER_READ_BIT, C.VK_PIPELINE_STAGE_TRANSFER_BIT
	default:
		return C.VK_ACCESS_COLOR_ATTACHMENT_WRITE_BIT | C.VK_ACCESS_SHADER_READ_BIT, C.VK_PIPELINE_STAGE_ALL_GRAPHICS_BIT
	}
}

// eventCmdBuf records a short-lived primary command buffer that
// issues vkCmdWaitEvents for waits and/or vkCmdSetEvent for signals,
// allocated from a one-off pool the caller destroys once the
// submission retires.
func (d *Driver) eventCmdBuf(waits []driver.EventWait, signals []driver.EventSignal) (C.VkCommandBuffer, C.VkCommandPool, error) {
	poolInfo := C.VkCommandPoolCreateInfo{
		sType:            C.VK_STRUCTURE_TYPE_COMMAND_POOL_CREATE_INFO,
		flags:            C.VK_COMMAND_POOL_CREATE_TRANSIENT_BIT,
		queueFamilyIndex: d.qfam,
	}
	var pool C.VkCommandPool
	if err := checkResult(C.vkCreateCommandPool(d.dev, &poolInfo, nil, &pool)); err != nil {
		return nil, nil, err
	}

	allocInfo := C.VkCommandBufferAllocateInfo{
		sType:              C.VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO,
		commandPool:        pool,
		level:              C.VK_COMMAND_BUFFER_LEVEL_PRIMARY,
		commandBufferCount: 1,
	}
	var cb C.VkCommandBuffer
	if err := checkResult(C.vkAllocateCommandBuffers(d.dev, &allocInfo, &cb)); err != nil {
		C.vkDestroyCommandPool(d.dev, pool, nil)
		return nil, nil, err
	}

	begInfo := C.VkCommandBufferBeginInfo{
		sType: C.VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO,
		flags: C.VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
	}
	if err := checkResult(C.vkBeginCommandBuffer(cb, &begInfo)); err != nil {
		C.vkDestroyCommandPool(d.dev, pool, nil)
		return nil, nil, err
	}

	for _, w := range waits {
		ev := w.Event.(*event)
		access, stage := barrierMasks(w.Shape)
		barrier := C.VkMemoryBarrier{sType: C.VK_STRUCTURE_TYPE_MEMORY_BARRIER, dstAccessMask: access}
		evs := [1]C.VkEvent{ev.ev}
		C.vkCmdWaitEvents(cb, 1, &evs[0], stage, stage, 1, &barrier, 0, nil, 0, nil)
	}
	for _, s := range signals {
		ev := s.Event.(*event)
		_, stage := barrierMasks(s.Shape)
		C.vkCmdSetEvent(cb, ev.ev, stage)
	}

	if err := checkResult(C.vkEndCommandBuffer(cb)); err != nil {
		C.vkDestroyCommandPool(d.dev, pool, nil)
		return nil, nil, err
	}
	return cb, pool, nil
}

// timelineSemaphore implements driver.TimelineSemaphore.
type timelineSemaphore struct {
	d   *Driver
	sem C.VkSemaphore
}

// NewTimelineSemaphore creates a timeline semaphore with the given
// initial value. It satisfies driver.SyncDevice.
func (d *Driver) NewTimelineSemaphore(initial uint64) (driver.TimelineSemaphore, error) {
	typeInfo := C.VkSemaphoreTypeCreateInfo{
		sType:         C.VK_STRUCTURE_TYPE_SEMAPHORE_TYPE_CREATE_INFO,
		semaphoreType: C.VK_SEMAPHORE_TYPE_TIMELINE,
		initialValue:  C.uint64_t(initial),
	}
	info := C.VkSemaphoreCreateInfo{
		sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_CREATE_INFO,
		pNext: unsafe.Pointer(&typeInfo),
	}
	var sem C.VkSemaphore
	if err := checkResult(C.vkCreateSemaphore(d.dev, &info, nil, &sem)); err != nil {
		return nil, err
	}
	return &timelineSemaphore{d: d, sem: sem}, nil
}

// Value returns the counter's current value.
func (s *timelineSemaphore) Value() (uint64, error) {
	var v C.uint64_t
	if err := checkResult(C.vkGetSemaphoreCounterValue(s.d.dev, s.sem, &v)); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Wait blocks until the counter reaches at least value or timeout
// elapses.
func (s *timelineSemaphore) Wait(value uint64, timeout time.Duration) error {
	sems := [1]C.VkSemaphore{s.sem}
	vals := [1]C.uint64_t{C.uint64_t(value)}
	info := C.VkSemaphoreWaitInfo{
		sType:          C.VK_STRUCTURE_TYPE_SEMAPHORE_WAIT_INFO,
		semaphoreCount: 1,
		pSemaphores:    &sems[0],
		pValues:        &vals[0],
	}
	return checkResult(C.vkWaitSemaphores(s.d.dev, &info, C.uint64_t(timeout.Nanoseconds())))
}

// Destroy destroys the semaphore.
func (s *timelineSemaphore) Destroy() {
	if s.sem != nil {
		C.vkDestroySemaphore(s.d.dev, s.sem, nil)
		s.sem = nil
	}
}

// binarySemaphore implements driver.BinarySemaphore.
type binarySemaphore struct {
	d   *Driver
	sem C.VkSemaphore
}

// NewBinarySemaphore creates a binary semaphore in the unsignaled
// state. It satisfies driver.SyncDevice.
func (d *Driver) NewBinarySemaphore() (driver.BinarySemaphore, error) {
	info := C.VkSemaphoreCreateInfo{sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_CREATE_INFO}
	var sem C.VkSemaphore
	if err := checkResult(C.vkCreateSemaphore(d.dev, &info, nil, &sem)); err != nil {
		return nil, err
	}
	return &binarySemaphore{d: d, sem: sem}, nil
}

// Destroy destroys the semaphore.
func (s *binarySemaphore) Destroy() {
	if s.sem != nil {
		C.vkDestroySemaphore(s.d.dev, s.sem, nil)
		s.sem = nil
	}
}

// event implements driver.Event.
type event struct {
	d  *Driver
	ev C.VkEvent
}

// NewEvent creates an event in the unsignaled state. It satisfies
// driver.SyncDevice.
func (d *Driver) NewEvent() (driver.Event, error) {
	info := C.VkEventCreateInfo{sType: C.VK_STRUCTURE_TYPE_EVENT_CREATE_INFO}
	var ev C.VkEvent
	if err := checkResult(C.vkCreateEvent(d.dev, &info, nil, &ev)); err != nil {
		return nil, err
	}
	return &event{d: d, ev: ev}, nil
}

// Destroy destroys the event.
func (e *event) Destroy() {
	if e.ev != nil {
		C.vkDestroyEvent(e.d.dev, e.ev, nil)
		e.ev = nil
	}
}

// fence implements driver.Fence.
type fence struct {
	d *Driver
	f C.VkFence
}

// NewFence creates a fence. If signaled is true it starts in the
// signaled state. It satisfies driver.SyncDevice.
func (d *Driver) NewFence(signaled bool) (driver.Fence, error) {
	info := C.VkFenceCreateInfo{sType: C.VK_STRUCTURE_TYPE_FENCE_CREATE_INFO}
	if signaled {
		info.flags = C.VK_FENCE_CREATE_SIGNALED_BIT
	}
	var f C.VkFence
	if err := checkResult(C.vkCreateFence(d.dev, &info, nil, &f)); err != nil {
		return nil, err
	}
	return &fence{d: d, f: f}, nil
}

// Wait blocks until the fence is signaled or timeout elapses.
func (f *fence) Wait(timeout time.Duration) error {
	fences := [1]C.VkFence{f.f}
	return checkResult(C.vkWaitForFences(f.d.dev, 1, &fences[0], C.VK_TRUE, C.uint64_t(timeout.Nanoseconds())))
}

// Reset sets the fence back to the unsignaled state.
func (f *fence) Reset() error {
	fences := [1]C.VkFence{f.f}
	return checkResult(C.vkResetFences(f.d.dev, 1, &fences[0]))
}

// Destroy destroys the fence.
func (f *fence) Destroy() {
	if f.f != nil {
		C.vkDestroyFence(f.d.dev, f.f, nil)
		f.f = nil
	}
}
