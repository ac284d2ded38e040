// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import "time"

// Workload identifies the kind of GPU work a queue accepts and,
// transitively, which queue family an EncoderSubmission targets.
type Workload int

// Workloads.
const (
	Graphics Workload = iota
	Compute
	Transfer
	nWorkload
)

// String returns the name of the workload.
func (w Workload) String() string {
	switch w {
	case Graphics:
		return "graphics"
	case Compute:
		return "compute"
	case Transfer:
		return "transfer"
	default:
		return "invalid workload"
	}
}

// Valid reports whether w is one of the defined Workload values.
func (w Workload) Valid() bool { return w >= Graphics && w < nWorkload }

// NWorkload is the number of defined Workload values.
const NWorkload = int(nWorkload)

// Queue is the interface that defines a single GPU queue to which
// batches of command buffers are submitted.
// Submission must be externally synchronized by the caller; Queue
// implementations do not lock internally.
//
// Presentation is not modeled here: it goes through the existing
// Swapchain/Presenter contract (present.go), which already owns the
// image-acquire/present semaphore bridging. Package submit composes
// that contract with SubmitBatch's WaitBinaries/SignalBinaries so the
// graph-scheduled run that writes a swapchain image can wait on
// acquisition and signal completion like any other hazard.
type Queue interface {
	// Family returns the queue family index backing the queue.
	Family() uint32

	// Submit submits batch to the queue.
	Submit(batch *SubmitBatch) error
}

// Semaphore is the common interface shared by binary and timeline
// semaphores.
type Semaphore interface {
	Destroyer
}

// BinarySemaphore is a GPU-side semaphore signaled and waited on
// exactly once per use, used to bridge swapchain acquisition and
// presentation with queue submission.
type BinarySemaphore interface {
	Semaphore
}

// TimelineSemaphore is a monotonically increasing counter signaled
// by GPU submissions and waitable from both the CPU and the GPU.
// It backs both the render graph's per-run completion tracking and
// the submission pipeline's frame-in-flight ring.
type TimelineSemaphore interface {
	Semaphore

	// Value returns the counter's current value.
	Value() (uint64, error)

	// Wait blocks the calling goroutine until the counter reaches
	// at least value, or until timeout elapses.
	Wait(value uint64, timeout time.Duration) error
}

// Event is a GPU-side primitive used to express an intra-queue
// happens-before relationship between two submissions without the
// cost of a full queue-level semaphore.
type Event interface {
	Destroyer
}

// Fence is a CPU-waitable GPU primitive used exclusively for
// swapchain image acquisition/presentation bookkeeping; the rest of
// the library uses timeline semaphores instead.
type Fence interface {
	Destroyer

	// Wait blocks until the fence is signaled or timeout elapses.
	Wait(timeout time.Duration) error

	// Reset sets the fence back to the unsignaled state.
	Reset() error
}

// MemoryBarrierShape selects the access/stage masks used when an
// Event is set or waited on. It is derived from the Workload of the
// submissions on either side of the hazard.
type MemoryBarrierShape int

// Memory barrier shapes.
const (
	// BarrierGraphics covers color/depth-stencil attachment writes
	// becoming visible to subsequent shader or attachment reads.
	BarrierGraphics MemoryBarrierShape = iota
	// BarrierCompute covers storage buffer/image writes in a compute
	// shader becoming visible to subsequent shader reads.
	BarrierCompute
	// BarrierTransfer covers copy/blit writes becoming visible to
	// subsequent copy/blit reads.
	BarrierTransfer
)

// BarrierShapeFor returns the MemoryBarrierShape matching w.
func BarrierShapeFor(w Workload) MemoryBarrierShape {
	switch w {
	case Compute:
		return BarrierCompute
	case Transfer:
		return BarrierTransfer
	default:
		return BarrierGraphics
	}
}

// WaitStageFor returns the destination pipeline stage used when a
// SubmitBatch must wait on a cross-queue timeline semaphore signaled
// by a submission of workload w.
func WaitStageFor(w Workload) string {
	switch w {
	case Compute:
		return "compute-shader"
	case Transfer:
		return "transfer"
	default:
		return "all-graphics"
	}
}

// TimelineWait is one entry in a SubmitBatch's wait list: wait until
// Semaphore reaches Value before executing at Stage.
type TimelineWait struct {
	Semaphore TimelineSemaphore
	Value     uint64
	Stage     string
}

// TimelineSignal describes the semaphore a SubmitBatch signals upon
// completion and the value it signals.
type TimelineSignal struct {
	Semaphore TimelineSemaphore
	Value     uint64
}

// EventWait asks the queue to insert a wait for ev, using shape to
// select the destination access/stage mask, before executing the
// batch's command buffers.
type EventWait struct {
	Event Event
	Shape MemoryBarrierShape
}

// EventSignal asks the queue to insert a set of ev, using shape to
// select the source access/stage mask, after executing the batch's
// command buffers.
type EventSignal struct {
	Event Event
	Shape MemoryBarrierShape
}

// SubmitEntry is one command buffer within a SubmitBatch together
// with the event waits that must precede it and the event sets that
// must follow it on the queue. Event placement is per entry, not per
// batch, because a producer and its consumer may land in the same
// batch on one queue.
type SubmitEntry struct {
	Buffer CmdBuffer

	WaitEvents   []EventWait
	SignalEvents []EventSignal
}

// SubmitBatch is the backend-facing description of one
// contiguous same-workload run of command buffers, built by package
// submit from a graph's execution plan.
type SubmitBatch struct {
	Workload Workload
	Entries  []SubmitEntry

	WaitSemaphores  []TimelineWait
	WaitBinaries    []BinarySemaphoreWait
	SignalSemaphore TimelineSignal
	SignalBinaries  []BinarySemaphore
}

// BinarySemaphoreWait pairs a binary semaphore with the pipeline
// stage that must wait on it.
type BinarySemaphoreWait struct {
	Semaphore BinarySemaphore
	Stage     string
}

// SyncDevice is the subset of GPU functionality the render graph
// scheduler, descriptor binding engine and submission pipeline need
// beyond the immediate-mode recording contract in GPU: queue
// selection and synchronization primitive creation.
type SyncDevice interface {
	// QueueFor returns the Queue that accepts workload w.
	// Implementations may return the same Queue for more than one
	// Workload when the device exposes a shared family.
	QueueFor(w Workload) Queue

	// NewTimelineSemaphore creates a timeline semaphore with the
	// given initial value.
	NewTimelineSemaphore(initial uint64) (TimelineSemaphore, error)

	// NewBinarySemaphore creates a binary semaphore in the
	// unsignaled state.
	NewBinarySemaphore() (BinarySemaphore, error)

	// NewEvent creates an event in the unsignaled state.
	NewEvent() (Event, error)

	// NewFence creates a fence. If signaled is true it starts in
	// the signaled state.
	NewFence(signaled bool) (Fence, error)
}
