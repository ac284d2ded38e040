// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rgraph/driver"

// EventRef names an event created during Build to express an
// intra-queue (same Workload) happens-before relationship between
// two submissions that touch the same resource.
type EventRef struct {
	Event driver.Event
	Shape driver.MemoryBarrierShape
}

// SemaphoreWait names a cross-queue (different Workload) wait:
// execution must not proceed until the timeline semaphore signaled
// by another run's completion reaches Value. Base is the value the
// semaphore had already reached when the plan was built (nonzero when
// the Backend recycled it from an earlier plan); Graph.Advance
// restamps Value as Base plus the graph's submission value.
type SemaphoreWait struct {
	Semaphore driver.TimelineSemaphore
	Value     uint64
	Base      uint64
	Stage     string
}

// PlannedSubmission is one submission slot within a run: the payload
// to submit plus the event waits that precede it and the event
// signals that follow it on its queue.
type PlannedSubmission struct {
	// Payload is the recorded command-buffer handle the submission
	// was built from (a driver.CmdBuffer in practice).
	Payload any

	// EventWaits must be waited on immediately before this
	// submission executes.
	EventWaits []EventRef

	// EventSignals must be set immediately after this submission
	// executes.
	EventSignals []EventRef
}

// SubmitData is one contiguous run of submissions sharing a single
// Workload, in the order they must be recorded into queue batches.
// It is the compiled unit package submit turns into one
// driver.SubmitBatch.
type SubmitData struct {
	Workload Workload

	// Submissions lists the run's submission slots, in order.
	Submissions []*PlannedSubmission

	// SemaphoreWaits are cross-queue waits that must be attached to
	// this run's VkSubmitInfo before it is submitted.
	SemaphoreWaits []SemaphoreWait

	// Semaphore is the timeline semaphore this run signals on
	// completion, and SignalValue the value it signals. Every run
	// signals one, even if nothing ends up waiting on it, so that
	// CPU-side frame bookkeeping (package submit) can always wait for
	// the plan's tail runs to retire. SignalBase is the semaphore's
	// counter value at Build time; SignalValue is restamped to
	// SignalBase plus the graph's submission value on every Advance.
	Semaphore   driver.TimelineSemaphore
	SignalValue uint64
	SignalBase  uint64

	// PresentingContexts lists the ids of presenting nodes whose last
	// write lands in this run. Package submit resolves each id's
	// per-frame render-complete binary semaphore
	// only at submission time, since the same built plan is reused
	// across frames with a different swapchain image each time.
	PresentingContexts []uint64
}

// ExecutionPlan is the compiled output of Graph.Build: the ordered
// list of submission runs, plus the set of completion semaphores
// that have no waiter inside the graph (their Wait is the caller's
// responsibility, typically the frame's in-flight ring in package
// submit).
type ExecutionPlan struct {
	Runs []*SubmitData

	// NodeOrder lists the plan's node ids in submission order: every
	// node appears after all the nodes it depends on.
	NodeOrder []uint64

	// CompletionSemaphores lists, for each run with no internal
	// waiter, the timeline semaphore and value that marks the whole
	// plan as retired once reached.
	CompletionSemaphores []SemaphoreWait
}

// Stats is a snapshot of a built plan's shape, useful for test
// assertions and debug logging.
type Stats struct {
	Submissions    int
	Runs           int
	Events         int
	SemaphoreWaits int
}

// Stats returns a snapshot of the current plan, or the zero value if
// the graph has not been built.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.plan == nil {
		return Stats{}
	}
	var s Stats
	s.Runs = len(g.plan.Runs)
	for _, r := range g.plan.Runs {
		s.Submissions += len(r.Submissions)
		for _, ps := range r.Submissions {
			s.Events += len(ps.EventSignals)
		}
		s.SemaphoreWaits += len(r.SemaphoreWaits)
	}
	return s
}

// ExecutionData returns the built plan. It returns nil if the graph
// has not been successfully built since the last Clear or Add.
func (g *Graph) ExecutionData() *ExecutionPlan {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return nil
	}
	return g.plan
}

// SubmissionOrder returns the built plan's node ids in submission
// order, or nil if the graph has not been built.
func (g *Graph) SubmissionOrder() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return nil
	}
	return g.plan.NodeOrder
}
