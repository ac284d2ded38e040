// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"fmt"
	"sort"

	"github.com/gviegas/rgraph/driver"
	"github.com/pkg/errors"
)

// ErrCycle is returned by Build when the execution dependencies form
// a cycle. It wraps the id of the node at which the cycle was
// detected.
type ErrCycle struct {
	NodeID uint64
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("graph: execution dependency cycle detected at node %d", e.NodeID)
}

// Backend supplies the synchronization primitives a plan requires:
// one timeline semaphore per run and one event per hazard-producing
// write. *queue.SemaphorePool implements it.
//
// Timeline semaphore values must only ever increase, so a recycled
// semaphore cannot restart from zero; GetTimelineSemaphore therefore
// reports the base value the semaphore has already reached, and every
// value the plan signals or waits on that semaphore is offset by it.
type Backend interface {
	// GetTimelineSemaphore returns a timeline semaphore together
	// with its current counter value.
	GetTimelineSemaphore() (driver.TimelineSemaphore, uint64, error)

	// PutTimelineSemaphore returns a semaphore obtained from
	// GetTimelineSemaphore, reporting the highest value the caller
	// signaled (or will have signaled once its pending submissions
	// retire).
	PutTimelineSemaphore(sem driver.TimelineSemaphore, lastSignaled uint64)

	// NewEvent creates an event in the unsignaled state.
	NewEvent() (driver.Event, error)
}

// runBuilder accumulates one SubmitData while Build walks the
// topologically ordered submission list.
type runBuilder struct {
	data *SubmitData
}

// schedSub is one Submission placed in global topological order,
// tagged with the node, run and plan slot it belongs to.
type schedSub struct {
	nodeID  uint64
	sub     *Submission
	planned *PlannedSubmission
	run     *runBuilder
	wload   Workload
}

// hazard tracks, for one resource id, the most recent writer, the
// event lazily registered on that writer for same-queue readers, and
// the readers observed since the writer.
type hazard struct {
	writer      *schedSub
	writerEvent driver.Event
	readers     []*schedSub
}

// Build compiles the graph's current nodes into an ExecutionPlan.
// Build fails with *ErrCycle if the execution dependencies are not
// acyclic; on any other failure it wraps the backend error. On
// success, g.IsBuilt reports true and g.ExecutionData returns the
// plan until the next Clear (further Build calls return immediately,
// and an Add invalidates the plan first).
//
// Build on an empty graph is a no-op that leaves the graph unbuilt.
//
// The traversal is leaf-driven: starting from nodes nothing depends
// on, it walks dependencies depth-first and assigns submission order
// in reverse post-order, so that every node is ordered after
// everything it depends on. Adjacent same-workload submissions are grouped into
// one SubmitData run. A hazard whose producer and consumer share a
// workload (same queue, so execution order is guaranteed but memory
// visibility is not) resolves to an event: the producer signals one
// event, registered lazily on its first dependent, and every
// dependent records its own wait on that same event. A hazard across
// workloads (different queues) resolves to a wait on the producing
// run's timeline semaphore, at the stage implied by the producer's
// workload.
func (g *Graph) Build(backend Backend) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.built {
		return nil
	}
	if len(g.nodes) == 0 {
		return nil
	}

	order, err := g.topoOrder()
	if err != nil {
		return err
	}

	// Flatten nodes into their individual encoder submissions, in
	// topological order, grouping adjacent same-workload submissions
	// into runs.
	var runs []*runBuilder
	var flat []*schedSub
	for _, n := range order {
		for _, s := range n.buffer.Submissions() {
			if len(runs) == 0 || runs[len(runs)-1].data.Workload != s.Workload {
				runs = append(runs, &runBuilder{
					data: &SubmitData{Workload: s.Workload},
				})
			}
			run := runs[len(runs)-1]
			planned := &PlannedSubmission{Payload: s.Payload}
			run.data.Submissions = append(run.data.Submissions, planned)
			flat = append(flat, &schedSub{
				nodeID:  n.id,
				sub:     s,
				planned: planned,
				run:     run,
				wload:   s.Workload,
			})
		}
		if n.context != nil && len(runs) > 0 {
			run := runs[len(runs)-1]
			run.data.PresentingContexts = appendUnique(run.data.PresentingContexts, n.id)
		}
	}

	// Obtain one timeline semaphore per run up front so hazard
	// resolution below can reference any run's signal regardless of
	// processing order.
	for _, r := range runs {
		sem, base, err := backend.GetTimelineSemaphore()
		if err != nil {
			return errors.Wrap(err, "graph: failed to obtain run semaphore")
		}
		r.data.Semaphore = sem
		r.data.SignalBase = base
	}

	waitedOn := make(map[*runBuilder]bool)
	waitEdges := make(map[*runBuilder]map[*runBuilder]bool)
	hazards := make(map[uint64]*hazard)

	for _, s := range flat {
		// Reads resolve against the prior writer first; then writes
		// take over the record, so a submission that both reads and
		// writes one resource syncs against its predecessor before
		// becoming the last writer itself.
		for _, id := range sortedIDs(s.sub.Reads) {
			h := hazards[id]
			if h == nil {
				h = &hazard{}
				hazards[id] = h
			}
			if h.writer != nil && h.writer != s {
				if err := g.syncRead(backend, h, s, waitedOn, waitEdges); err != nil {
					return err
				}
			}
			h.readers = append(h.readers, s)
		}
		for _, id := range sortedIDs(s.sub.Writes) {
			h := hazards[id]
			if h == nil {
				h = &hazard{}
				hazards[id] = h
			}
			// Two successive writes on one queue need no event; the
			// queue executes them in submission order and the next
			// reader syncs against the later one. Across queues the
			// later writer waits on the earlier writer's run, and on
			// every cross-queue reader observed since.
			if h.writer != nil && h.writer != s && h.writer.wload != s.wload {
				addSemWait(s.run, h.writer.run, h.writer.wload, waitedOn, waitEdges)
			}
			for _, rd := range h.readers {
				if rd != s && rd.wload != s.wload {
					addSemWait(s.run, rd.run, rd.wload, waitedOn, waitEdges)
				}
			}
			h.writer = s
			h.writerEvent = nil
			h.readers = h.readers[:0]
		}
	}

	plan := &ExecutionPlan{}
	for _, n := range order {
		plan.NodeOrder = append(plan.NodeOrder, n.id)
	}
	for _, r := range runs {
		plan.Runs = append(plan.Runs, r.data)
		if !waitedOn[r] {
			plan.CompletionSemaphores = append(plan.CompletionSemaphores, SemaphoreWait{
				Semaphore: r.data.Semaphore,
				Base:      r.data.SignalBase,
			})
		}
	}

	g.plan = plan
	g.backend = backend
	g.built = true
	// Stamp the plan with the value the next Advance will assign, so
	// the plan is internally consistent even before the first submit.
	g.restamp(g.curValue + 1)
	g.log.Debugw("render graph built",
		"nodes", len(g.nodes), "runs", len(runs), "submissions", len(flat))
	return nil
}

// syncRead orders reader s after h's recorded writer. Same workload
// means same queue: the queue already executes the two submissions in
// order, but memory visibility needs an event, lazily registered as a
// signal on the writer the first time any reader needs it; each
// reader then records its own wait on that same event. Different
// workload means different queue: the reader's run waits on the
// writer's run semaphore at the stage implied by the writer's
// workload.
func (g *Graph) syncRead(backend Backend, h *hazard, s *schedSub, waitedOn map[*runBuilder]bool, waitEdges map[*runBuilder]map[*runBuilder]bool) error {
	w := h.writer
	if w.wload == s.wload {
		if h.writerEvent == nil {
			ev, err := backend.NewEvent()
			if err != nil {
				return errors.Wrap(err, "graph: failed to create hazard event")
			}
			h.writerEvent = ev
			w.planned.EventSignals = append(w.planned.EventSignals, EventRef{
				Event: ev,
				Shape: driver.BarrierShapeFor(w.wload),
			})
		}
		s.planned.EventWaits = append(s.planned.EventWaits, EventRef{
			Event: h.writerEvent,
			Shape: driver.BarrierShapeFor(s.wload),
		})
		return nil
	}

	addSemWait(s.run, w.run, w.wload, waitedOn, waitEdges)
	return nil
}

// addSemWait records that cur's run must wait for prior's run
// semaphore, once per (cur, prior) run pair.
func addSemWait(cur, prior *runBuilder, priorW Workload, waitedOn map[*runBuilder]bool, waitEdges map[*runBuilder]map[*runBuilder]bool) {
	if cur == prior {
		return
	}
	if waitEdges[cur][prior] {
		return
	}
	if waitEdges[cur] == nil {
		waitEdges[cur] = make(map[*runBuilder]bool)
	}
	waitEdges[cur][prior] = true

	cur.data.SemaphoreWaits = append(cur.data.SemaphoreWaits, SemaphoreWait{
		Semaphore: prior.data.Semaphore,
		Base:      prior.data.SignalBase,
		Stage:     driver.WaitStageFor(priorW),
	})
	waitedOn[prior] = true
}

// restamp sets every signal and wait value in the built plan for a
// submit at graph value v. Callers must hold g.mu.
func (g *Graph) restamp(v uint64) {
	for _, r := range g.plan.Runs {
		r.SignalValue = r.SignalBase + v
		for i := range r.SemaphoreWaits {
			w := &r.SemaphoreWaits[i]
			w.Value = w.Base + v
		}
	}
	for i := range g.plan.CompletionSemaphores {
		w := &g.plan.CompletionSemaphores[i]
		w.Value = w.Base + v
	}
}

// Advance increments the graph's submission value and restamps the
// built plan's signal and wait values for the submit about to happen,
// returning the new value. The value strictly increases across the
// graph's lifetime, including across Clear/Build cycles, matching the
// monotonicity a timeline semaphore demands when a run's semaphore is
// recycled from an earlier plan.
//
// Package submit calls Advance once per Submit; applications driving
// a plan by hand must do the same.
func (g *Graph) Advance() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return 0, errors.New("graph: Advance called on a graph that is not built")
	}
	g.curValue++
	g.restamp(g.curValue)
	return g.curValue, nil
}

// CurrentValue returns the graph's current submission value: the
// number of Advance calls made across its lifetime.
func (g *Graph) CurrentValue() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.curValue
}

// topoOrder returns the graph's nodes ordered so that every node
// appears after all the nodes it depends on, or *ErrCycle if the
// dependency graph is not acyclic.
func (g *Graph) topoOrder() ([]*node, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[uint64]int, len(g.nodes))
	order := make([]*node, 0, len(g.nodes))

	var roots []*node
	for id := range g.leaves {
		roots = append(roots, g.nodes[id])
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].insertOrder < roots[j].insertOrder })

	var visit func(n *node) error
	visit = func(n *node) error {
		color[n.id] = gray
		deps := make([]*node, 0, len(n.execDeps))
		for id := range n.execDeps {
			deps = append(deps, g.nodes[id])
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i].insertOrder < deps[j].insertOrder })
		for _, d := range deps {
			switch color[d.id] {
			case white:
				if err := visit(d); err != nil {
					return err
				}
			case gray:
				return &ErrCycle{NodeID: d.id}
			}
		}
		color[n.id] = black
		order = append(order, n)
		return nil
	}

	for _, r := range roots {
		if color[r.id] == white {
			if err := visit(r); err != nil {
				return nil, err
			}
		}
	}

	// Nodes unreachable from any leaf form a cycle among themselves
	// (every node in a true DAG has a path to some leaf).
	if len(order) != len(g.nodes) {
		for id, n := range g.nodes {
			if color[id] == white {
				return nil, &ErrCycle{NodeID: n.id}
			}
		}
	}

	return order, nil
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func appendUnique(s []uint64, v uint64) []uint64 {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
