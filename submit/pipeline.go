// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package submit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gviegas/rgraph/cmdbuf"
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/finalizer"
	"github.com/gviegas/rgraph/graph"
	"github.com/gviegas/rgraph/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ringWaitTimeout bounds how long begin_frame's GPU wait blocks once
// its CPU-side frame-ring slot has been acquired, so a lost device
// surfaces as an error instead of hanging the caller forever.
const ringWaitTimeout = 5 * time.Second

// ringSlot records, for one frame-in-flight slot, the completion
// waits a prior frame's plan left behind; the next time that slot
// comes back around, begin_frame waits for all of them before
// reusing it.
type ringSlot struct {
	waits []graph.SemaphoreWait
}

// Pipeline drives the begin_frame/submit/present/end_frame lifecycle
// over a queue.Manager: it bounds the number of frames in flight,
// turns a built graph.ExecutionPlan into driver.SubmitBatch calls,
// bridges presenting nodes with their Swapchain's acquire/present
// binary semaphores, and runs one finalizer pass per frame.
//
// A frame may issue any number of Submit and Present calls; the
// completion semaphores of every plan submitted within the frame
// accumulate and are all recorded against the frame's ring slot by
// EndFrame.
type Pipeline struct {
	dev     driver.SyncDevice
	cbd     cmdbuf.Device
	qm      *queue.Manager
	backend graph.Backend
	fin     *finalizer.Queue
	log     *zap.SugaredLogger

	framesInFlight int
	sem            *semaphore.Weighted
	frameCount     uint64 // atomic

	ring []ringSlot

	// pending accumulates the completion waits of every plan
	// submitted this frame; EndFrame moves them into the ring.
	pending []graph.SemaphoreWait
}

// New creates a Pipeline bounded to framesInFlight concurrent frames,
// submitting through qm and deferring destruction through fin. cbd
// allocates the transient command buffers presentation needs;
// backend supplies the synchronization primitives for the graphs
// Present builds internally.
func New(dev driver.SyncDevice, cbd cmdbuf.Device, qm *queue.Manager, backend graph.Backend, fin *finalizer.Queue, framesInFlight int, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	return &Pipeline{
		dev:            dev,
		cbd:            cbd,
		qm:             qm,
		backend:        backend,
		fin:            fin,
		log:            log.Sugar(),
		framesInFlight: framesInFlight,
		sem:            semaphore.NewWeighted(int64(framesInFlight)),
		ring:           make([]ringSlot, framesInFlight),
	}
}

// FrameCount returns the number of EndFrame calls completed so far;
// BeginFrame does not change it. It satisfies descriptor.FrameCounter.
func (p *Pipeline) FrameCount() uint64 { return atomic.LoadUint64(&p.frameCount) }

// FramesInFlight returns the configured frame-in-flight bound. It
// satisfies descriptor.FrameCounter.
func (p *Pipeline) FramesInFlight() int { return p.framesInFlight }

// NewRenderContext creates a RenderContext over sc whose frame is
// recorded into buf, using the pipeline's device for the context's
// transition buffers.
func (p *Pipeline) NewRenderContext(sc Swapchain, buf *cmdbuf.CommandBuffer) (*RenderContext, error) {
	return NewRenderContext(p.cbd, sc, buf)
}

// BeginFrame blocks until a frame-in-flight slot is available,
// waiting for whatever runs previously occupied that slot to retire,
// then acquires each of rcs' next swapchain image, recording the
// acquire-time transition into the context's transition buffer. ctx
// bounds the wait only; there is no mid-frame cancellation of an
// in-flight submission, so ctx is never consulted once recording
// begins.
func (p *Pipeline) BeginFrame(ctx context.Context, rcs ...*RenderContext) error {
	slot := int(p.FrameCount() % uint64(p.framesInFlight))

	if p.FrameCount() >= uint64(p.framesInFlight) {
		if err := p.waitSlot(ctx, slot); err != nil {
			return errors.Wrap(err, "submit: begin_frame wait failed")
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "submit: begin_frame failed to acquire frame slot")
	}

	for _, rc := range rcs {
		if err := rc.acqBuf.Reset(); err != nil {
			p.sem.Release(1)
			return errors.Wrap(err, "submit: failed to reset acquire transition buffer")
		}
		idx, err := rc.sc.Next(rc.acqBuf)
		if err != nil {
			p.sem.Release(1)
			return errors.Wrap(err, "submit: swapchain acquire failed")
		}
		if err := rc.acqBuf.End(); err != nil {
			p.sem.Release(1)
			return errors.Wrap(err, "submit: failed to end acquire transition buffer")
		}
		rc.imageIndex = idx
		rc.acquired = true
		rc.hasPresented = rc.hasPresented && rc.presentedAt == p.FrameCount()
	}
	return nil
}

func (p *Pipeline) waitSlot(ctx context.Context, slot int) error {
	waits := p.ring[slot].waits
	if len(waits) == 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, ringWaitTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(waitCtx)
	for _, w := range waits {
		w := w
		g.Go(func() error {
			return w.Semaphore.Wait(w.Value, ringWaitTimeout)
		})
	}
	return g.Wait()
}

// Submit advances g's submission value, stamping a fresh signal value
// onto every run for this frame, then translates the plan's runs into
// driver.SubmitBatch calls, in order. A run carrying a presenting
// node's last write is bracketed with the node's swapchain transition
// buffers, waits on the acquire semaphore at color-attachment-output,
// signals the frame's render-complete semaphore, and is followed by
// the present call waiting on that semaphore. rcs lists the render
// contexts whose nodes are in g; a presenting node with no matching
// context is a usage error.
func (p *Pipeline) Submit(g *graph.Graph, rcs ...*RenderContext) error {
	if _, err := g.Advance(); err != nil {
		return errors.Wrap(err, "submit: cannot submit an unbuilt graph")
	}
	plan := g.ExecutionData()

	byNode := make(map[uint64]*RenderContext, len(rcs))
	for _, rc := range rcs {
		byNode[rc.buf.ID()] = rc
	}

	slot := int(p.FrameCount() % uint64(p.framesInFlight))

	for _, run := range plan.Runs {
		batch := &driver.SubmitBatch{
			Workload:        run.Workload,
			SignalSemaphore: driver.TimelineSignal{Semaphore: run.Semaphore, Value: run.SignalValue},
		}
		for _, ps := range run.Submissions {
			cb, ok := ps.Payload.(driver.CmdBuffer)
			if !ok {
				return errors.New("submit: plan payload is not a driver.CmdBuffer")
			}
			entry := driver.SubmitEntry{Buffer: cb}
			for _, ew := range ps.EventWaits {
				entry.WaitEvents = append(entry.WaitEvents, driver.EventWait{Event: ew.Event, Shape: ew.Shape})
			}
			for _, es := range ps.EventSignals {
				entry.SignalEvents = append(entry.SignalEvents, driver.EventSignal{Event: es.Event, Shape: es.Shape})
			}
			batch.Entries = append(batch.Entries, entry)
		}
		for _, sw := range run.SemaphoreWaits {
			batch.WaitSemaphores = append(batch.WaitSemaphores, driver.TimelineWait{
				Semaphore: sw.Semaphore, Value: sw.Value, Stage: sw.Stage,
			})
		}

		var presenting []*RenderContext
		for _, nodeID := range run.PresentingContexts {
			rc := byNode[nodeID]
			if rc == nil {
				p.log.Warnw("presenting node has no render context in this submit", "nodeID", nodeID)
				continue
			}
			if !rc.acquired {
				p.log.Warnw("presenting a context whose image was not acquired this frame", "nodeID", nodeID)
				continue
			}
			if rc.hasPresented && rc.presentedAt == p.FrameCount() {
				p.log.Warnw("presenting a context twice in one frame", "nodeID", nodeID)
				continue
			}
			if len(rc.buf.Submissions()) == 0 {
				p.log.Warnw("presenting a context with no recorded render commands", "nodeID", nodeID)
				continue
			}

			done, err := p.renderDoneFor(rc, slot)
			if err != nil {
				return err
			}
			if err := p.bracketPresent(rc, batch); err != nil {
				return err
			}
			if acq := rc.sc.AcquireSemaphore(); acq != nil {
				batch.WaitBinaries = append(batch.WaitBinaries, driver.BinarySemaphoreWait{
					Semaphore: acq, Stage: "color-attachment-output",
				})
			}
			batch.SignalBinaries = append(batch.SignalBinaries, done)
			presenting = append(presenting, rc)
		}

		if err := p.qm.Submit(batch); err != nil {
			return errors.Wrap(err, "submit: queue submission failed")
		}

		for _, rc := range presenting {
			if err := rc.sc.Present(rc.imageIndex, rc.renderDone[slot]); err != nil {
				return errors.Wrap(err, "submit: swapchain present failed")
			}
			rc.presentedAt = p.FrameCount()
			rc.hasPresented = true
		}
	}

	// Copy the waits: the plan restamps its wait values in place on
	// every Advance, and the ring must keep this frame's values.
	p.pending = append(p.pending, plan.CompletionSemaphores...)
	return nil
}

// Present presents ctx's swapchain image, submitting deps together
// with ctx's command buffer as one atomically scheduled plan: an
// internal graph is built from one synthetic node per dependency
// buffer plus the presenting node, which is ordered after all of
// them. The dependency buffers carry whatever work must complete
// this frame even though ctx's rendering does not consume it.
//
// Present must be called after the frame's BeginFrame acquired ctx's
// image and after ctx's rendering commands were recorded; presenting
// a context twice in one frame is a usage error.
func (p *Pipeline) Present(ctx *RenderContext, deps ...graph.Buffer) error {
	if len(ctx.buf.Submissions()) == 0 {
		return errors.New("submit: present called before any render commands were recorded")
	}

	g := graph.New(graph.Once, p.log.Desugar())
	for _, d := range deps {
		if !g.ConstructNewNode(d).AddToGraph() {
			return errors.New("submit: present dependency buffer could not be added")
		}
	}
	nb := g.ConstructPresentingNode(ctx)
	for _, d := range deps {
		nb.AddExecDependency(d)
	}
	if !nb.AddToGraph() {
		return errors.New("submit: presenting node could not be added")
	}
	if err := g.Build(p.backend); err != nil {
		return errors.Wrap(err, "submit: present graph build failed")
	}

	err := p.Submit(g, ctx)
	// The one-shot plan is done with its semaphores once submitted;
	// Submit already recorded the completion waits for the frame
	// ring, so recycle them for the next build.
	g.Clear()
	return errors.Wrap(err, "submit: present submission failed")
}

// renderDoneFor returns rc's render-complete semaphore for the frame
// slot, creating the ring lazily.
func (p *Pipeline) renderDoneFor(rc *RenderContext, slot int) (driver.BinarySemaphore, error) {
	if rc.renderDone == nil {
		rc.renderDone = make([]driver.BinarySemaphore, p.framesInFlight)
	}
	if rc.renderDone[slot] == nil {
		sem, err := p.dev.NewBinarySemaphore()
		if err != nil {
			return nil, errors.Wrap(err, "submit: failed to create render-complete semaphore")
		}
		rc.renderDone[slot] = sem
	}
	return rc.renderDone[slot], nil
}

// bracketPresent prepends rc's acquire transition and appends its
// present transition to batch's entries, so the run's first
// submission sees the image ready for attachment writes and its last
// leaves it presentable.
func (p *Pipeline) bracketPresent(rc *RenderContext, batch *driver.SubmitBatch) error {
	if err := rc.presBuf.Reset(); err != nil {
		return errors.Wrap(err, "submit: failed to reset present transition buffer")
	}
	if err := rc.sc.PreparePresent(rc.imageIndex, rc.presBuf); err != nil {
		return errors.Wrap(err, "submit: failed to record present transition")
	}
	if err := rc.presBuf.End(); err != nil {
		return errors.Wrap(err, "submit: failed to end present transition buffer")
	}

	entries := make([]driver.SubmitEntry, 0, len(batch.Entries)+2)
	entries = append(entries, driver.SubmitEntry{Buffer: rc.acqBuf})
	entries = append(entries, batch.Entries...)
	entries = append(entries, driver.SubmitEntry{Buffer: rc.presBuf})
	batch.Entries = entries
	return nil
}

// ExecuteCommands submits c's recorded submissions immediately,
// outside any graph, and blocks until every one of them retires or
// timeout elapses. Intended for one-off synchronous work such as
// resource uploads; per-frame work goes through Submit. Hazards
// between c's submissions are covered by queue order alone, so the
// submissions must not require cross-queue synchronization among
// themselves.
func (p *Pipeline) ExecuteCommands(c *cmdbuf.CommandBuffer, timeout time.Duration) error {
	subs := c.Submissions()
	if len(subs) == 0 {
		return errors.New("submit: ExecuteCommands on a buffer with no recorded submissions")
	}

	sem, err := p.dev.NewTimelineSemaphore(0)
	if err != nil {
		return errors.Wrap(err, "submit: failed to create execute semaphore")
	}

	var batch *driver.SubmitBatch
	var value uint64
	flush := func() error {
		if batch == nil {
			return nil
		}
		value++
		batch.SignalSemaphore = driver.TimelineSignal{Semaphore: sem, Value: value}
		return p.qm.Submit(batch)
	}
	for _, s := range subs {
		cb, ok := s.Payload.(driver.CmdBuffer)
		if !ok {
			sem.Destroy()
			return errors.New("submit: submission payload is not a driver.CmdBuffer")
		}
		if batch == nil || batch.Workload != s.Workload {
			if err := flush(); err != nil {
				sem.Destroy()
				return errors.Wrap(err, "submit: execute submission failed")
			}
			batch = &driver.SubmitBatch{Workload: s.Workload}
		}
		batch.Entries = append(batch.Entries, driver.SubmitEntry{Buffer: cb})
	}
	if err := flush(); err != nil {
		sem.Destroy()
		return errors.Wrap(err, "submit: execute submission failed")
	}

	if err := sem.Wait(value, timeout); err != nil {
		// The GPU may still reach the semaphore later; defer the
		// destruction rather than pulling it out from under a pending
		// signal.
		p.fin.PushAsync(sem.Destroy, "execute semaphore", struct {
			Semaphore driver.TimelineSemaphore
			Value     uint64
		}{sem, value})
		return errors.Wrap(err, "submit: execute wait failed")
	}
	sem.Destroy()
	return nil
}

// Drain blocks until every completion semaphore recorded by past
// frames has been reached, bounding each wait by ringWaitTimeout.
// Call it before tearing down the device, so that forced finalizer
// passes destroy objects only after the GPU has retired the
// library's submissions.
func (p *Pipeline) Drain() error {
	var g errgroup.Group
	wait := func(w graph.SemaphoreWait) {
		g.Go(func() error { return w.Semaphore.Wait(w.Value, ringWaitTimeout) })
	}
	for i := range p.ring {
		for _, w := range p.ring[i].waits {
			wait(w)
		}
	}
	for _, w := range p.pending {
		wait(w)
	}
	return g.Wait()
}

// EndFrame records the completion semaphores accumulated by the
// frame's Submit and Present calls against the frame ring slot just
// used, runs one finalizer pass, and releases the frame-in-flight
// slot acquired by BeginFrame. It must be called exactly once per
// BeginFrame.
func (p *Pipeline) EndFrame() {
	slot := int(p.FrameCount() % uint64(p.framesInFlight))
	p.ring[slot] = ringSlot{waits: p.pending}
	p.pending = nil

	p.fin.Iterate(false)
	p.sem.Release(1)
	atomic.AddUint64(&p.frameCount, 1)
}
