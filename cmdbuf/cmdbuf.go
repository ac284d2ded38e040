// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package cmdbuf implements the command buffer and encoder layer of
// the library: a CommandBuffer aggregates typed encoder submissions,
// each recorded into its own driver.CmdBuffer so the render graph
// scheduler can interleave event waits/sets between them, and tracks
// the monotonic completion value the finalizer queue gates on.
package cmdbuf

import (
	"github.com/gviegas/rgraph/descriptor"
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph"
	"github.com/gviegas/rgraph/internal/idgen"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Device is the one device capability CommandBuffer needs: command
// buffer creation. driver.GPU satisfies it.
type Device interface {
	NewCmdBuffer() (driver.CmdBuffer, error)
}

// state is the command buffer's recording state.
type state int

const (
	idle state = iota
	encoding
	recorded
)

// CommandBuffer records GPU commands through a sequence of typed
// encoders and exposes the resulting graph.Submission list so it can
// be added to a render graph. It implements graph.Buffer.
//
// Each encoder records into its own driver.CmdBuffer; the aggregate
// is a logical command buffer whose submissions the graph scheduler
// may fence individually. Finished driver buffers are recycled across
// recording passes via Reset.
//
// A CommandBuffer is not safe for concurrent recording; the caller
// serializes Begin/encoder/End on a single goroutine per buffer. As
// many buffers as needed may be recorded concurrently on separate
// goroutines; graph node registration is the point at which they are
// safely merged.
type CommandBuffer struct {
	id  uint64
	dev Device
	log *zap.SugaredLogger

	st   state
	subs []*graph.Submission
	bufs []driver.CmdBuffer
	free []driver.CmdBuffer

	baseValue uint64
}

// New creates an empty CommandBuffer allocating driver buffers from
// dev.
func New(dev Device, log *zap.Logger) *CommandBuffer {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandBuffer{
		id:  idgen.Next(),
		dev: dev,
		log: log.Sugar(),
	}
}

// ID returns the command buffer's process-unique identifier.
func (c *CommandBuffer) ID() uint64 { return c.id }

// Submissions returns the command buffer's encoder submissions in
// recording order. It satisfies graph.Buffer.
func (c *CommandBuffer) Submissions() []*graph.Submission { return c.subs }

// First returns the driver buffer of the first recorded submission,
// or nil if none. The swapchain adapter orders its acquire-time
// transition before it.
func (c *CommandBuffer) First() driver.CmdBuffer {
	if len(c.bufs) == 0 {
		return nil
	}
	return c.bufs[0]
}

// Last returns the driver buffer of the last recorded submission, or
// nil if none.
func (c *CommandBuffer) Last() driver.CmdBuffer {
	if len(c.bufs) == 0 {
		return nil
	}
	return c.bufs[len(c.bufs)-1]
}

// Destroy releases every driver buffer this CommandBuffer owns. The
// command buffer must not be encoding or referenced by a built,
// unretired execution plan; defer through the finalizer queue when in
// doubt.
func (c *CommandBuffer) Destroy() {
	for _, cb := range c.bufs {
		cb.Destroy()
	}
	for _, cb := range c.free {
		cb.Destroy()
	}
	c.bufs = nil
	c.free = nil
	c.subs = nil
}

// BaseValue returns the value the buffer's completion timeline
// started from for the current recording pass.
func (c *CommandBuffer) BaseValue() uint64 { return c.baseValue }

// CompletionValue returns the timeline value that marks every
// submission recorded so far in the current pass as complete:
// BaseValue plus the number of recorded submissions plus one.
func (c *CommandBuffer) CompletionValue() uint64 {
	return c.baseValue + uint64(len(c.subs)) + 1
}

// Begin prepares the command buffer for a fresh round of recording,
// discarding previously recorded submissions and recycling their
// driver buffers. It must be called before the first encoder of a
// new recording pass. The buffer's prior submissions must have
// retired; the frame ring guarantees that for per-frame recording.
func (c *CommandBuffer) Begin() error {
	if c.st == encoding {
		return errors.New("cmdbuf: Begin called while an encoder is still open")
	}
	if len(c.subs) > 0 {
		// Advance past the previous pass's completion value so values
		// on the buffer's timeline never repeat across passes.
		c.baseValue = c.CompletionValue()
	}
	c.free = append(c.free, c.bufs...)
	c.bufs = c.bufs[:0]
	c.subs = c.subs[:0]
	c.st = idle
	return nil
}

// End finishes recording. The command buffer becomes eligible for
// submission via package submit.
func (c *CommandBuffer) End() error {
	if c.st == encoding {
		return errors.New("cmdbuf: End called while an encoder is still open")
	}
	c.st = recorded
	return nil
}

// take returns a driver buffer ready for recording, recycling a
// finished one when available.
func (c *CommandBuffer) take() (driver.CmdBuffer, error) {
	if n := len(c.free); n > 0 {
		cb := c.free[n-1]
		c.free = c.free[:n-1]
		if err := cb.Reset(); err == nil {
			if err := cb.Begin(); err == nil {
				return cb, nil
			}
		}
		cb.Destroy()
	}
	cb, err := c.dev.NewCmdBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "cmdbuf: failed to create driver buffer")
	}
	if err := cb.Begin(); err != nil {
		cb.Destroy()
		return nil, errors.Wrap(err, "cmdbuf: driver Begin failed")
	}
	return cb, nil
}

// newSubmission appends a new, empty Submission for workload w
// payloaded with cb.
func (c *CommandBuffer) newSubmission(w driver.Workload, cb driver.CmdBuffer) *graph.Submission {
	s := &graph.Submission{
		Workload: w,
		Reads:    make(map[uint64]struct{}),
		Writes:   make(map[uint64]struct{}),
		Payload:  cb,
	}
	c.subs = append(c.subs, s)
	c.bufs = append(c.bufs, cb)
	return s
}

// encoderCommon carries the descriptor-binding state machine shared
// by the typed encoders: bound resource sets, the layout pools of the
// bound pipeline for compatibility checks, and per-set dirty flags
// that make an unflushed draw/dispatch a detectable usage error.
type encoderCommon struct {
	c   *CommandBuffer
	cb  driver.CmdBuffer
	sub *graph.Submission

	layout []*descriptor.Pool
	sets   map[int]*descriptor.Set
	dirty  map[int]bool
}

// CmdBuffer returns the submission's underlying driver buffer, for
// recording state-setting calls not wrapped by the encoder.
func (e *encoderCommon) CmdBuffer() driver.CmdBuffer { return e.cb }

// Submission returns the graph.Submission this encoder is recording
// into, for use by a graph.NodeBuilder.
func (e *encoderCommon) Submission() *graph.Submission { return e.sub }

func (e *encoderCommon) bindPipeline(pl driver.Pipeline, layout []*descriptor.Pool) {
	e.cb.SetPipeline(pl)
	e.layout = layout
	// A new pipeline invalidates flushed state; every bound set must
	// be flushed again before the next draw/dispatch.
	for idx := range e.sets {
		e.dirty[idx] = true
	}
}

// BindResourceSet associates s with setIndex for subsequent flushes.
// The set's pool must be compatible with the bound pipeline's layout
// at that index; an incompatible or out-of-range bind logs and leaves
// the previous binding in place.
func (e *encoderCommon) BindResourceSet(s *descriptor.Set, setIndex int) {
	if e.layout != nil {
		if setIndex >= len(e.layout) {
			e.c.log.Warnw("binding a resource set at an index the bound pipeline does not declare",
				"setIndex", setIndex)
			return
		}
		if !s.Pool().CheckCompatibility(e.layout[setIndex]) {
			e.c.log.Warnw("binding a resource set whose layout is incompatible with the bound pipeline",
				"setIndex", setIndex)
			return
		}
	}
	if e.sets == nil {
		e.sets = make(map[int]*descriptor.Set)
		e.dirty = make(map[int]bool)
	}
	e.sets[setIndex] = s
	e.dirty[setIndex] = true
}

// UpdateDynamicOffset rewrites the staged offset of a dynamic buffer
// binding in the set bound at setIndex.
func (e *encoderCommon) UpdateDynamicOffset(setIndex, bindingIndex int, offset int64) {
	s := e.sets[setIndex]
	if s == nil {
		e.c.log.Warnw("updating a dynamic offset with no resource set bound at the index",
			"setIndex", setIndex)
		return
	}
	s.UpdateDynamicOffset(bindingIndex, offset)
	e.dirty[setIndex] = true
}

// flushResourceSet flushes the set bound at setIndex and records the
// descriptor binding into the encoder's driver buffer.
func (e *encoderCommon) flushResourceSet(setIndex int, graphics bool) error {
	s := e.sets[setIndex]
	if s == nil {
		return errors.Errorf("cmdbuf: no resource set bound at index %d", setIndex)
	}
	if err := s.FlushBindings(); err != nil {
		return err
	}
	s.Bind(e.cb, graphics, setIndex)
	e.dirty[setIndex] = false
	return nil
}

// checkFlushed reports whether every bound set has been flushed since
// it was last dirtied, logging the offenders.
func (e *encoderCommon) checkFlushed(op string) bool {
	ok := true
	for idx, d := range e.dirty {
		if d {
			e.c.log.Warnw("recording with unflushed resource set bindings",
				"op", op, "setIndex", idx)
			ok = false
		}
	}
	return ok
}

// GraphicsEncoder records one render pass as a Graphics submission.
type GraphicsEncoder struct {
	encoderCommon
}

// BeginGraphics begins a render pass encoder targeting the given
// color and depth/stencil attachments, as required by
// driver.CmdBuffer.BeginPass.
func (c *CommandBuffer) BeginGraphics(width, height, layers int, color []driver.ColorTarget, ds *driver.DSTarget) (*GraphicsEncoder, error) {
	if c.st != idle {
		return nil, errors.New("cmdbuf: BeginGraphics called outside idle state")
	}
	cb, err := c.take()
	if err != nil {
		return nil, err
	}
	cb.BeginPass(width, height, layers, color, ds)
	c.st = encoding
	return &GraphicsEncoder{encoderCommon{
		c:   c,
		cb:  cb,
		sub: c.newSubmission(driver.Graphics, cb),
	}}, nil
}

// BindPipeline sets the graphics pipeline and the descriptor layout
// pools (one per set index) subsequent BindResourceSet calls are
// validated against.
func (e *GraphicsEncoder) BindPipeline(pl driver.Pipeline, layout ...*descriptor.Pool) {
	e.bindPipeline(pl, layout)
}

// FlushResourceSet flushes the set bound at setIndex and records its
// descriptor binding for graphics.
func (e *GraphicsEncoder) FlushResourceSet(setIndex int) error {
	return e.flushResourceSet(setIndex, true)
}

// Draw records a draw call. Drawing with unflushed bindings is a
// usage error: it logs and records nothing.
func (e *GraphicsEncoder) Draw(vertCount, instCount, baseVert, baseInst int) {
	if !e.checkFlushed("draw") {
		return
	}
	e.cb.Draw(vertCount, instCount, baseVert, baseInst)
}

// DrawIndexed records an indexed draw call under the same flushed-
// bindings rule as Draw.
func (e *GraphicsEncoder) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	if !e.checkFlushed("drawIndexed") {
		return
	}
	e.cb.DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst)
}

// End ends the render pass and finishes the submission's driver
// buffer.
func (e *GraphicsEncoder) End() error {
	e.cb.EndPass()
	e.c.st = idle
	if err := e.cb.End(); err != nil {
		return errors.Wrap(err, "cmdbuf: driver End failed")
	}
	return nil
}

// ComputeEncoder records compute work as a Compute submission.
type ComputeEncoder struct {
	encoderCommon
}

// BeginCompute begins a compute encoder. Compute commands need no
// bracketing calls on the driver buffer; the encoder exists to give
// the work its own submission with declared resource usage.
func (c *CommandBuffer) BeginCompute() (*ComputeEncoder, error) {
	if c.st != idle {
		return nil, errors.New("cmdbuf: BeginCompute called outside idle state")
	}
	cb, err := c.take()
	if err != nil {
		return nil, err
	}
	c.st = encoding
	return &ComputeEncoder{encoderCommon{
		c:   c,
		cb:  cb,
		sub: c.newSubmission(driver.Compute, cb),
	}}, nil
}

// BindPipeline sets the compute pipeline and the descriptor layout
// pools subsequent BindResourceSet calls are validated against.
func (e *ComputeEncoder) BindPipeline(pl driver.Pipeline, layout ...*descriptor.Pool) {
	e.bindPipeline(pl, layout)
}

// FlushResourceSet flushes the set bound at setIndex and records its
// descriptor binding for compute.
func (e *ComputeEncoder) FlushResourceSet(setIndex int) error {
	return e.flushResourceSet(setIndex, false)
}

// Dispatch records a dispatch. Dispatching with unflushed bindings is
// a usage error: it logs and records nothing.
func (e *ComputeEncoder) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	if !e.checkFlushed("dispatch") {
		return
	}
	e.cb.Dispatch(grpCountX, grpCountY, grpCountZ)
}

// End ends the compute encoder and finishes the submission's driver
// buffer.
func (e *ComputeEncoder) End() error {
	e.c.st = idle
	if err := e.cb.End(); err != nil {
		return errors.Wrap(err, "cmdbuf: driver End failed")
	}
	return nil
}

// TransferEncoder records data transfer commands as a Transfer
// submission.
type TransferEncoder struct {
	encoderCommon
}

// BeginTransfer begins a transfer encoder for copy and fill
// commands.
func (c *CommandBuffer) BeginTransfer() (*TransferEncoder, error) {
	if c.st != idle {
		return nil, errors.New("cmdbuf: BeginTransfer called outside idle state")
	}
	cb, err := c.take()
	if err != nil {
		return nil, err
	}
	c.st = encoding
	return &TransferEncoder{encoderCommon{
		c:   c,
		cb:  cb,
		sub: c.newSubmission(driver.Transfer, cb),
	}}, nil
}

// End ends the transfer encoder and finishes the submission's driver
// buffer.
func (e *TransferEncoder) End() error {
	e.c.st = idle
	if err := e.cb.End(); err != nil {
		return errors.Wrap(err, "cmdbuf: driver End failed")
	}
	return nil
}
