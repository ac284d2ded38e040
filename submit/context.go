// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package submit implements the submission pipeline: the per-frame
// begin_frame/submit/present/end_frame lifecycle that turns a render
// graph's execution plan into queue submissions, bridges the
// swapchain's binary-semaphore acquire/present bookkeeping with the
// graph's timeline semaphores, and drives the finalizer queue's
// once-per-frame pass.
package submit

import (
	"github.com/gviegas/rgraph/cmdbuf"
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph"
	"github.com/gviegas/rgraph/internal/idgen"
	"github.com/pkg/errors"
)

// Swapchain is the semaphore contract a presentable surface must
// expose to the submission pipeline. Swapchain creation, recreation
// and image ownership are the backend's concern; the pipeline only
// needs acquisition, the acquire semaphore, the present-time layout
// transition, and presentation gated on a render-complete semaphore.
type Swapchain interface {
	// Next acquires the next writable image, recording any
	// acquire-time layout transition into cb (beginning cb if it is
	// not recording), and returns the image's index.
	Next(cb driver.CmdBuffer) (int, error)

	// AcquireSemaphore returns the binary semaphore that the most
	// recent Next arranged to be signaled when its image becomes
	// available, or nil if the backend has nothing to wait on. The
	// first submission writing the image must wait on it at the
	// color-attachment-output stage.
	AcquireSemaphore() driver.BinarySemaphore

	// PreparePresent records the present-time layout transition for
	// image index into cb (beginning cb if it is not recording). It
	// must be ordered after every write to the image.
	PreparePresent(index int, cb driver.CmdBuffer) error

	// Present enqueues presentation of image index, waiting on wait
	// before the image is read by the presentation engine. wait must
	// have a signal pending from an already-submitted batch.
	Present(index int, wait driver.BinarySemaphore) error
}

// RenderContext adapts one presentable surface into a render graph
// node: a command buffer that writes into the surface's current
// image, paired with the swapchain that owns the image, plus the
// transition buffers and per-frame render-complete semaphores the
// pipeline wraps the submission with. It satisfies
// graph.PresentingContext.
type RenderContext struct {
	id  uint64
	sc  Swapchain
	buf *cmdbuf.CommandBuffer

	// acqBuf and presBuf bracket the frame's submission: acqBuf
	// carries the swapchain's acquire-time transition and presBuf the
	// present-time one.
	acqBuf  driver.CmdBuffer
	presBuf driver.CmdBuffer

	// renderDone is the render-complete binary semaphore ring, one
	// per frame in flight, created lazily by the pipeline.
	renderDone []driver.BinarySemaphore

	imageIndex int
	acquired   bool

	// presentedAt guards against presenting twice in one frame.
	presentedAt  uint64
	hasPresented bool
}

// NewRenderContext creates a RenderContext over sc, presenting the
// image buf renders into every frame. dev allocates the context's
// transition command buffers.
func NewRenderContext(dev cmdbuf.Device, sc Swapchain, buf *cmdbuf.CommandBuffer) (*RenderContext, error) {
	acq, err := dev.NewCmdBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "submit: failed to create acquire transition buffer")
	}
	pres, err := dev.NewCmdBuffer()
	if err != nil {
		acq.Destroy()
		return nil, errors.Wrap(err, "submit: failed to create present transition buffer")
	}
	return &RenderContext{
		id:      idgen.Next(),
		sc:      sc,
		buf:     buf,
		acqBuf:  acq,
		presBuf: pres,
	}, nil
}

// ID returns the context's process-unique identifier. It satisfies
// graph.PresentingContext.
func (r *RenderContext) ID() uint64 { return r.id }

// CommandBuffer returns the context's recording command buffer. It
// satisfies graph.PresentingContext.
func (r *RenderContext) CommandBuffer() graph.Buffer { return r.buf }

// ImageIndex returns the swapchain image index acquired by the most
// recent Pipeline.BeginFrame call.
func (r *RenderContext) ImageIndex() int { return r.imageIndex }

// Destroy releases the context's transition buffers and semaphores.
// The context's last presented frame must have retired.
func (r *RenderContext) Destroy() {
	r.acqBuf.Destroy()
	r.presBuf.Destroy()
	for _, sem := range r.renderDone {
		if sem != nil {
			sem.Destroy()
		}
	}
	r.renderDone = nil
}
