// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package vk

// #include <proc.h>
import "C"

import (
	"github.com/gviegas/rgraph/driver"
	"github.com/pkg/errors"
)

// PresentAdapter exposes a swapchain created by NewSwapchain through
// an explicit acquire/present contract (the shape package submit's
// Swapchain expects): the acquire- and present-time layout
// transitions are recorded into caller-provided transition buffers
// and the binary semaphores are surfaced directly, instead of being
// derived from recorded transitions at GPU.Commit time. Use it when
// submissions go through driver.Queue.Submit rather than GPU.Commit.
//
// A PresentAdapter is not safe for concurrent use; drive it from the
// frame thread, like the pipeline it serves.
type PresentAdapter struct {
	s *swapchain

	// last acquired view, for AcquireSemaphore.
	last int
}

// NewPresentAdapter wraps a swapchain created by this driver's
// NewSwapchain. It fails with driver.ErrCannotPresent when the
// rendering and presentation queue families differ: the ownership
// transfers that case needs are recorded by CmdBuffer.Transition,
// which the explicit contract bypasses.
func NewPresentAdapter(sc driver.Swapchain) (*PresentAdapter, error) {
	s, ok := sc.(*swapchain)
	if !ok {
		return nil, errors.New("vk: swapchain was not created by this driver")
	}
	if s.qfam != s.d.qfam {
		return nil, driver.ErrCannotPresent
	}
	return &PresentAdapter{s: s, last: -1}, nil
}

// Next acquires the next writable image, recording its
// undefined-to-color-target transition into cb (beginning cb if it
// is not recording), and returns the image's index.
func (p *PresentAdapter) Next(cb driver.CmdBuffer) (int, error) {
	c, ok := cb.(*cmdBuffer)
	if !ok {
		return -1, errors.New("vk: transition buffer is not a vk command buffer")
	}
	idx, err := p.s.Next()
	if err != nil {
		return -1, err
	}
	if err := c.Begin(); err != nil {
		return -1, err
	}
	p.imageBarrier(c, idx,
		C.VK_IMAGE_LAYOUT_UNDEFINED, C.VK_IMAGE_LAYOUT_COLOR_ATTACHMENT_OPTIMAL,
		0, C.VK_ACCESS_2_COLOR_ATTACHMENT_WRITE_BIT)
	p.last = idx
	return idx, nil
}

// AcquireSemaphore returns the binary semaphore signaled when the
// most recently acquired image becomes available, or nil if no
// acquisition happened yet. The semaphore is owned by the swapchain;
// callers must not destroy it.
func (p *PresentAdapter) AcquireSemaphore() driver.BinarySemaphore {
	if p.last < 0 {
		return nil
	}
	sync := p.s.viewSync[p.last]
	return &binarySemaphore{d: p.s.d, sem: p.s.nextSem[sync]}
}

// PreparePresent records the color-target-to-present transition for
// image index into cb (beginning cb if it is not recording).
func (p *PresentAdapter) PreparePresent(index int, cb driver.CmdBuffer) error {
	c, ok := cb.(*cmdBuffer)
	if !ok {
		return errors.New("vk: transition buffer is not a vk command buffer")
	}
	if err := c.Begin(); err != nil {
		return err
	}
	p.imageBarrier(c, index,
		C.VK_IMAGE_LAYOUT_COLOR_ATTACHMENT_OPTIMAL, C.VK_IMAGE_LAYOUT_PRESENT_SRC_KHR,
		C.VK_ACCESS_2_COLOR_ATTACHMENT_WRITE_BIT, 0)
	return nil
}

// Present enqueues presentation of image index, waiting on wait.
// wait must have a signal pending from an already-submitted batch.
func (p *PresentAdapter) Present(index int, wait driver.BinarySemaphore) error {
	bs, ok := wait.(*binarySemaphore)
	if !ok {
		return errors.New("vk: wait semaphore is not a vk binary semaphore")
	}
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return driver.ErrSwapchain
	}
	if index < 0 || index >= len(s.views) {
		// Client error.
		panic("swapchain image index out of bounds")
	}
	return s.finishPresent(index, bs.sem)
}

// imageBarrier records a full-subresource layout transition of view
// index at the color-attachment-output stage.
func (p *PresentAdapter) imageBarrier(c *cmdBuffer, index int, oldLay, newLay C.VkImageLayout, srcAcc, dstAcc C.VkAccessFlags2) {
	view := p.s.views[index].(*imageView)
	barrier := C.VkImageMemoryBarrier2{
		sType:            C.VK_STRUCTURE_TYPE_IMAGE_MEMORY_BARRIER_2,
		srcStageMask:     C.VK_PIPELINE_STAGE_2_COLOR_ATTACHMENT_OUTPUT_BIT,
		srcAccessMask:    srcAcc,
		dstStageMask:     C.VK_PIPELINE_STAGE_2_COLOR_ATTACHMENT_OUTPUT_BIT,
		dstAccessMask:    dstAcc,
		oldLayout:        oldLay,
		newLayout:        newLay,
		image:            p.s.imgs[index],
		subresourceRange: view.subres,
	}
	dep := C.VkDependencyInfo{
		sType:                   C.VK_STRUCTURE_TYPE_DEPENDENCY_INFO,
		imageMemoryBarrierCount: 1,
		pImageMemoryBarriers:    &barrier,
	}
	C.vkCmdPipelineBarrier2(c.cb, &dep)
}
