// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

// #include <stdlib.h>
// #include <proc.h>
import "C"

import (
	"sync"
	"unsafe"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/wsi"
)

// swapchain implements driver.Swapchain.
type swapchain struct {
	d     *Driver
	win   wsi.Window
	qfam  C.uint32_t
	sf    C.VkSurfaceKHR
	sc    C.VkSwapchainKHR
	pf    driver.PixelFmt
	imgs  []C.VkImage
	views []driver.ImageView
	mu    sync.Mutex

	// The number of images that can be acquired is given by
	// 	1 + len(views) - minImg
	// curImg is incremented/decremented when images are
	// acquired/presented.
	minImg int
	curImg int

	// Synchronization is split between per-acquisition data,
	// indexed by a sync slot picked on Next, and per-view data,
	// indexed by the view Next returns:
	//
	//	viewIdx = <returned by Next>
	//	syncIdx = viewSync[viewIdx]
	//	nextSem[syncIdx]  <- signaled by acquisition
	//	presSem[viewIdx]  <- waited on by presentation
	//
	// nextSem is waited on by the first command buffer that
	// transitions the acquired view (identified through pendOp
	// at CmdBuffer.Transition time and consumed by GPU.Commit);
	// presSem is signaled by the command buffer that transitions
	// the view to driver.LPresent and waited on by Present.
	// Notice that presSem is exclusive to each image. This is
	// necessary because, unlike queue submission, queue
	// presentation is not waited for on Commit.
	nextSem []C.VkSemaphore
	presSem []C.VkSemaphore

	// queSync holds the queue ownership transfer data used when
	// the rendering and presentation queues differ, one entry
	// per sync slot. presRel releases the image from the
	// presentation queue before rendering and presAcq acquires
	// it back afterwards; both are recorded by
	// CmdBuffer.Transition and submitted by GPU.Commit around
	// the rendering submissions.
	queSync []queSync

	// viewSync contains indices in nextSem/queSync representing
	// the synchronization data held by image views.
	// If a view is not pending presentation, the index
	// value is meaningless.
	// Its indices match those of the views slice.
	viewSync []int

	// syncUsed indicates which sync slots are in use currently.
	// Its length is equal to the maximum number of images
	// that can be acquired (i.e., 1 + len(views) - minImg).
	syncUsed []bool

	// pendOp indicates, per view, that an acquisition wait is
	// pending. It is set by the first Transition that touches
	// the acquired view and cleared when the command buffer
	// that took the wait detaches from the swapchain, or when
	// the view is presented.
	pendOp []bool

	// The swapchain is marked as 'broken' when either
	// suboptimal or out of date errors occur.
	// It is expected that Recreate or Destroy will be
	// called eventually.
	broken bool
}

// queSync is the per-slot queue ownership transfer data used
// when rendering and presentation queue families differ.
type queSync struct {
	presRel  driver.CmdBuffer
	presAcq  driver.CmdBuffer
	rendWait C.VkSemaphore // Signaled by presRel, waited by rendering.
	presWait C.VkSemaphore // Signaled by rendering, waited by presAcq.
}

// NewSwapchain creates a new swapchain.
func (d *Driver) NewSwapchain(win wsi.Window, imageCount int) (driver.Swapchain, error) {
	if d.exts[extSurface] && d.exts[extSwapchain] {
		s := &swapchain{
			d:   d,
			win: win,
		}
		if err := s.initSurface(); err != nil {
			return nil, err
		}
		if err := s.initSwapchain(imageCount); err != nil {
			C.vkDestroySurfaceKHR(d.inst, s.sf, nil)
			return nil, err
		}
		if err := s.newViews(); err != nil {
			C.vkDestroySwapchainKHR(d.dev, s.sc, nil)
			C.vkDestroySurfaceKHR(d.inst, s.sf, nil)
			return nil, err
		}
		if err := s.syncSetup(); err != nil {
			s.syncTeardown()
			for _, v := range s.views {
				v.Destroy()
			}
			C.vkDestroySwapchainKHR(d.dev, s.sc, nil)
			C.vkDestroySurfaceKHR(d.inst, s.sf, nil)
			return nil, err
		}
		return s, nil
	}
	return nil, driver.ErrCannotPresent
}

// initSwapchain creates a new swapchain from s.sf.
// It sets the sc, pf, minImg and curImg fields of s.
func (s *swapchain) initSwapchain(imageCount int) error {
	var capab C.VkSurfaceCapabilitiesKHR
	res := C.vkGetPhysicalDeviceSurfaceCapabilitiesKHR(s.d.pdev, s.sf, &capab)
	if err := checkResult(res); err != nil {
		return err
	}

	// Number of backbuffers.
	nimg := C.uint32_t(imageCount)
	if capab.minImageCount > nimg {
		nimg = capab.minImageCount
	} else if capab.maxImageCount != 0 && capab.maxImageCount < nimg {
		nimg = capab.maxImageCount
	}

	// Image size.
	var extent C.VkExtent2D
	if capab.maxImageExtent == extent {
		return driver.ErrWindow
	}
	if capab.currentExtent.width == ^C.uint32_t(0) {
		extent.width = C.uint32_t(s.win.Width())
		extent.height = C.uint32_t(s.win.Height())
	} else {
		extent = capab.currentExtent
	}

	// Pre-transform.
	xform := capab.currentTransform

	// Composite alpha.
	var calpha C.VkCompositeAlphaFlagBitsKHR
	switch ca := capab.supportedCompositeAlpha; true {
	case ca&C.VK_COMPOSITE_ALPHA_INHERIT_BIT_KHR != 0:
		calpha = C.VK_COMPOSITE_ALPHA_INHERIT_BIT_KHR
	case ca&C.VK_COMPOSITE_ALPHA_OPAQUE_BIT_KHR != 0:
		calpha = C.VK_COMPOSITE_ALPHA_OPAQUE_BIT_KHR
	default:
		return driver.ErrCompositor
	}

	// Image format and color space.
	var nfmt C.uint32_t
	res = C.vkGetPhysicalDeviceSurfaceFormatsKHR(s.d.pdev, s.sf, &nfmt, nil)
	if err := checkResult(res); err != nil {
		return err
	}
	fmts := make([]C.VkSurfaceFormatKHR, nfmt)
	res = C.vkGetPhysicalDeviceSurfaceFormatsKHR(s.d.pdev, s.sf, &nfmt, &fmts[0])
	if err := checkResult(res); err != nil {
		return err
	}
	prefFmts := []struct {
		pf  driver.PixelFmt
		fmt C.VkFormat
	}{
		{driver.RGBA8SRGB, C.VK_FORMAT_R8G8B8A8_SRGB},
		{driver.BGRA8SRGB, C.VK_FORMAT_B8G8R8A8_SRGB},
		{driver.RGBA8Unorm, C.VK_FORMAT_R8G8B8A8_UNORM},
		{driver.BGRA8Unorm, C.VK_FORMAT_B8G8R8A8_UNORM},
		{driver.RGBA16Float, C.VK_FORMAT_R16G16B16A16_SFLOAT},
	}
	ifmt := -1
fmtLoop:
	for i := range prefFmts {
		for j := range fmts {
			if prefFmts[i].fmt == fmts[j].format {
				s.pf = prefFmts[i].pf
				ifmt = j
				break fmtLoop
			}
		}
	}
	if ifmt == -1 {
		if len(fmts) == 1 && fmts[0].format == C.VK_FORMAT_UNDEFINED {
			// This is a thing apparently, and it means that we can
			// pick whatever format we want. However, accordingly to
			// v1.3 of the spec, advertising undefined format is not
			// allowed, but here it is just in case.
			fmts[0].format = prefFmts[0].fmt
			fmts[0].colorSpace = C.VK_COLOR_SPACE_SRGB_NONLINEAR_KHR
			s.pf = prefFmts[0].pf
			ifmt = 0
		} else if len(fmts) > 0 {
			// TODO: Check if this format is one of the predefined
			// driver.PixelFmt values.
			s.pf = internalFmt(fmts[0].format)
			ifmt = 0
		}
		return driver.ErrCannotPresent
	}

	// Present mode.
	var nmode C.uint32_t
	res = C.vkGetPhysicalDeviceSurfacePresentModesKHR(s.d.pdev, s.sf, &nmode, nil)
	if err := checkResult(res); err != nil {
		return err
	}
	modes := make([]C.VkPresentModeKHR, nmode)
	res = C.vkGetPhysicalDeviceSurfacePresentModesKHR(s.d.pdev, s.sf, &nmode, &modes[0])
	if err := checkResult(res); err != nil {
		return err
	}
	mode := C.VkPresentModeKHR(C.VK_PRESENT_MODE_FIFO_KHR)
	//for _, m := range modes {
	//	if m == C.VK_PRESENT_MODE_MAILBOX_KHR {
	//		mode = m
	//		break
	//	}
	//}

	// Swapchain.
	defer C.vkDestroySwapchainKHR(s.d.dev, s.sc, nil)
	info := C.VkSwapchainCreateInfoKHR{
		sType:            C.VK_STRUCTURE_TYPE_SWAPCHAIN_CREATE_INFO_KHR,
		surface:          s.sf,
		minImageCount:    nimg,
		imageFormat:      fmts[ifmt].format,
		imageColorSpace:  fmts[ifmt].colorSpace,
		imageExtent:      extent,
		imageArrayLayers: 1,
		imageUsage:       C.VK_IMAGE_USAGE_COLOR_ATTACHMENT_BIT,
		imageSharingMode: C.VK_SHARING_MODE_EXCLUSIVE,
		preTransform:     xform,
		compositeAlpha:   calpha,
		presentMode:      mode,
		clipped:          C.VK_TRUE,
		oldSwapchain:     s.sc,
	}
	res = C.vkCreateSwapchainKHR(s.d.dev, &info, nil, &s.sc)
	if err := checkResult(res); err != nil {
		var null C.VkSwapchainKHR
		s.sc = null
		return err
	}
	s.minImg = int(capab.minImageCount)
	s.curImg = 0
	return nil
}

// newViews creates new image views from s.sc.
// It sets the imgs and views fields of s.
// If len(s.views) is not zero, it calls Destroy on each view.
func (s *swapchain) newViews() error {
	var nimg C.uint32_t
	res := C.vkGetSwapchainImagesKHR(s.d.dev, s.sc, &nimg, nil)
	if err := checkResult(res); err != nil {
		return err
	}
	if len(s.imgs) != int(nimg) {
		s.imgs = make([]C.VkImage, nimg)
	}
	res = C.vkGetSwapchainImagesKHR(s.d.dev, s.sc, &nimg, &s.imgs[0])
	if err := checkResult(res); err != nil {
		return err
	}
	info := C.VkImageViewCreateInfo{
		sType:    C.VK_STRUCTURE_TYPE_IMAGE_VIEW_CREATE_INFO,
		viewType: C.VK_IMAGE_VIEW_TYPE_2D,
		format:   convPixelFmt(s.pf),
		components: C.VkComponentMapping{
			r: C.VK_COMPONENT_SWIZZLE_IDENTITY,
			g: C.VK_COMPONENT_SWIZZLE_IDENTITY,
			b: C.VK_COMPONENT_SWIZZLE_IDENTITY,
			a: C.VK_COMPONENT_SWIZZLE_IDENTITY,
		},
		subresourceRange: C.VkImageSubresourceRange{
			aspectMask: C.VK_IMAGE_ASPECT_COLOR_BIT,
			levelCount: 1,
			layerCount: 1,
		},
	}
	for i := range s.views {
		s.views[i].Destroy()
	}
	if len(s.views) != int(nimg) {
		s.views = make([]driver.ImageView, nimg)
	}
	for i := range s.views {
		info.image = s.imgs[i]
		var view C.VkImageView
		res := C.vkCreateImageView(s.d.dev, &info, nil, &view)
		if err := checkResult(res); err != nil {
			for ; i > 0; i-- {
				s.views[i-1].Destroy()
			}
			s.views = nil
			return err
		}
		if s.views[i] == nil {
			s.views[i] = &imageView{
				s:      s,
				view:   view,
				subres: info.subresourceRange,
			}
		} else {
			*s.views[i].(*imageView) = imageView{
				s:      s,
				view:   view,
				subres: info.subresourceRange,
			}
		}
	}
	return nil
}

// syncSetup creates the synchronization data required for
// presentation of s.
// It sets the nextSem, presSem, queSync, viewSync, syncUsed
// and pendOp fields of s.
// The caller must ensure that no semaphores are in use
// before calling this method.
func (s *swapchain) syncSetup() error {
	nview := len(s.views)
	maxAcq := 1 + nview - s.minImg

	if len(s.viewSync) != nview {
		s.viewSync = make([]int, nview)
	}
	if len(s.pendOp) != nview {
		s.pendOp = make([]bool, nview)
	} else {
		clear(s.pendOp)
	}
	if len(s.syncUsed) != maxAcq {
		s.syncUsed = make([]bool, maxAcq)
	} else {
		clear(s.syncUsed)
	}

	semInfo := C.VkSemaphoreCreateInfo{
		sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_CREATE_INFO,
	}
	newSems := func(sems []C.VkSemaphore, n int) ([]C.VkSemaphore, error) {
		i := len(sems)
		switch {
		case i < n:
			for ; i < n; i++ {
				var sem C.VkSemaphore
				res := C.vkCreateSemaphore(s.d.dev, &semInfo, nil, &sem)
				if err := checkResult(res); err != nil {
					// Keep the ones whose creation succeeded.
					return sems, err
				}
				sems = append(sems, sem)
			}
		case i > n:
			for ; i > n; i-- {
				C.vkDestroySemaphore(s.d.dev, sems[i-1], nil)
			}
			sems = sems[:n]
		}
		return sems, nil
	}

	var err error
	if s.nextSem, err = newSems(s.nextSem, maxAcq); err != nil {
		return err
	}
	if s.presSem, err = newSems(s.presSem, nview); err != nil {
		return err
	}

	if s.qfam == s.d.qfam {
		// Same queue; no ownership transfers needed.
		for i := range s.queSync {
			s.queSync[i].destroy(s.d)
		}
		s.queSync = nil
		return nil
	}
	i := len(s.queSync)
	switch {
	case i < maxAcq:
		for ; i < maxAcq; i++ {
			var q queSync
			if q.presRel, err = s.d.newCmdBuffer(s.qfam); err != nil {
				return err
			}
			if q.presAcq, err = s.d.newCmdBuffer(s.qfam); err != nil {
				q.presRel.Destroy()
				return err
			}
			res := C.vkCreateSemaphore(s.d.dev, &semInfo, nil, &q.rendWait)
			if err = checkResult(res); err != nil {
				q.presRel.Destroy()
				q.presAcq.Destroy()
				return err
			}
			res = C.vkCreateSemaphore(s.d.dev, &semInfo, nil, &q.presWait)
			if err = checkResult(res); err != nil {
				C.vkDestroySemaphore(s.d.dev, q.rendWait, nil)
				q.presRel.Destroy()
				q.presAcq.Destroy()
				return err
			}
			s.queSync = append(s.queSync, q)
		}
	case i > maxAcq:
		for ; i > maxAcq; i-- {
			s.queSync[i-1].destroy(s.d)
		}
		s.queSync = s.queSync[:maxAcq]
	}
	return nil
}

// destroy releases q's command buffers and semaphores.
func (q *queSync) destroy(d *Driver) {
	if q.presRel != nil {
		q.presRel.Destroy()
	}
	if q.presAcq != nil {
		q.presAcq.Destroy()
	}
	C.vkDestroySemaphore(d.dev, q.rendWait, nil)
	C.vkDestroySemaphore(d.dev, q.presWait, nil)
	*q = queSync{}
}

// syncTeardown destroys the synchronization data created by
// syncSetup.
func (s *swapchain) syncTeardown() {
	for _, x := range s.nextSem {
		C.vkDestroySemaphore(s.d.dev, x, nil)
	}
	for _, x := range s.presSem {
		C.vkDestroySemaphore(s.d.dev, x, nil)
	}
	for i := range s.queSync {
		s.queSync[i].destroy(s.d)
	}
	s.nextSem = nil
	s.presSem = nil
	s.queSync = nil
}

// Views returns the list of image views that comprises
// the swapchain.
func (s *swapchain) Views() []driver.ImageView {
	// TODO: Consider sharing s.views instead.
	var views []driver.ImageView
	return append(views, s.views...)
}

// Next returns the index of the next writable image view.
func (s *swapchain) Next() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return -1, driver.ErrSwapchain
	}
	if s.curImg > len(s.views)-s.minImg {
		return -1, driver.ErrNoBackbuffer
	}
	sync := -1
	for i := range s.syncUsed {
		if !s.syncUsed[i] {
			sync = i
			break
		}
	}
	if sync == -1 {
		// Should never happen.
		panic("no swapchain sync data to use")
	}
	var idx C.uint32_t
	var null C.VkFence
	res := C.vkAcquireNextImageKHR(s.d.dev, s.sc, C.UINT64_MAX, s.nextSem[sync], null, &idx)
	switch res {
	case C.VK_SUCCESS:
		s.curImg++
		s.viewSync[idx] = sync
		s.syncUsed[sync] = true
		s.pendOp[idx] = false
		return int(idx), nil
	case C.VK_SUBOPTIMAL_KHR:
		s.curImg++
		fallthrough
	case C.VK_ERROR_OUT_OF_DATE_KHR:
		s.broken = true
		return -1, driver.ErrSwapchain
	default:
		if err := checkResult(res); err != nil {
			return -1, err
		}
		// Should never happen.
		println(res)
		panic("unexpected result from swapchain's acquisition")
	}
}

// Present presents the image view identified by index.
// It assumes that the command buffer that transitioned the
// view to driver.LPresent has been committed for execution.
func (s *swapchain) Present(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return driver.ErrSwapchain
	}
	if index < 0 || index >= len(s.views) {
		// Client error.
		panic("swapchain image index out of bounds")
	}
	return s.finishPresent(index, s.presSem[index])
}

// finishPresent enqueues presentation of index waiting on waitSem
// and releases the index's sync slot.
// Callers must hold s.mu.
func (s *swapchain) finishPresent(index int, waitSem C.VkSemaphore) error {
	err := s.present(index, waitSem)
	sync := s.viewSync[index]
	s.syncUsed[sync] = false
	s.pendOp[index] = false
	s.curImg--
	return err
}

// present enqueues an image for presentation.
// waitSem must have a signal operation pending from an
// already committed batch.
func (s *swapchain) present(index int, waitSem C.VkSemaphore) error {
	psem := (*C.VkSemaphore)(C.malloc(C.sizeof_VkSemaphore))
	defer C.free(unsafe.Pointer(psem))
	*psem = waitSem
	psc := (*C.VkSwapchainKHR)(C.malloc(C.sizeof_VkSwapchainKHR))
	defer C.free(unsafe.Pointer(psc))
	*psc = s.sc
	pidx := (*C.uint32_t)(C.malloc(4))
	defer C.free(unsafe.Pointer(pidx))
	*pidx = C.uint32_t(index)
	info := C.VkPresentInfoKHR{
		sType:              C.VK_STRUCTURE_TYPE_PRESENT_INFO_KHR,
		waitSemaphoreCount: 1,
		pWaitSemaphores:    psem,
		swapchainCount:     1,
		pSwapchains:        psc,
		pImageIndices:      pidx,
	}
	s.d.qmus[s.qfam].Lock()
	res := C.vkQueuePresentKHR(s.d.ques[s.qfam], &info)
	s.d.qmus[s.qfam].Unlock()
	switch res {
	case C.VK_SUCCESS:
		return nil
	case C.VK_SUBOPTIMAL_KHR, C.VK_ERROR_OUT_OF_DATE_KHR:
		s.broken = true
		return driver.ErrSwapchain
	default:
		if err := checkResult(res); err != nil {
			return err
		}
	}
	// Should never happen.
	return errUnknown
}

// Recreate recreates the swapchain.
func (s *swapchain) Recreate() error {
	C.vkQueueWaitIdle(s.d.ques[s.d.qfam])
	if s.qfam != s.d.qfam {
		C.vkQueueWaitIdle(s.d.ques[s.qfam])
	}
	if err := s.initSwapchain(len(s.views)); err != nil {
		return err
	}
	if err := s.newViews(); err != nil {
		return err
	}
	if err := s.syncSetup(); err != nil {
		return err
	}
	s.broken = false
	return nil
}

// Format returns the image views' driver.PixelFmt.
func (s *swapchain) Format() driver.PixelFmt { return s.pf }

// Destroy destroys the swapchain.
func (s *swapchain) Destroy() {
	if s == nil {
		return
	}
	if s.d != nil {
		C.vkQueueWaitIdle(s.d.ques[s.d.qfam])
		if s.qfam != s.d.qfam {
			C.vkQueueWaitIdle(s.d.ques[s.qfam])
		}
		s.syncTeardown()
		for _, v := range s.views {
			v.Destroy()
		}
		C.vkDestroySwapchainKHR(s.d.dev, s.sc, nil)
		C.vkDestroySurfaceKHR(s.d.inst, s.sf, nil)
	}
	*s = swapchain{}
}

// presQueueFor returns the index of a queue that supports
// presentation to a given surface.
// It returns driver.ErrCannotPresent if none of the queues
// support presentation. If the query function itself fails
// for any reason, its error is returned instead.
func (d *Driver) presQueueFor(sf C.VkSurfaceKHR) (C.uint32_t, error) {
	n := C.uint32_t(len(d.ques))
	e := driver.ErrCannotPresent
	var sup C.VkBool32
	for i := C.uint32_t(0); i < n; i++ {
		qfam := (i + d.qfam) % n
		err := checkResult(C.vkGetPhysicalDeviceSurfaceSupportKHR(d.pdev, qfam, sf, &sup))
		if err != nil {
			e = err
			continue
		}
		if sup == C.VK_TRUE {
			return qfam, nil
		}
	}
	return ^C.uint32_t(0), e
}
